package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/mbkchat/relay/pkg/agents"
	"github.com/mbkchat/relay/pkg/ai"
	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/chatwoot"
	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/db"
	"github.com/mbkchat/relay/pkg/db/migrations"
	"github.com/mbkchat/relay/pkg/dealsync"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/pipeline"
	"github.com/mbkchat/relay/pkg/routing"
	"github.com/mbkchat/relay/pkg/server"
	"github.com/mbkchat/relay/pkg/store"
	"github.com/mbkchat/relay/pkg/transcribe"
	"github.com/mbkchat/relay/pkg/warmup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, the transcription worker, and the warmup cron",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.G(ctx)

	if err := db.RunMigrations(ctx, cfg.DBPath, migrations.All()); err != nil {
		return err
	}
	sqlDB, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	st := store.New(sqlDB)

	// Every configured inbox starts active; gateway state webhooks toggle
	// them afterwards.
	if err := st.EnsureInboxes(ctx, cfg.AllInboxIDs()); err != nil {
		return err
	}

	cw := chatwoot.New(cfg.Chatwoot.Host, cfg.Chatwoot.APIToken, cfg.Chatwoot.AccountID)
	enricher := ai.New(cfg.OpenAI)
	llm := openai.NewClient(cfg.OpenAI.Token)

	crm := newCRMResolver(cfg, st)
	deals := dealsync.New(cfg, st, cw, func(portal string) (dealsync.CRM, error) {
		return crm.resolve(portal)
	})
	cw.SetNotifier(deals)

	pipe := pipeline.New(cfg, st, cw, enricher, routing.New(cfg, st))
	bots := agents.New(cfg, st, cw, llm, deals)
	worker := transcribe.NewWorker(st, func(portal string) (transcribe.CRM, error) {
		return crm.resolve(portal)
	}, enricher)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	cronRunner := cron.New()
	if _, err := warmup.New(cfg, st, cw, llm).Schedule(cronRunner); err != nil {
		return err
	}
	cronRunner.Start()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(cfg, pipe, deals, bots).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("listen", cfg.Listen).Info("relay listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		<-cronRunner.Stop().Done()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown was not clean")
	}
	<-cronRunner.Stop().Done()
	wg.Wait()
	return nil
}

// crmResolver builds and caches per-portal CRM clients. Webhook portals are
// stateless; OAuth portals are loaded from the persisted token pair and keep
// refreshing through the store.
type crmResolver struct {
	cfg   *config.Config
	store *store.Store

	mu     sync.Mutex
	tokens map[string]*bitrix.Token
}

func newCRMResolver(cfg *config.Config, st *store.Store) *crmResolver {
	return &crmResolver{cfg: cfg, store: st, tokens: make(map[string]*bitrix.Token)}
}

func (r *crmResolver) resolve(portal string) (*bitrix.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.tokens[portal]; ok {
		return token, nil
	}
	p, ok := r.cfg.PortalByDomain(portal)
	if !ok {
		return nil, errors.Errorf("unknown portal %q", portal)
	}

	var token *bitrix.Token
	if p.WebhookToken != "" {
		token = bitrix.NewWebhookToken(p.Domain, p.WebhookToken)
	} else {
		stored, err := r.store.GetPortalToken(context.Background(), p.Domain)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, errors.Errorf("portal %q has not authorized the application", portal)
		}
		token = bitrix.NewOAuthToken(p.Domain, stored.AuthToken, stored.RefreshToken, p.ClientID, p.ClientSecret, r.store)
	}
	r.tokens[portal] = token
	return token, nil
}
