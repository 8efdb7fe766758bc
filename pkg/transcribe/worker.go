package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/mbkchat/relay/pkg/bitrix"
	"github.com/mbkchat/relay/pkg/logger"
	"github.com/mbkchat/relay/pkg/store"
)

const (
	// DefaultConcurrency bounds the number of jobs processed at once.
	DefaultConcurrency = 3
	// DefaultLease is how long a claimed job stays invisible to other
	// dispatchers before it counts as abandoned.
	DefaultLease = 1500 * time.Second

	dispatchInterval = time.Second
)

// CRM is the slice of the portal client the worker uses. *bitrix.Token
// satisfies it.
type CRM interface {
	CallAPIMethodWithRefresh(ctx context.Context, method string, params bitrix.Params) (*bitrix.Response, error)
	CallListMethod(ctx context.Context, method string, fields bitrix.Params, limit int) ([]json.RawMessage, error)
}

// CRMProvider resolves the CRM client for a portal domain.
type CRMProvider func(portal string) (CRM, error)

// Transcriber turns a local audio file into text. *ai.Client satisfies it.
type Transcriber interface {
	TranscribeFile(ctx context.Context, audioPath string) (string, error)
}

// Worker drains the transcription job queue.
type Worker struct {
	store       *store.Store
	crm         CRMProvider
	stt         Transcriber
	httpClient  *http.Client
	concurrency int
	lease       time.Duration
	interval    time.Duration
	now         func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorker creates the queue worker with the default pool size and lease.
func NewWorker(st *store.Store, crm CRMProvider, stt Transcriber) *Worker {
	return &Worker{
		store:       st,
		crm:         crm,
		stt:         stt,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		concurrency: DefaultConcurrency,
		lease:       DefaultLease,
		interval:    dispatchInterval,
		now:         time.Now,
		sem:         make(chan struct{}, DefaultConcurrency),
	}
}

// Run dispatches due jobs until the context is cancelled, then waits for the
// in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce claims up to one batch of due jobs and hands them to the pool.
func (w *Worker) dispatchOnce(ctx context.Context) {
	log := logger.G(ctx)

	ids, err := w.store.PickDueJobs(ctx, 2*w.concurrency)
	if err != nil {
		log.WithError(err).Warn("failed to pick transcription jobs")
		return
	}

	for _, id := range ids {
		claimed, err := w.store.ClaimJob(ctx, id, w.lease)
		if err != nil {
			log.WithError(err).WithField("job", id).Warn("failed to claim transcription job")
			continue
		}
		if !claimed {
			continue
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		w.wg.Add(1)
		go func(jobID int64) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, jobID)
		}(id)
	}
}

// runJob executes one claimed job and settles its row.
func (w *Worker) runJob(ctx context.Context, id int64) {
	log := logger.G(ctx).WithField("job", id)

	job, err := w.store.GetJob(ctx, id)
	if err != nil {
		log.WithError(err).Warn("failed to load claimed job")
		return
	}
	if job == nil || job.Status != store.JobStatusRunning {
		return
	}

	jobErr := w.TranscribeCallsForDeal(ctx, job.Portal, job.DealBxID)
	if jobErr == nil {
		if err := w.store.FinishJob(ctx, id); err != nil {
			log.WithError(err).Warn("failed to finish job")
		}
		return
	}

	log.WithError(jobErr).WithField("attempt", job.Attempt).Warn("transcription job failed")
	nextRun := w.now().Add(retryBackoff(job.Attempt))
	if err := w.store.RetryJob(ctx, id, jobErr, nextRun); err != nil {
		log.WithError(err).Warn("failed to reschedule job")
	}
}

// retryBackoff grows exponentially with the attempt count, capped at an
// hour. The attempt was already incremented when the job was claimed.
func retryBackoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	minutes := 1 << attempt
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
