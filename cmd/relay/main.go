package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbkchat/relay/pkg/config"
	"github.com/mbkchat/relay/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Conversational routing hub between messengers, the helpdesk, and the CRM",
	Long: `relay bridges WhatsApp and Telegram gateways, website lead forms, and a
Bitrix24 CRM with a Chatwoot helpdesk: inbound messages are normalized and
enriched, outbound helpdesk messages are delivered back through the sticky
transport, and CRM deals are kept in sync with their conversations.`,
	SilenceUsage: true,
}

func init() {
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/relay")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()

	config.SetDefaults(viper.GetViper())
}

// loadConfig builds the validated runtime configuration and applies the
// logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	logger.SetLogFormat(cfg.LogFormat)
	return cfg, nil
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
