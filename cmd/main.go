package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkb79/Audible-sub000/internal/config"
	"github.com/mkb79/Audible-sub000/internal/crypto"
	"github.com/mkb79/Audible-sub000/internal/locale"
	"github.com/mkb79/Audible-sub000/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "audible",
	Short: "Audible auth engine - manage device credentials for the private API",
	Long: `A client-side authentication engine for the Audible private API. It walks
the browser-less web login flow (captcha, OTP, verification and approval
challenges), registers a virtual device for long-lived credentials, signs
API requests with the device key and keeps the credential file encrypted
on disk.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml or ~/.audible/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and prepares logging and the crypto backend.
// Every subcommand starts here.
func setup() (*config.Config, *logrus.Logger, locale.Locale, error) {
	logger := logging.Initialize(logLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, locale.Locale{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			return nil, nil, locale.Locale{}, fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	if cfg.CryptoProvider != "" {
		if err := crypto.SetDefault(cfg.CryptoProvider); err != nil {
			return nil, nil, locale.Locale{}, fmt.Errorf("failed to select crypto backend: %w", err)
		}
	}

	loc, err := locale.ForCountryCode(cfg.Locale)
	if err != nil {
		return nil, nil, locale.Locale{}, err
	}
	return cfg, logger, loc, nil
}
