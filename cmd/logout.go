package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mkb79/Audible-sub000/internal/auth"
	"github.com/mkb79/Audible-sub000/internal/client"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Deregister this device and remove the auth file",
	Long: `Deregister the device server-side, invalidating its credentials, then
delete the local auth file. With --all, every device registration of the
account is removed.`,
	RunE: runLogoutCommand,
}

var (
	logoutAll          bool
	logoutFilePassword string
)

func init() {
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "deregister every device registration of the account")
	logoutCmd.Flags().StringVar(&logoutFilePassword, "file-password", "", "password of the encrypted auth file (prompted when omitted)")

	rootCmd.AddCommand(logoutCmd)
}

func runLogoutCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := setup()
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.Timeout = time.Duration(cfg.HTTPTimeout) * time.Second
	httpc, err := client.New(clientCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}
	defer httpc.Close()

	authenticator, err := loadAuthFile(cfg.AuthFile, cfg.Encryption, logoutFilePassword, httpc, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTPTimeout)*time.Second)
	defer cancel()

	if err := authenticator.Deregister(ctx, logoutAll); err != nil {
		return fmt.Errorf("deregistration failed: %w", err)
	}

	if err := os.Remove(cfg.AuthFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove auth file: %w", err)
	}

	fmt.Println("✓ Device deregistered and auth file removed.")
	return nil
}

// loadAuthFile restores the authenticator from disk, prompting for the file
// password when the file is encrypted and none was given.
func loadAuthFile(path, encryption, password string, httpc *client.HTTPClient, logger *logrus.Logger) (*auth.Authenticator, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no auth file at %s; run 'audible login' first", path)
	}

	if encryption != "off" && password == "" {
		var err error
		password, err = promptLine("Auth file password: ")
		if err != nil {
			return nil, err
		}
	}
	return auth.LoadFile(path, password, httpc, logger)
}
