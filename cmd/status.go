package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/crypto"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the stored credentials",
	RunE:  runStatusCommand,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the access token and update the auth file",
	RunE:  runRefreshCommand,
}

var (
	statusFilePassword string
)

func init() {
	statusCmd.Flags().StringVar(&statusFilePassword, "file-password", "", "password of the encrypted auth file (prompted when omitted)")
	refreshCmd.Flags().StringVar(&statusFilePassword, "file-password", "", "password of the encrypted auth file (prompted when omitted)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, loc, err := setup()
	if err != nil {
		return err
	}

	httpc, err := client.New(client.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	defer httpc.Close()

	authenticator, err := loadAuthFile(cfg.AuthFile, cfg.Encryption, statusFilePassword, httpc, logger)
	if err != nil {
		return err
	}

	fmt.Printf("Marketplace:      %s (%s)\n", loc.CountryCode, loc.Domain)
	fmt.Printf("Auth file:        %s\n", cfg.AuthFile)
	fmt.Printf("Crypto backends:  %v\n", crypto.Providers())

	if authenticator.IsExpired() {
		fmt.Println("Access token:     expired")
	} else {
		fmt.Printf("Access token:     valid for %s\n", authenticator.ExpiresIn().Round(time.Second))
	}
	fmt.Printf("Request signing:  %v\n", authenticator.HasSigningMaterial())
	if blob := authenticator.ActivationBytes(); blob != "" {
		fmt.Println("Activation bytes: stored")
	}
	return nil
}

func runRefreshCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, _, err := setup()
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.Timeout = time.Duration(cfg.HTTPTimeout) * time.Second
	httpc, err := client.New(clientCfg, logger)
	if err != nil {
		return err
	}
	defer httpc.Close()

	authenticator, err := loadAuthFile(cfg.AuthFile, cfg.Encryption, statusFilePassword, httpc, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTPTimeout)*time.Second)
	defer cancel()

	if err := authenticator.Refresh(ctx); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}

	password, style, err := resolveEncryption(cfg.Encryption, statusFilePassword)
	if err != nil {
		return err
	}
	if err := authenticator.SaveFile(cfg.AuthFile, password, style); err != nil {
		return err
	}

	fmt.Printf("✓ Access token refreshed, valid until %s\n", authenticator.Expires().Format(time.RFC3339))
	return nil
}
