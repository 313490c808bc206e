package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkb79/Audible-sub000/internal/auth"
	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/device"
	"github.com/mkb79/Audible-sub000/internal/login"
	"github.com/mkb79/Audible-sub000/internal/registration"
	"github.com/mkb79/Audible-sub000/internal/vault"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and register this device for API credentials",
	Long: `Walk the web login flow for the configured marketplace, register a
virtual device and write the resulting credential bundle to the auth file.
Captcha, OTP, verification and approval challenges are answered
interactively on the terminal.`,
	RunE: runLoginCommand,
}

var (
	loginUsername     string
	loginPassword     string
	loginFilePassword string
	loginTimeout      int
)

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Amazon account email (or Audible username with with_username)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginFilePassword, "file-password", "", "password for the encrypted auth file (prompted when encryption is on and omitted)")
	loginCmd.Flags().IntVar(&loginTimeout, "timeout", 300, "login timeout in seconds")
	loginCmd.MarkFlagRequired("username")

	rootCmd.AddCommand(loginCmd)
}

func runLoginCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, loc, err := setup()
	if err != nil {
		return err
	}

	if loginPassword == "" {
		loginPassword, err = promptLine("Password: ")
		if err != nil {
			return err
		}
	}

	clientCfg := client.DefaultConfig()
	clientCfg.Timeout = time.Duration(cfg.HTTPTimeout) * time.Second
	clientCfg.WithJar = true
	httpc, err := client.New(clientCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}
	defer httpc.Close()

	dev := device.NewProfile()
	flow, err := login.NewFlow(loc, dev, httpc, logger, terminalCallbacks())
	if err != nil {
		return fmt.Errorf("failed to create login flow: %w", err)
	}
	flow.SetSelectors(cfg.Selectors)
	flow.SetWithUsername(cfg.WithUsername)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(loginTimeout)*time.Second)
	defer cancel()

	fmt.Printf("Logging in to marketplace %s (%s)\n", loc.CountryCode, loc.Domain)
	result, err := flow.Run(ctx, loginUsername, loginPassword)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Println("Login authorized, registering device...")
	bundle, err := registration.Register(ctx, httpc, logger, &registration.RegisterRequest{
		AuthorizationCode: result.AuthorizationCode,
		CodeVerifier:      result.CodeVerifier,
		Domain:            loc.Domain,
		Device:            dev,
		WithUsername:      cfg.WithUsername,
	})
	if err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}

	authenticator, err := auth.FromRegistration(bundle, loc, httpc, logger)
	if err != nil {
		return fmt.Errorf("failed to build credential bundle: %w", err)
	}
	authenticator.SetWithUsername(cfg.WithUsername)
	if cfg.CryptoProvider != "" {
		if err := authenticator.Crypto().SetProvider(cfg.CryptoProvider); err != nil {
			return err
		}
	}

	filePassword, style, err := resolveEncryption(cfg.Encryption, loginFilePassword)
	if err != nil {
		return err
	}
	if err := authenticator.SaveFile(cfg.AuthFile, filePassword, style); err != nil {
		return err
	}

	fmt.Println("✓ Device registered successfully!")
	fmt.Printf("Auth file: %s\n", cfg.AuthFile)
	fmt.Printf("Access token expires: %s\n", authenticator.Expires().Format(time.RFC3339))
	if authenticator.HasSigningMaterial() {
		fmt.Println("Request signing is available.")
	}
	return nil
}

// resolveEncryption maps the configured encryption mode onto a file password
// and container style, prompting when needed.
func resolveEncryption(mode, password string) (string, vault.Style, error) {
	if mode == "off" {
		return "", vault.StyleJSON, nil
	}

	if password == "" {
		var err error
		password, err = promptLine("Auth file password: ")
		if err != nil {
			return "", "", err
		}
	}
	if password == "" {
		return "", "", fmt.Errorf("auth file encryption is %q but no password was given", mode)
	}

	style := vault.StyleJSON
	if mode == "bytes" {
		style = vault.StyleBytes
	}
	return password, style, nil
}

// terminalCallbacks answers login challenges on stdin/stdout.
func terminalCallbacks() login.Callbacks {
	return login.Callbacks{
		Captcha: func(imageURL string) (string, error) {
			fmt.Printf("Captcha required. Open this image in a browser:\n  %s\n", imageURL)
			return promptLine("Captcha solution: ")
		},
		OTP: func() (string, error) {
			return promptLine("One-time password: ")
		},
		Verification: func() (string, error) {
			return promptLine("Verification code: ")
		},
		Choice: func(options []login.ChoiceOption) (string, error) {
			fmt.Println("Choose where to receive the one-time password:")
			for i, opt := range options {
				fmt.Printf("  %d) %s\n", i+1, opt.Label)
			}
			answer, err := promptLine("Selection: ")
			if err != nil {
				return "", err
			}
			idx, err := strconv.Atoi(strings.TrimSpace(answer))
			if err != nil || idx < 1 || idx > len(options) {
				return "", fmt.Errorf("invalid selection %q", answer)
			}
			return options[idx-1].Value, nil
		},
		Approval: func() error {
			_, err := promptLine("Approve the login on your device, then press Enter...")
			return err
		},
	}
}

// promptLine reads one line from stdin.
func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
