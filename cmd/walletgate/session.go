package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/layer-3/walletgate/client"
	"github.com/layer-3/walletgate/internal/logging"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	privateKey string
	statePath  string

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Sign in to a walletgate server with a private key",
		Long: `
Usage: walletgate login --server=<url> --key=<hex private key> [--state=<file>]

  Signs a server challenge with the key and stores the issued token in the
  state file. The key may also be given in WALLETGATE_PRIVATE_KEY.
`,
		RunE: runLogin,
	}

	refreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored token for a new one",
		RunE:  runRefresh,
	}

	whoamiCmd = &cobra.Command{
		Use:   "whoami",
		Short: "Verify the stored token and print the session",
		RunE:  runWhoami,
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "End the stored session",
		RunE:  runLogout,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{loginCmd, refreshCmd, whoamiCmd, logoutCmd} {
		cmd.Flags().StringVar(&serverURL, "server", envOr("WALLETGATE_SERVER", "http://localhost:9000"), "Server URL")
		cmd.Flags().StringVar(&statePath, "state", defaultStatePath(), "Client state file")
	}
	loginCmd.Flags().StringVar(&privateKey, "key", os.Getenv("WALLETGATE_PRIVATE_KEY"), "Hex encoded private key")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "walletgate-state.json"
	}
	return filepath.Join(dir, "walletgate", "state.json")
}

func newOrchestrator(wallet client.Wallet) (*client.Orchestrator, error) {
	storage, err := client.OpenFileStorage(statePath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{Level: envOr("LOG_LEVEL", "warn"), Format: "console"})
	return client.NewOrchestrator(client.NewAPI(serverURL, nil), wallet, storage, nil, client.Options{Logger: logger}), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	if privateKey == "" {
		return errors.New("a private key is required, use --key or WALLETGATE_PRIVATE_KEY")
	}
	wallet, err := client.KeyWalletFromHex("cli", privateKey)
	if err != nil {
		return err
	}
	o, err := newOrchestrator(wallet)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	accounts, err := o.Connect(ctx)
	if err != nil {
		return err
	}
	state, err := o.SelectAccount(ctx, accounts[0])
	if err != nil {
		return err
	}
	switch state {
	case client.StateDenied:
		return fmt.Errorf("%s is not on the server allow-list", accounts[0])
	case client.StateSignatureRequired:
		if err := o.RequestSignature(ctx, accounts[0]); err != nil {
			return err
		}
	}
	return printSession(o)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator(client.NewKeyWallet("cli"))
	if err != nil {
		return err
	}
	if err := o.RefreshAuthToken(cmd.Context()); err != nil {
		return fmt.Errorf("refresh failed, session cleared: %w", err)
	}
	return printSession(o)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator(client.NewKeyWallet("cli"))
	if err != nil {
		return err
	}
	state, err := o.Restore(cmd.Context())
	if err != nil {
		return err
	}
	switch state {
	case client.StateDisconnected:
		return errors.New("not logged in")
	case client.StateTokenExpired:
		return errors.New("token expired, run walletgate refresh")
	case client.StateAuthenticated:
		return printSession(o)
	default:
		return fmt.Errorf("session is %s", state)
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator(client.NewKeyWallet("cli"))
	if err != nil {
		return err
	}
	o.Logout(cmd.Context())
	fmt.Println("Logged out")
	return nil
}

func printSession(o *client.Orchestrator) error {
	out := map[string]any{
		"state":   o.State().String(),
		"address": o.Address(),
		"user":    o.User(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
