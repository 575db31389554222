package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/internal/config"
	"github.com/layer-3/walletgate/internal/logging"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/service"
	"github.com/spf13/cobra"
)

var (
	deviceName string

	deviceCmd = &cobra.Command{
		Use:   "device",
		Short: "Manage peer device API keys",
	}

	deviceAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Register a device and print its API key",
		Long: `
Usage: walletgate device add --name=<name>

  Registers a peer device. The API key is printed once and cannot be
  recovered later. Devices send X-Device-ID and X-Device-Key headers.
`,
		RunE: runDeviceAdd,
	}

	deviceListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE:  runDeviceList,
	}
)

func init() {
	deviceAddCmd.Flags().StringVar(&deviceName, "name", "", "Device name")
	_ = deviceAddCmd.MarkFlagRequired("name")

	deviceCmd.AddCommand(deviceAddCmd, deviceListCmd)
}

// openDeviceRegistry opens the configured store, which must outlive this process
func openDeviceRegistry(ctx context.Context) (*service.DeviceRegistry, ports.Store, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.StoreDriver == store.DriverMemory {
		return nil, nil, errors.New("device commands need a persistent store, set STORE_DRIVER to sqlite or redis")
	}

	st, err := store.New(ctx, store.Config{
		Driver:       cfg.StoreDriver,
		DatabasePath: cfg.DatabasePath,
		RedisURL:     cfg.RedisURL,
	})
	if err != nil {
		return nil, nil, err
	}
	return service.NewDeviceRegistry(st, logging.New(cfg.Logging)), st, nil
}

func runDeviceAdd(cmd *cobra.Command, args []string) error {
	registry, st, err := openDeviceRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	device, apiKey, err := registry.Register(cmd.Context(), deviceName)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	fmt.Printf("Device ID:  %s\n", device.ID)
	fmt.Printf("API key:    %s\n", apiKey)
	fmt.Println("Store the API key now, it will not be shown again.")
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	registry, st, err := openDeviceRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	devices, err := registry.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST SEEN")
	for _, d := range devices {
		lastSeen := "never"
		if d.LastSeenAt != nil {
			lastSeen = d.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.CreatedAt.Format(time.RFC3339), lastSeen)
	}
	return w.Flush()
}
