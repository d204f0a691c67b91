package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/config"
	"github.com/fleetcloud/controlplane/pkg/dispatch"
	"github.com/fleetcloud/controlplane/pkg/frontdoor"
	"github.com/fleetcloud/controlplane/pkg/launch"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
	"github.com/fleetcloud/controlplane/pkg/registry"
	"github.com/fleetcloud/controlplane/pkg/router"
	"github.com/fleetcloud/controlplane/pkg/svchealth"
	"github.com/fleetcloud/controlplane/pkg/termproxy"
	"github.com/fleetcloud/controlplane/pkg/usage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controlplane",
	Short:   "Control plane for placing and routing managed container services",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"controlplane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("listen", "", "HTTP listen address")
	rootCmd.PersistentFlags().String("data-dir", ".", "Directory holding the usage sample store (the catalog location comes from DATABASE_URL)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

var loadedConfig config.Config

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if v, _ := rootCmd.PersistentFlags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := rootCmd.PersistentFlags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	loadedConfig = cfg
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane HTTP server and background loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

func serve(cmd *cobra.Command) error {
	cfg := loadedConfig
	dataDir, _ := cmd.Flags().GetString("data-dir")

	store, err := catalog.NewStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	client := nodeclient.New(cfg.NodeAuthToken)

	reg := registry.New(store, client, cfg.HealthCheckInterval)
	health := svchealth.New(store, client, cfg.ServiceHealthCheckInterval)
	disp := dispatch.New(store, dispatch.FirstHealthy)
	launcher := launch.New(store, client, cfg.MaxRetries)
	rtr := router.New(store, client)
	term := termproxy.New(store)

	sampler, err := usage.New(store, dataDir, time.Minute)
	if err != nil {
		return fmt.Errorf("opening usage sampler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg.Start(ctx)
	defer reg.Stop()
	health.Start(ctx)
	defer health.Stop()
	sampler.Start(ctx)
	defer sampler.Stop()

	metrics.RegisterComponent("catalog", true, "")

	server := frontdoor.New(frontdoor.Config{
		ListenAddr:          cfg.ListenAddr,
		LaunchRatePerMinute: cfg.LaunchRatePerMinute,
		ReadRatePerMinute:   cfg.ReadRatePerMinute,
	}, store, client, reg, disp, launcher, rtr, term)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("frontdoor server: %w", err)
		}
	case <-ctx.Done():
		log.Info("controlplane: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down frontdoor server: %w", err)
		}
	}

	return nil
}
