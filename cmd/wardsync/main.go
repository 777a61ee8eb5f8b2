package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardsync/wardsync/pkg/api"
	wsclient "github.com/wardsync/wardsync/pkg/client"
	"github.com/wardsync/wardsync/pkg/config"
	"github.com/wardsync/wardsync/pkg/dispatch"
	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/netmon"
	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/sync"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardsync",
	Short: "WardSync - offline-first clinical task synchronization",
	Long: `WardSync keeps ward task lists consistent across bedside devices
and the hospital backend. Edge agents work against a local encrypted
store and reconcile with the backend when connectivity allows; task
state is cross-checked against the EMR before it is trusted.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"WardSync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the backend sync node",
	Long: `Run the backend node: the TLS sync endpoint edge agents exchange
against, the health/metrics listener, and (when brokers are
configured) the Kafka event dispatcher feeding EMR-side task changes
into the backend replica store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		healthAddr, _ := cmd.Flags().GetString("health-addr")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		res := buildResolver(cfg, store, broker)
		srv := api.NewServer(store, res)

		// No hospital-issued cert configured: self-provision one under
		// the data directory so the endpoint still runs TLS.
		certFile, keyFile := cfg.API.CertFile, cfg.API.KeyFile
		if certFile == "" {
			host, _, _ := net.SplitHostPort(cfg.API.Listen)
			certFile, keyFile, err = security.EnsureServerCert(
				filepath.Join(cfg.Persistence.Path, "certs"),
				[]string{host, "localhost", "127.0.0.1"})
			if err != nil {
				return err
			}
		}

		hs := api.NewHealthServer(store)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		errCh := make(chan error, 3)
		go func() {
			if err := srv.Start(cfg.API.Listen, certFile, keyFile); err != nil {
				errCh <- fmt.Errorf("sync endpoint: %w", err)
			}
		}()
		go func() {
			if err := hs.Start(healthAddr); err != nil {
				errCh <- fmt.Errorf("health endpoint: %w", err)
			}
		}()

		if len(cfg.Dispatch.Brokers) > 0 {
			disp, err := dispatch.New(dispatch.Config{
				Brokers:    cfg.Dispatch.Brokers,
				Group:      cfg.Dispatch.Group,
				BufferSize: cfg.Dispatch.BufferSize,
			}, res, nil)
			if err != nil {
				return err
			}
			go func() {
				if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("dispatcher: %w", err)
				}
			}()
		}

		log.Logger.Info().
			Str("listen", cfg.API.Listen).
			Str("health", healthAddr).
			Msg("backend node running")

		err = waitForShutdown(cancel, errCh)
		if stopErr := srv.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the edge sync agent",
	Long: `Run the edge agent daemon: a connectivity monitor probing the
backend, and the sync orchestrator exchanging pending local changes
on an adaptive schedule. The agent keeps working offline; rounds
resume when the link returns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		backendURL, _ := cmd.Flags().GetString("backend")
		probeURL, _ := cmd.Flags().GetString("probe-url")
		if backendURL == "" {
			return fmt.Errorf("--backend is required")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		res := buildResolver(cfg, store, broker)
		transport := wsclient.New(backendURL, cfg.EMRTimeout())

		if probeURL == "" {
			probeURL = backendURL + "/v1/sync"
		}
		monitor := netmon.New(netmon.NewHTTPProbe(probeURL), netmon.Options{})

		orch := sync.New(store, res, transport, monitor, broker, sync.Options{
			Interval:     cfg.SyncInterval(),
			BatchSize:    cfg.Sync.BatchSize,
			MaxAttempts:  cfg.Sync.MaxAttempts,
			OpsPerSecond: cfg.Sync.OpsPerSecond,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go monitor.Run(ctx)
		go orch.Run(ctx)

		nodeID, err := store.NodeID()
		if err != nil {
			return err
		}
		log.Logger.Info().
			Str("node_id", nodeID).
			Str("backend", backendURL).
			Dur("interval", cfg.SyncInterval()).
			Msg("edge agent running")

		return waitForShutdown(cancel, nil)
	},
}

func init() {
	serverCmd.Flags().String("health-addr", ":9090", "Address for health and metrics endpoints")

	agentCmd.Flags().String("backend", "", "Backend base URL (https://host:port)")
	agentCmd.Flags().String("probe-url", "", "Connectivity probe URL (default: backend sync endpoint)")
}

// waitForShutdown blocks until SIGINT/SIGTERM or a component error
func waitForShutdown(cancel context.CancelFunc, errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}
