package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/ghosthands/pkg/auth"
	"github.com/cuemby/ghosthands/pkg/cloud"
	"github.com/cuemby/ghosthands/pkg/cors"
	"github.com/cuemby/ghosthands/pkg/deploy"
	"github.com/cuemby/ghosthands/pkg/drain"
	"github.com/cuemby/ghosthands/pkg/engine"
	"github.com/cuemby/ghosthands/pkg/fleetconfig"
	"github.com/cuemby/ghosthands/pkg/history"
	"github.com/cuemby/ghosthands/pkg/idle"
	"github.com/cuemby/ghosthands/pkg/log"
	"github.com/cuemby/ghosthands/pkg/logbus"
	"github.com/cuemby/ghosthands/pkg/metrics"
	"github.com/cuemby/ghosthands/pkg/registry"
	"github.com/cuemby/ghosthands/pkg/rollback"
	"github.com/cuemby/ghosthands/pkg/secrets"
	"github.com/cuemby/ghosthands/pkg/workerclient"
	"github.com/spf13/cobra"
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
	Use:   "ghosthands",
	Short: "ghosthands - fleet control plane for spot-priced compute workers",
	Long: `ghosthands is the control plane that wakes, watches and retires a
fleet of cloud-hosted compute workers on demand, and rolls container
deploys across them with drain, rollback and live log streaming.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ghosthands version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("ghosthands version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet control plane HTTP API",
	RunE:  runServe,
}

func loadConfig() config {
	return config{
		ListenAddr: getenv("GHOSTHANDS_LISTEN_ADDR", ":8080"),

		ContainerdSocket: getenv("GHOSTHANDS_CONTAINERD_SOCKET", engine.DefaultSocketPath),

		DeploySecret:     getenv("GHOSTHANDS_DEPLOY_SECRET", ""),
		CORSAllowOrigins: getenv("GHOSTHANDS_CORS_ALLOW_ORIGINS", ""),

		RegistryHost: getenv("GHOSTHANDS_REGISTRY_HOST", ""),
		RegistryRepo: getenv("GHOSTHANDS_REGISTRY_REPO", ""),
		Environment:  getenv("GHOSTHANDS_ENVIRONMENT", "production"),

		FleetEnvVar:        getenv("GHOSTHANDS_FLEET_OVERRIDE_VAR", "GHOSTHANDS_FLEET_JSON"),
		DeployConfigPath:   getenv("GHOSTHANDS_DEPLOY_CONFIG", "config/deploy.yml"),
		FleetOverridesPath: getenv("GHOSTHANDS_FLEET_OVERRIDES", "config/fleet.json"),

		HistoryPath: getenv("GHOSTHANDS_HISTORY_PATH", "data/deploy-history.json"),

		WorkerPort:   getenvInt("GHOSTHANDS_WORKER_PORT", 3000),
		IdleTimeout:  getenvDuration("GHOSTHANDS_IDLE_TIMEOUT", 20*time.Minute),
		MinRunning:   getenvInt("GHOSTHANDS_MIN_RUNNING", 1),
		PollInterval: getenvDuration("GHOSTHANDS_POLL_INTERVAL", 30*time.Second),

		CloudAPIURL:   getenv("GHOSTHANDS_CLOUD_API_URL", ""),
		CloudAPIToken: getenv("GHOSTHANDS_CLOUD_API_TOKEN", ""),

		CleanupScript: getenv("GHOSTHANDS_CLEANUP_SCRIPT", ""),

		DiskPath:        getenv("GHOSTHANDS_DISK_PATH", "/"),
		MetricsInterval: getenvDuration("GHOSTHANDS_METRICS_INTERVAL", 15*time.Second),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := log.WithComponent("main")

	eng, err := engine.NewContainerdEngine(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connect containerd: %w", err)
	}
	defer eng.Close()

	dispatcher := cloud.NewHTTPDispatcher(cfg.CloudAPIURL, cfg.CloudAPIToken)
	cloudAPI := cloud.NewClient(dispatcher.Dispatch)

	var regSource deploy.RegistryAuth
	if cfg.CloudAPIURL != "" {
		regSource = registry.NewDispatcherSource(dispatcher.Dispatch)
	} else {
		regSource = registry.StaticSource{}
	}

	fleetLoader := fleetconfig.New(cfg.FleetEnvVar, cfg.DeployConfigPath, cfg.FleetOverridesPath, cfg.Environment)
	fleet, err := fleetLoader.Load()
	if err != nil {
		return fmt.Errorf("load fleet config: %w", err)
	}

	worker := workerclient.New(cfg.WorkerPort)

	idleCtl := idle.New(idle.Config{
		IdleTimeout:  cfg.IdleTimeout,
		MinRunning:   cfg.MinRunning,
		PollInterval: cfg.PollInterval,
		WorkerPort:   cfg.WorkerPort,
	}, cloudAPI, worker)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := idleCtl.Init(initCtx, fleet); err != nil {
		cancelInit()
		return fmt.Errorf("init idle controller: %w", err)
	}
	cancelInit()
	idleCtl.Start()

	configLoader := staticConfigLoader{}
	orchestrator := deploy.New(eng, regSource, configLoader, cfg.RegistryHost, cfg.RegistryRepo, cfg.Environment)

	historyStore := history.NewStore(cfg.HistoryPath)

	rollbackPlanner := rollback.New(historyStore, func(ctx context.Context, imageTag string, onLine func(string)) error {
		_, err := orchestrator.Run(ctx, imageTag, onLine)
		return err
	})

	drainCoord := drain.New(worker, cfg.WorkerPort, "")

	bus := logbus.New()

	collector, err := metrics.NewCollector(cfg.DiskPath, cfg.MetricsInterval)
	if err != nil {
		return fmt.Errorf("init metrics collector: %w", err)
	}
	collector.Start()
	defer collector.Stop()

	secretsMgr := secrets.New(map[string]secrets.Backend{
		"env": secrets.NewEnvBackend(loadSecretsFromEnv()),
	})

	srv := &Server{
		cfg:          cfg,
		startTime:    time.Now(),
		engine:       eng,
		cloudAPI:     cloudAPI,
		worker:       worker,
		history:      historyStore,
		bus:          bus,
		drainCoord:   drainCoord,
		idleCtl:      idleCtl,
		orchestrator: orchestrator,
		rollbackPlan: rollbackPlanner,
		secretsMgr:   secretsMgr,
		collector:    collector,
		fleetLoader:  fleetLoader,
		fleet:        fleet,
		guard:        auth.New(cfg.DeploySecret),
		cors:         cors.New(cfg.CORSAllowOrigins),
		peerClient:   &http.Client{Timeout: 10 * time.Second},
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("fleet control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	idleCtl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	return nil
}

// loadSecretsFromEnv seeds the env-backed secrets backend's default
// path ("") from every GHOSTHANDS_SECRET_<KEY> environment variable.
func loadSecretsFromEnv() map[string]map[string]string {
	const prefix = "GHOSTHANDS_SECRET_"
	values := map[string]map[string]string{"": {}}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					values[""][key[len(prefix):]] = kv[i+1:]
				}
				break
			}
		}
	}
	return values
}
