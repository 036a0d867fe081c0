package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/controlplane"
	"github.com/tunneld/tunneld/internal/dispatcher"
	"github.com/tunneld/tunneld/internal/health"
	"github.com/tunneld/tunneld/internal/logging"
	"github.com/tunneld/tunneld/internal/logring"
	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/security"
	"github.com/tunneld/tunneld/internal/setup"
	"github.com/tunneld/tunneld/internal/tunnel"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunneld",
		Short: "Reverse tunneling server: expose a local service through a public subdomain",
	}

	var configPath string
	var verbose bool
	var port, address, domain string
	var secure bool
	var maxSockets int

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := startFlagOverrides{
				portSet:       cmd.Flags().Changed("port"),
				port:          port,
				addressSet:    cmd.Flags().Changed("address"),
				address:       address,
				domainSet:     cmd.Flags().Changed("domain"),
				domain:        domain,
				secureSet:     cmd.Flags().Changed("secure"),
				secure:        secure,
				maxSocketsSet: cmd.Flags().Changed("max-sockets"),
				maxSockets:    maxSockets,
			}
			return runServer(configPath, verbose, overrides)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	startCmd.Flags().StringVar(&port, "port", "", "Override tunnel.listen_address port")
	startCmd.Flags().StringVar(&address, "address", "", "Override tunnel.listen_address host")
	startCmd.Flags().StringVar(&domain, "domain", "", "Override tunnel.domain")
	startCmd.Flags().BoolVar(&secure, "secure", false, "Override tunnel.secure")
	startCmd.Flags().IntVar(&maxSockets, "max-sockets", 0, "Override tunnel.max_tcp_sockets")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunneld %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	var validateConfigPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(validateConfigPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen:        %s\n", cfg.Tunnel.ListenAddress)
			fmt.Printf("  Control plane: %s\n", cfg.Tunnel.ControlListenAddress)
			fmt.Printf("  Domain:        %s\n", cfg.Tunnel.Domain)
			fmt.Printf("  Secure:        %v\n", cfg.Tunnel.Secure)
			fmt.Printf("  Max sockets:   %d\n", cfg.Tunnel.MaxTCPSockets)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "", "Path to config file")

	var statusURL string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Check control-plane status (exit 0 if reachable, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkStatus(statusURL)
		},
	}
	statusCmd.Flags().StringVar(&statusURL, "url", "http://127.0.0.1:8080/api/status", "Control-plane status endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/tunneld/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, statusCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// startFlagOverrides carries only the start flags the user explicitly set,
// so flag defaults never clobber a config file's values.
type startFlagOverrides struct {
	portSet       bool
	port          string
	addressSet    bool
	address       string
	domainSet     bool
	domain        string
	secureSet     bool
	secure        bool
	maxSocketsSet bool
	maxSockets    int
}

func (o startFlagOverrides) apply(cfg *config.Config) {
	host, currentPort, _ := net.SplitHostPort(cfg.Tunnel.ListenAddress)
	if o.addressSet {
		host = o.address
	}
	if o.portSet {
		currentPort = o.port
	}
	if o.addressSet || o.portSet {
		cfg.Tunnel.ListenAddress = net.JoinHostPort(host, currentPort)
	}
	if o.domainSet {
		cfg.Tunnel.Domain = o.domain
	}
	if o.secureSet {
		cfg.Tunnel.Secure = o.secure
	}
	if o.maxSocketsSet {
		cfg.Tunnel.MaxTCPSockets = o.maxSockets
	}
}

// meteredRegistry wires Tunnel lifecycle transitions into Prometheus metrics
// without internal/tunnel depending on internal/metrics.
type meteredRegistry struct {
	*tunnel.Registry
	metrics *metrics.Metrics
}

func (m *meteredRegistry) Create(id string, maxClientSockets int) (tunnel.CreateResult, error) {
	res, err := m.Registry.Create(id, maxClientSockets)
	if err != nil {
		return res, err
	}
	if m.metrics != nil {
		if tun, ok := m.Registry.Get(id); ok {
			tun.OnStateChange(func(newState string) {
				m.metrics.TunnelStateTransitions.WithLabelValues(newState).Inc()
			})
		}
	}
	return res, nil
}

// pollGauges periodically snapshots registry/pool stats into gauges that
// have no natural event to hook (connected-socket counts, live tunnel
// count), grounded on the teacher's periodic health-check polling pattern.
func pollGauges(ctx context.Context, reg *tunnel.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := reg.Ids()
			m.RegistryTunnels.Set(float64(len(ids)))
			for _, id := range ids {
				if tun, ok := reg.Get(id); ok {
					m.PoolConnectedSockets.WithLabelValues(id).Set(float64(tun.Stats().ConnectedSockets))
				}
			}
		}
	}
}

func runServer(configPath string, verbose bool, overrides startFlagOverrides) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	overrides.apply(cfg)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after applying flags: %w", err)
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting tunneld",
		"version", Version,
		"listen", cfg.Tunnel.ListenAddress,
		"control", cfg.Tunnel.ControlListenAddress,
		"domain", cfg.Tunnel.Domain,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	registry := tunnel.NewRegistry()
	var reg controlplane.Registry = registry
	if m != nil {
		mr := &meteredRegistry{Registry: registry, metrics: m}
		reg = mr
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("control-plane rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute)
	}

	extractor := dispatcher.NewSubdomainExtractor(cfg.Tunnel.Domain)
	cpHandler := controlplane.NewHandler(reg, cfg.Tunnel.MaxTCPSockets, cfg.Tunnel.Secure, cfg.Tunnel.Landing, rl, m, ring)
	dispatchHandler := dispatcher.NewHandler(reg, extractor, cpHandler, m)

	healthHandler := health.NewHandler(registry, Version, true)
	if m != nil {
		healthHandler.SetMetrics(m)
	}

	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		overrides.apply(newCfg)

		warnings := config.IsReloadSafe(cfg, newCfg)
		for _, w := range warnings {
			slog.Warn("config reload warning", "warning", w)
		}

		cfg = cfg.ApplyReloadableFields(newCfg)

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}

		newHandler, _ := logging.SetupHandler(
			cfg.Logging.Level,
			cfg.Logging.Format,
			cfg.Logging.File,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxBackups,
			cfg.Logging.MaxAgeDays,
			cfg.Logging.Compress,
		)
		slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))

		slog.Info("config reloaded successfully")
		return nil
	}

	tunnelListener, err := net.Listen("tcp", cfg.Tunnel.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind tunnel listener on %s: %w", cfg.Tunnel.ListenAddress, err)
	}
	tunnelServer := &http.Server{Handler: dispatchHandler, ReadHeaderTimeout: 10 * time.Second}

	controlMux := http.NewServeMux()
	controlMux.Handle("/", cpHandler)
	controlMux.Handle("/health", healthHandler)
	if cfg.Monitoring.MetricsEnabled {
		controlMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
	}
	controlListener, err := net.Listen("tcp", cfg.Tunnel.ControlListenAddress)
	if err != nil {
		tunnelListener.Close()
		return fmt.Errorf("failed to bind control-plane listener on %s: %w", cfg.Tunnel.ControlListenAddress, err)
	}
	controlServer := &http.Server{
		Handler:           controlMux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		slog.Info("tunnel listener serving", "address", cfg.Tunnel.ListenAddress)
		if err := tunnelServer.Serve(tunnelListener); err != nil && err != http.ErrServerClosed {
			slog.Error("tunnel server error", "error", err)
		}
	}()
	go func() {
		slog.Info("control-plane listener serving", "address", cfg.Tunnel.ControlListenAddress)
		if err := controlServer.Serve(controlListener); err != nil && err != http.ErrServerClosed {
			slog.Error("control-plane server error", "error", err)
		}
	}()

	if m != nil {
		go pollGauges(shutdownCtx, registry, m)
	}

	if configPath != "" {
		go watchConfigFile(shutdownCtx, configPath, reloadConfig)
	}

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if sent {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, closing listeners", "signal", sig.String())

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			registry.CloseAll()

			shutdownCancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			tunnelServer.Shutdown(stopCtx)
			controlServer.Shutdown(stopCtx)
			stopCancel()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

// watchConfigFile triggers reload on config file writes, in addition to
// SIGHUP, using fsnotify. A missing or unwatchable file just disables this
// convenience; SIGHUP-triggered reload still works.
func watchConfigFile(ctx context.Context, path string, reload func() error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config file watch disabled", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		slog.Warn("config file watch disabled", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				slog.Info("config file changed, reloading", "path", path)
				if err := reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func checkStatus(statusURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(statusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("ok")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=tunneld - reverse tunneling server
Documentation=https://github.com/tunneld/tunneld
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=tunneld
Group=tunneld
ExecStartPre=/usr/local/bin/tunneld validate --config /etc/tunneld/config.yaml
ExecStart=/usr/local/bin/tunneld start --config /etc/tunneld/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/tunneld
LogsDirectory=tunneld
StateDirectory=tunneld
LimitNOFILE=65535

# tunneld binds low ports (80 by default) and needs raw listener privilege;
# capability is retained instead of running as root.
AmbientCapabilities=CAP_NET_BIND_SERVICE

[Install]
WantedBy=multi-user.target
`)
}
