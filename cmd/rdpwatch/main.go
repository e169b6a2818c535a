package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/rdpwatch/internal/api"
	"github.com/breeze-rmm/rdpwatch/internal/collectors"
	"github.com/breeze-rmm/rdpwatch/internal/config"
	"github.com/breeze-rmm/rdpwatch/internal/executor"
	"github.com/breeze-rmm/rdpwatch/internal/geo"
	"github.com/breeze-rmm/rdpwatch/internal/health"
	"github.com/breeze-rmm/rdpwatch/internal/kvstore"
	"github.com/breeze-rmm/rdpwatch/internal/logging"
	"github.com/breeze-rmm/rdpwatch/internal/monitor"
	"github.com/breeze-rmm/rdpwatch/internal/panel"
	"github.com/breeze-rmm/rdpwatch/internal/privilege"
	"github.com/breeze-rmm/rdpwatch/internal/secmem"
	"github.com/breeze-rmm/rdpwatch/internal/state"
	"github.com/breeze-rmm/rdpwatch/internal/svcquery"
)

var (
	version    = "0.1.0"
	cfgFile    string
	listenAddr string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "rdpwatch",
	Short: "RDP shared-account session monitor",
	Long:  `rdpwatch - reports who is using the shared remote desktop accounts on this host to a Discord channel`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring",
	Run: func(cmd *cobra.Command, args []string) {
		runMonitor()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current account states from a running monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.OutOrStdout())
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Republish the panel now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := api.NewClient(apiAddr(), 60*time.Second)
		ref, err := c.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range ref.Payload.Embeds {
			fmt.Fprintf(cmd.OutOrStdout(), "Panel refreshed: %s (%d accounts)\n", e.Title, len(e.Fields))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration (token redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.Validate()
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rdpwatch v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is rdpwatch.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "status API address for status/refresh (default is status_listen from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// monitorComponents holds everything started by startMonitor so it can be
// torn down in order.
type monitorComponents struct {
	cfg     *config.Config
	token   *secmem.SecureString
	kv      *kvstore.Store
	panel   *panel.Panel
	monitor *monitor.Monitor
	server  *api.Server
	logFile io.Closer
}

func runMonitor() {
	if isWindowsService() {
		if err := runAsService(startMonitor); err != nil {
			fmt.Fprintf(os.Stderr, "Service failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	comps, err := startMonitor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")
	shutdownMonitor(comps)
}

func startMonitor() (*monitorComponents, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	comps := &monitorComponents{cfg: cfg}
	initLogging(cfg, comps)

	cfg.Validate()
	if err := cfg.CheckRequired(); err != nil {
		return nil, err
	}

	for _, feature := range privilege.MissingFor(privilege.FeatureSecurityLog) {
		log.Warn("not running elevated; feature will be unavailable", "feature", feature)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hostname := hostName(ctx)
	accounts := cfg.Accounts()
	log.Info("starting rdpwatch", "version", version, "host", hostname, "accounts", len(accounts))

	hm := health.NewMonitor()
	checkHostServices(hm)

	kv, err := kvstore.Open(ctx, filepath.Join(cfg.GetDataDir(), "rdpwatch.db"))
	if err != nil {
		return nil, err
	}
	comps.kv = kv
	hm.Update(health.ComponentStore, health.Healthy, "")

	runner := executor.New(time.Duration(cfg.AuditTimeoutSeconds) * time.Second)
	sessions := collectors.NewSessionCollector(runner, cfg)

	usernames := make([]string, 0, len(accounts))
	for _, a := range accounts {
		usernames = append(usernames, a.Username)
	}
	reader := collectors.NewSecurityLogReader(runner, cfg.AuditMaxEvents,
		time.Duration(cfg.AuditTimeoutSeconds)*time.Second)
	var enrichment monitor.EnrichmentSource = collectors.NewAuditLogEnricher(reader, usernames)

	var resolver monitor.GeoResolver
	if cfg.GeoLookupEnabled {
		geoTimeout := time.Duration(cfg.GeoTimeoutSeconds) * time.Second
		r := geo.NewResolver(geo.NewIPAPILookup(cfg.GeoLookupURL, cfg.GeoRequestsPerMinute, geoTimeout), kv, geoTimeout)
		if n, err := r.Warm(ctx); err != nil {
			log.Warn("geo cache warm failed", logging.KeyError, err.Error())
		} else {
			log.Debug("geo cache warmed", "records", n)
		}
		resolver = r
	}

	comps.token = secmem.NewSecureString(cfg.DiscordToken)
	cfg.DiscordToken = ""
	client := panel.NewDiscordClient(cfg.DiscordAPIBase, comps.token,
		time.Duration(cfg.PublishTimeoutSeconds)*time.Second)
	comps.panel = panel.NewPanel(client, panel.NewIdentityStore(kv), cfg.ChannelID)
	if _, err := comps.panel.Restore(ctx); err != nil {
		log.Warn("panel identity restore failed; a new panel will be posted", logging.KeyError, err.Error())
	}

	opts := monitor.OptionsFromConfig(cfg, hostname)
	comps.monitor = monitor.New(state.New(accounts), sessions, enrichment, resolver, comps.panel, hm, opts)
	comps.monitor.Start()

	if cfg.StatusListen != "" {
		comps.server = api.NewServer(cfg.StatusListen, comps.monitor, hostname, version)
		if err := comps.server.Start(); err != nil {
			log.Warn("status API unavailable", logging.KeyError, err.Error())
			comps.server = nil
		}
	}

	return comps, nil
}

func shutdownMonitor(comps *monitorComponents) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if comps.server != nil {
		if err := comps.server.Shutdown(ctx); err != nil {
			log.Warn("status API shutdown", logging.KeyError, err.Error())
		}
	}
	if comps.monitor != nil {
		comps.monitor.Stop(ctx)
	}
	if comps.panel != nil && comps.cfg.DeletePanelOnShutdown {
		if err := comps.panel.Remove(ctx); err != nil {
			log.Warn("panel delete failed", logging.KeyError, err.Error())
		}
	}
	if comps.token != nil {
		comps.token.Zero()
	}

	if comps.kv != nil {
		if err := comps.kv.Close(); err != nil {
			log.Warn("store close", logging.KeyError, err.Error())
		}
	}
	log.Info("stopped")
	if comps.logFile != nil {
		comps.logFile.Close()
	}
}

// checkHostServices warns when Remote Desktop Services or the event log
// service is not running; the monitor still starts and reports degraded.
func checkHostServices(hm *health.Monitor) {
	problems, err := svcquery.NotRunning(svcquery.GetStatus, svcquery.Required)
	if errors.Is(err, svcquery.ErrUnsupported) {
		return
	}
	if len(problems) == 0 {
		hm.Update(health.ComponentServices, health.Healthy, "")
		return
	}
	for _, p := range problems {
		log.Warn("required host service not running", "service", p)
	}
	hm.Update(health.ComponentServices, health.Degraded, strings.Join(problems, "; "))
}

func initLogging(cfg *config.Config, comps *monitorComponents) {
	var out io.Writer = os.Stdout
	if isWindowsService() || !hasConsole() {
		out = io.Discard
	}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log file %s unavailable: %v\n", cfg.LogFile, err)
		} else {
			comps.logFile = rw
			if out == io.Discard {
				out = rw
			} else {
				out = logging.TeeWriter(out, rw)
			}
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
}

func hostName(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

func apiAddr() string {
	if listenAddr != "" {
		return listenAddr
	}
	cfg, err := config.Load(cfgFile)
	if err != nil || cfg.StatusListen == "" {
		return config.Default().StatusListen
	}
	return cfg.StatusListen
}

func showStatus(w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := api.NewClient(apiAddr(), 10*time.Second).Status(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("monitor did not answer: %w", err)
		}
		return fmt.Errorf("monitor not reachable (is 'rdpwatch run' running?): %w", err)
	}
	printStatus(w, st)
	return nil
}

func printStatus(w io.Writer, st *api.StatusResponse) {
	fmt.Fprintf(w, "Host: %s (rdpwatch v%s)\n", st.Hostname, st.Version)
	fmt.Fprintf(w, "Health: %s\n", st.Health)
	fmt.Fprintf(w, "Checked: %s\n\n", st.GeneratedAt.Local().Format("2006-01-02 15:04:05"))

	for _, a := range st.Accounts {
		engaged := "No"
		if a.Session.Engaged {
			engaged = "Yes"
		}
		idle := "?"
		if a.Session.Idle.Known {
			idle = panel.FormatIdle(a.Session.Idle.Minutes)
		}
		ip := a.Enrichment.LastIP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "%-16s %-14s engaged=%-3s idle=%-8s ip=%s\n",
			a.Account.DisplayName, a.Session.State, engaged, idle, ip)
	}
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
