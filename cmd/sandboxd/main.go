// Command sandboxd launches and streams sandboxed applications: for each
// session it spawns an isolated child process (internal/sandbox/supervisor),
// pulls frames off its shared framebuffer, encodes them to H.264, and
// serves them over a WebRTC peer connection (internal/streaming).
//
// This binary plays a second, hidden role: internal/sandbox/supervisor
// re-execs it with a sentinel argv[1] to run inside the isolation
// envelope as the process that applies seccomp/filesystem restrictions
// and then execs into the actual sandboxed application. That hop is
// checked for before any cobra/config/logging setup runs, since by the
// time it fires the process is already inside the envelope.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxrun/supervisor/internal/config"
	"github.com/sandboxrun/supervisor/internal/health"
	"github.com/sandboxrun/supervisor/internal/logging"
	"github.com/sandboxrun/supervisor/internal/sandbox/supervisor"
	"github.com/sandboxrun/supervisor/internal/streaming/session"
)

var version = "0.1.0"

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxed application streaming daemon",
	Long:  "sandboxd supervises isolated application sessions and streams their output over WebRTC.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandboxd v%s\n", version)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "config-init",
	Short: "Write the default configuration to disk",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		if err := config.SaveTo(cfg, cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote default configuration")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/sandboxd/sandboxd.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configInitCmd)
}

func main() {
	// Must run before anything else: supervisor.Spawn re-execs this very
	// binary with this sentinel to perform isolation setup and the final
	// exec into the sandboxed application. Any config/logging/cobra
	// machinery below this point would be wasted work in that process,
	// which lives only long enough to call RunChildInit.
	if supervisor.IsChildInit(os.Args[1:]) {
		if err := supervisor.RunChildInit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

// resolveAppBinary maps an application name to its executable path under
// the configured apps root. The original sandbox's NativeAppManager
// looked applications up from a static registry keyed the same way; this
// is the module's stand-in absent that registry: persistent repositories
// are out of scope here, so this is a filesystem convention instead of a
// database-backed catalog.
func resolveAppBinary(appsRoot, appName string) (string, error) {
	if appName == "" {
		return "", fmt.Errorf("app name is required")
	}
	clean := filepath.Clean(appName)
	if clean != appName || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid app name %q", appName)
	}
	path := filepath.Join(appsRoot, clean, clean)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("app %q not found under %s: %w", appName, appsRoot, err)
	}
	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("app %q binary is not executable", appName)
	}
	return path, nil
}

func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	log.Info("starting sandboxd", "version", version, "listen", cfg.ListenAddr, "appsRoot", cfg.AppsRoot)

	monitor := health.NewMonitor()
	monitor.Update("daemon", health.Healthy, "starting up")

	registry := session.NewRegistry(session.Config{
		AppsRoot:              cfg.AppsRoot,
		DefaultWidth:          cfg.DefaultWidth,
		DefaultHeight:         cfg.DefaultHeight,
		DefaultFrameRate:      cfg.DefaultFrameRate,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		ShutdownGrace:         time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		IdleTimeout:           time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		SessionTTL:            time.Duration(cfg.SessionTTLSeconds) * time.Second,
		CPUQuotaPercent:       cfg.CPUQuotaPercent,
		MemoryLimitMB:         cfg.MemoryLimitMB,
		PidsLimit:             cfg.PidsLimit,
		ScrollSensitivity:     cfg.ScrollSensitivity,
		STUNURLs:              cfg.STUNURLs,
		TURNServer:            cfg.TURNServer,
		TURNUsername:          cfg.TURNUsername,
		TURNCredential:        cfg.TURNCredential,
	}, monitor, resolveAppBinary)

	// A transport (HTTP launch route + WebSocket upgrade) sits in front of
	// registry in a full deployment: POST /api/applications/launch calls
	// registry.StartSession and hands the caller a session_id plus a
	// websocket_url, then each accepted /ws?session=<id> connection builds
	// a signaling.Conn over registry and pumps Messages through Conn.Handle
	// until the socket closes. Wiring that transport is out of scope here.

	monitor.Update("daemon", health.Healthy, "running")
	log.Info("sandboxd is running")

	idleSweep := time.NewTicker(1 * time.Minute)
	defer idleSweep.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			log.Info("shutting down sandboxd")
			registry.StopAll()
			log.Info("sandboxd stopped")
			return
		case <-idleSweep.C:
			registry.SweepIdle()
		}
	}
}
