//go:build windows

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"splittunnel-engine/internal/engconfig"
	"splittunnel-engine/internal/ipc"
	"splittunnel-engine/internal/logging"
	"splittunnel-engine/internal/metrics"
	"splittunnel-engine/internal/model"
	"splittunnel-engine/internal/session"
	"splittunnel-engine/internal/winsvc"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const ipcGracePeriod = 5 * time.Minute

// stopCh signals shutdown from SCM or OS signals.
var stopCh = make(chan struct{}, 1)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			handleInstall()
			return
		case "uninstall":
			handleUninstall()
			return
		case "start":
			handleStart()
			return
		case "stop":
			handleStop()
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	serviceMode := flag.Bool("service", false, "Run as Windows Service (used by SCM)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("splittunneld %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	resolvedConfig := resolveRelativeToExe(*configPath)

	if *serviceMode || winsvc.IsWindowsService() {
		runFunc := func() error { return runEngine(resolvedConfig, stopCh) }
		stopFunc := func() { close(stopCh) }
		if err := winsvc.RunService(runFunc, stopFunc); err != nil {
			fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runEngine(resolvedConfig, stopCh); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// runEngine loads configuration, wires the session and its control
// surface, and blocks until an OS signal, an SCM stop, or the expiry of
// the control surface's idle grace period; it returns an error at once
// if the configuration cannot be loaded. stop is read once; callers that run under the SCM
// close it from the service handler's stop callback.
func runEngine(configPath string, stop <-chan struct{}) error {
	cfg, err := engconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Logging)
	defer log.Close()
	log.Infof("Core", "split-tunnel engine %s starting...", version)

	deps := session.NewWindowsDeps(log)

	var lastSession atomic.Pointer[session.Session]
	factory := func() ipc.SessionHandle {
		sess := session.New(cfg, log, deps)
		lastSession.Store(sess)
		return sess
	}

	svc := ipc.NewService(factory, log)

	idleStop := make(chan struct{})
	var idleStopOnce sync.Once
	tracker := ipc.NewConnTracker(ipcGracePeriod, func() {
		log.Infof("IPC", "no client reconnected within the grace period, requesting shutdown")
		idleStopOnce.Do(func() { close(idleStop) })
	}, log)

	ipcServer := ipc.NewServer(svc, tracker)

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(metrics.NewCollector(func() model.StatsSnapshot {
			sess := lastSession.Load()
			if sess == nil {
				return model.StatsSnapshot{}
			}
			snap, err := sess.Stats()
			if err != nil {
				return model.StatsSnapshot{}
			}
			return snap
		}), log)
		go func() {
			if err := metricsSrv.ListenAndServe(cfg.MetricsAddr); err != nil {
				log.Errorf("Metrics", "server error: %v", err)
			}
		}()
	}

	go func() {
		log.Infof("Core", "IPC server starting on %s", ipc.PipeName)
		if err := ipcServer.Start(); err != nil {
			log.Errorf("Core", "IPC server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Infof("Core", "running. Press Ctrl+C to stop.")
	select {
	case <-sig:
		log.Infof("Core", "OS signal received, shutting down...")
	case <-stop:
		log.Infof("Core", "stop signal received, shutting down...")
	case <-idleStop:
		log.Infof("Core", "shutting down after idle control-surface grace period...")
	}

	done := make(chan struct{})
	go func() {
		ipcServer.Stop()
		if metricsSrv != nil {
			metricsSrv.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Infof("Core", "shutdown complete.")
	case <-time.After(10 * time.Second):
		log.Errorf("Core", "shutdown timed out, forcing exit.")
		return errors.New("shutdown timed out")
	}

	return nil
}

func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}

func handleInstall() {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	fs.Parse(os.Args[2:])

	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot determine executable path: %v\n", err)
		os.Exit(1)
	}
	if err := winsvc.InstallService(exePath, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully.")
}

func handleUninstall() {
	if err := winsvc.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service uninstalled successfully.")
}

func handleStart() {
	if err := winsvc.StartService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service started successfully.")
}

func handleStop() {
	if err := winsvc.StopService(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service stopped successfully.")
}
