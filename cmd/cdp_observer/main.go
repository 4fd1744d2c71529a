package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/cdp_observer/internal/api"
	"github.com/dgnsrekt/cdp_observer/internal/browser"
	"github.com/dgnsrekt/cdp_observer/internal/cdp"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/config"
	"github.com/dgnsrekt/cdp_observer/internal/controller"
	"github.com/dgnsrekt/cdp_observer/internal/mcp"
	"github.com/dgnsrekt/cdp_observer/internal/netutil"
	"github.com/dgnsrekt/cdp_observer/internal/relay"
	"github.com/dgnsrekt/cdp_observer/internal/session"
	"github.com/dgnsrekt/cdp_observer/internal/storage"
)

var version = "dev"

const (
	modeHTTP = "http"
	modeMCP  = "mcp"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Println("cdp_observer", version)
		return nil
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}

	// stdout carries the protocol in mcp mode
	console := io.Writer(os.Stdout)
	if opts.mode == modeMCP {
		console = os.Stderr
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile, console); err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}

	slog.Info("observer config loaded",
		"mode", opts.mode,
		"cdp_url", cfg.CDPURL(),
		"transport", cfg.Transport,
		"local_only", cfg.CDPLocalOnly,
		"default_buffer_size", cfg.DefaultBufferSize,
		"default_ttl_sec", cfg.DefaultTTLSec,
		"archive_dir", cfg.ArchiveDir,
		"filter_profiles", cfg.FilterProfilesFile,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.launch {
		launcher := browser.NewLauncher(browser.Config{
			CDPHost:    cfg.CDPHost,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.BrowserStartURL,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	endpoint := cdpcontrol.Endpoint{Host: cfg.CDPHost, Port: cfg.CDPPort, LocalOnly: cfg.CDPLocalOnly}
	if err := endpoint.Validate(); err != nil {
		return err
	}

	var transport cdpcontrol.Transport
	switch cfg.Transport {
	case config.TransportChromedp:
		client := cdp.NewClient(endpoint, cfg.CallTimeout())
		defer func() { _ = client.Close() }()
		transport = client
	default:
		transport = cdpcontrol.NewRawTransport(endpoint, cfg.CallTimeout())
	}

	var profiles *relay.Profiles
	if cfg.FilterProfilesFile != "" {
		profiles, err = relay.LoadProfiles(cfg.FilterProfilesFile)
		if err != nil {
			return err
		}
		slog.Info("filter profiles loaded", "file", cfg.FilterProfilesFile, "count", len(profiles.Profiles))
	}

	var listeners []session.Listener
	var broker *relay.Broker
	if opts.mode == modeHTTP {
		broker = relay.NewBroker()
		listeners = append(listeners, relay.NewRelay(broker))
	}
	if cfg.ArchiveDir != "" {
		archive := storage.NewArchive(cfg.ArchiveDir, cfg.ArchiveBufferSize, cfg.ArchiveMaxFileSizeMB)
		defer func() { _ = archive.Close() }()
		listeners = append(listeners, archive)
	}

	mgr := session.NewManager(transport, session.Options{
		DefaultBufferSize: cfg.DefaultBufferSize,
		DefaultTTL:        cfg.DefaultTTL(),
		GCInterval:        cfg.GCInterval(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Profiles:          profiles.Match,
		Listeners:         listeners,
	})
	defer mgr.Close()
	go mgr.Run(ctx)

	svc := controller.NewService(mgr)

	if opts.mode == modeMCP {
		slog.Info("mcp server reading stdin")
		err := mcp.NewServer(svc, version).Serve(ctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return serveHTTP(ctx, cfg, api.NewServer(svc, broker))
}

func serveHTTP(ctx context.Context, cfg *config.Config, h http.Handler) error {
	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address %s: %w", cfg.BindAddr, err)
	}

	srv := &http.Server{Addr: bindAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("observer listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("observer server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("observer shutdown failed", "error", err)
	}
	return nil
}

func setupLogger(level, filename string, console io.Writer) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	h := slog.NewTextHandler(io.MultiWriter(console, logWriter), &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
