package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/trialsync/internal/config"
	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/httpapi"
	"github.com/agentworkforce/trialsync/internal/remote"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	once     bool
	listen   string
	api      bool
	interval time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine",
		Long: `Run pulls and pushes every table on the configured interval, drains the
prefetch queue and, when enabled, serves the control API. With --once it
performs a single push and pull pass, prints the results and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("interval") {
				cfg.Sync.Interval = opts.interval
			}
			if flags.Changed("listen") {
				cfg.API.Listen = opts.listen
				cfg.API.Enabled = true
			}
			if flags.Changed("api") {
				cfg.API.Enabled = opts.api
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if opts.once {
				return runOnce(cmd.Context(), cmd.OutOrStdout(), cfg)
			}
			return runDaemon(cmd.Context(), cfg, path)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "run one sync pass and exit")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "control API listen address (enables the API)")
	cmd.Flags().BoolVar(&opts.api, "api", false, "serve the control API")
	cmd.Flags().DurationVar(&opts.interval, "interval", coordinator.DefaultInterval, "sync interval")
	return cmd
}

type onceReport struct {
	Push []coordinator.PushResult `json:"push"`
	Pull []coordinator.PullResult `json:"pull"`
}

func runOnce(ctx context.Context, out io.Writer, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// push first so local edits are not reported as conflicts by the pull
	pushed, pushErr := a.coord.PushAll(ctx)
	pulled, pullErr := a.coord.PullAll(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(onceReport{Push: pushed, Pull: pulled}); err != nil {
		return err
	}
	return errors.Join(pushErr, pullErr)
}

func runDaemon(parent context.Context, cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger.Logger

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error("component stopped", "component", name, "error", err)
			errMu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			errMu.Unlock()
			stop()
		}()
	}

	start("coordinator", a.coord.Run)
	start("prefetch", a.prefetch.Run)

	if httpSource, ok := a.source.(*remote.HTTPSource); ok {
		probeURL := cfg.Connectivity.ProbeURL
		if probeURL == "" {
			probeURL = httpSource.BaseURL() + "/health"
		}
		prober := &connectivity.Prober{
			URL:      probeURL,
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
			Monitor:  a.monitor,
			Logger:   log,
		}
		start("prober", prober.Run)

		if cfg.Remote.Notify {
			notifier := &remote.Notifier{
				URL:   remote.NotifierURL(httpSource.BaseURL()),
				Token: cfg.Remote.Token,
				OnChange: func(change remote.Change) {
					a.coord.Trigger(change.Table)
				},
				Logger: log,
			}
			start("notifier", notifier.Run)
		}
	}

	if cfg.API.Enabled {
		server := &http.Server{
			Addr: cfg.API.Listen,
			Handler: httpapi.NewServer(a.coord, a.prefetch, httpapi.ServerConfig{
				JWTSecret: cfg.API.JWTSecret,
				Gatherer:  a.registry,
				Logger:    log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		start("api", func(ctx context.Context) error {
			return serveHTTP(ctx, server, log)
		})
	}

	if configPath != "" {
		start("config-watch", func(ctx context.Context) error {
			return config.Watch(ctx, configPath, log, func(next *config.Config) {
				applyReload(a, next, log)
			})
		})
	}

	log.Info("trialsync started",
		"store", redactDSN(cfg.Store.DSN),
		"remote", cfg.Remote.URL,
		"interval", cfg.Sync.Interval,
		"api", cfg.API.Enabled,
	)
	<-ctx.Done()
	wg.Wait()
	log.Info("trialsync stopped")

	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}

func serveHTTP(ctx context.Context, server *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("control api listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	return nil
}

// applyReload carries over the log level, the one setting that can change
// without a restart.
func applyReload(a *app, next *config.Config, log *slog.Logger) {
	if err := a.logger.SetLevel(next.Logging.Level); err != nil {
		log.Warn("ignoring reloaded log level", "error", err)
	} else {
		a.cfg.Logging.Level = next.Logging.Level
	}
	if keys := restartKeys(a.cfg, next); len(keys) > 0 {
		log.Warn("config change needs a restart", "keys", keys)
	}
}

func restartKeys(current, next *config.Config) []string {
	var keys []string
	if current.Store != next.Store {
		keys = append(keys, "store")
	}
	if current.Remote != next.Remote {
		keys = append(keys, "remote")
	}
	if current.Sync != next.Sync {
		keys = append(keys, "sync")
	}
	if current.Prefetch != next.Prefetch {
		keys = append(keys, "prefetch")
	}
	if current.Connectivity != next.Connectivity {
		keys = append(keys, "connectivity")
	}
	if current.API != next.API {
		keys = append(keys, "api")
	}
	return keys
}

// redactDSN drops credentials from a DSN before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
