package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/luoyjx/arcade-kv/config"
	"github.com/luoyjx/arcade-kv/leaderboard"
	"github.com/luoyjx/arcade-kv/metrics"
	"github.com/luoyjx/arcade-kv/network"
	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/redisprotocol"
	"github.com/luoyjx/arcade-kv/server"
	"github.com/luoyjx/arcade-kv/storage"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// App creates the CLI application
func App() *cli.App {
	return &cli.App{
		Name:    "arcade-kv",
		Usage:   "key-value and leaderboard access layer with in-process failover",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			execCommand(),
			statusCommand(),
			topCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{config.EnvPrefix + "CONFIG"},
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "remote store as host:port or redis[s]://[user:pass@]host:port",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "remote transport: resp, goredis",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "remote batch timeout",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn, error",
		},
	}
}

// overrides collects the flags that were given explicitly
func overrides(c *cli.Context) map[string]any {
	out := map[string]any{}
	if c.IsSet("remote") {
		out["remote.url"] = c.String("remote")
		out["remote.addr"] = ""
	}
	if c.IsSet("transport") {
		out["remote.transport"] = c.String("transport")
	}
	if c.IsSet("timeout") {
		out["remote.timeout"] = c.Duration("timeout").String()
	}
	if c.IsSet("log-level") {
		out["log.level"] = c.String("log-level")
	}
	if c.IsSet("listen") {
		out["server.listen"] = c.String("listen")
	}
	if c.IsSet("metrics") {
		out["server.metrics"] = c.String("metrics")
	}
	return out
}

// stack is everything a command needs, built from configuration
type stack struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	dispatcher *server.Dispatcher
}

func setup(c *cli.Context) (*stack, error) {
	cfg, err := config.Load(c.String("config"), overrides(c))
	if err != nil {
		return nil, err
	}
	configureLogging(cfg.Log)

	store := storage.NewStore(storage.Options{MaxSortedSetMembers: cfg.Fallback.MaxMembers})
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metrics.RegisterStore(registry, store)

	var remote network.Transport
	if cfg.RemoteConfigured() {
		remote, err = network.New(cfg.Remote.Transport, cfg.TransportOptions())
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("no remote store configured, serving from process memory")
	}

	return &stack{
		cfg:        cfg,
		registry:   registry,
		dispatcher: server.NewDispatcher(remote, store, server.WithMetrics(m)),
	}, nil
}

func configureLogging(cfg config.LogConfig) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logger.JSONFormatter{})
	} else {
		logger.SetFormatter(&logger.TextFormatter{FullTimestamp: true})
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the RESP front end and /metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "RESP listen address"},
			&cli.StringFlag{Name: "metrics", Usage: "metrics listen address, empty to disable"},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.dispatcher.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errChan := make(chan error, 2)

			var metricsSrv *http.Server
			if rt.cfg.Server.Metrics != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler(rt.registry))
				metricsSrv = &http.Server{Addr: rt.cfg.Server.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logger.WithField("addr", rt.cfg.Server.Metrics).Info("metrics listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errChan <- fmt.Errorf("metrics server error: %v", err)
					}
				}()
			}

			redisServer := redisprotocol.NewRedisServer(rt.dispatcher)
			go func() {
				if err := redisServer.Start(rt.cfg.Server.Listen); err != nil {
					errChan <- fmt.Errorf("RESP server error: %v", err)
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down gracefully")
			case err = <-errChan:
				logger.WithError(err).Error("server error")
			}

			redisServer.Close()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutdownCtx)
			}
			return err
		},
	}
}

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run one command through the dispatcher and print the reply",
		ArgsUsage: "COMMAND [ARG...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowSubcommandHelp(c)
			}
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.dispatcher.Close()

			reply, err := rt.dispatcher.Exec(c.Context, protocol.CommandFromArgs(c.Args().Slice()))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, reply.String())
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "probe the remote store and print the result as JSON",
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.dispatcher.Close()

			content, err := json.MarshalIndent(rt.dispatcher.Status(c.Context), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(content))
			return nil
		},
	}
}

func topCommand() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "print the highest leaderboard entries as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "namespace", Value: "arcade", Usage: "key namespace of the game"},
			&cli.IntFlag{Name: "limit", Value: leaderboard.DefaultLimit, Usage: "number of entries"},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.dispatcher.Close()

			board := leaderboard.New(rt.dispatcher, leaderboard.WithNamespace(c.String("namespace")))
			entries, err := board.Top(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			content, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(content))
			return nil
		},
	}
}
