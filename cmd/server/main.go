package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-lambda-channels/config"
	"go-lambda-channels/server"
)

type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "lambda-channels",
		Short:         "Serve ping and echo behind REST, HTTP, WebSocket and function-URL channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("APP_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")

	cmd.AddCommand(newLocalCmd(opts))
	return cmd
}

func newLocalCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a local gateway emulator in front of the function",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd.Context(), opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config and APP_SERVER_ADDR)")
	return cmd
}

// setup loads the configuration and installs the process logger.
func setup(opts *rootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error().Err(err).Str("path", opts.configPath).Msg("[config] invalid configuration")
		return nil, zerolog.Logger{}, err
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := newLogger(level, opts.pretty)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	return cfg, logger, nil
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *server.Metrics, pusher server.Pusher) (*server.Server, error) {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	}
	if pusher != nil {
		opts = append(opts, server.WithPusher(pusher))
	}
	if cfg.Registry.Redis.Enabled() {
		store, err := server.NewRedisStore(ctx, cfg.Registry.Redis)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithStore(store))
	}
	return server.New(cfg, opts...)
}

// watchConfig applies runtime-safe changes of the config file.
func watchConfig(ctx context.Context, path string, srv *server.Server, logger zerolog.Logger) {
	if path == "" {
		return
	}
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		srv.Apply(cfg)
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		logger.Info().Bool("debug_dump", cfg.DebugDump).Str("log_level", cfg.LogLevel).Msg("[config] reloaded")
	})
	if err != nil {
		logger.Warn().Err(err).Msg("[config] hot reload disabled")
	}
}

func runLambda(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	var pusher server.Pusher
	if cfg.PostToConnection() {
		api, err := server.NewManagementAPI(ctx)
		if err != nil {
			return err
		}
		pusher = api
	}

	srv, err := newServer(ctx, cfg, logger, server.NewMetrics(), pusher)
	if err != nil {
		return err
	}
	watchConfig(ctx, opts.configPath, srv, logger)

	logger.Info().
		Str("invoke_mode", string(cfg.InvokeMode)).
		Str("websocket_response_mode", string(cfg.WebsocketResponseMode)).
		Dur("timeout", cfg.Timeout).
		Msg("[lambda] starting runtime")

	lambda.Start(srv.Handle)
	return nil
}

func runLocal(ctx context.Context, opts *rootOptions, addr string) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Local.Addr = addr
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Local.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Local.Addr)
	}

	secret := []byte(cfg.Local.JWTSecret)
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
	}

	metrics := server.NewMetrics()
	pusher := newLocalPusher("http://"+ln.Addr().String(), secret)
	srv, err := newServer(ctx, cfg, logger, metrics, pusher)
	if err != nil {
		_ = ln.Close()
		return err
	}
	watchConfig(ctx, opts.configPath, srv, logger)

	gw := newGateway(srv, cfg, secret, metrics, logger)
	httpSrv := &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("[shutdown] signal received, shutting down HTTP server")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		logger.Info().Msg("[shutdown] http server shut down cleanly")
		return nil
	})

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("stage", cfg.Local.Stage).
		Str("invoke_mode", string(cfg.InvokeMode)).
		Str("websocket_response_mode", string(cfg.WebsocketResponseMode)).
		Msg("[local] gateway emulator listening: /rest/* /http/* /url/* /ws")

	return g.Wait()
}
