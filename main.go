package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
	"manualpilot/ghostd/impl"
	"manualpilot/ghostd/internal"
)

type Env struct {
	Host             string        `env:"GHOSTTEXT_HOST,default=localhost"`
	DiscoveryPort    int           `env:"GHOSTTEXT_DISCOVERY_PORT,default=4001"`
	WebSocketPort    int           `env:"GHOSTTEXT_WEBSOCKET_PORT,default=0"`
	IdleTimeout      time.Duration `env:"GHOSTTEXT_IDLE_TIMEOUT,default=3s"`
	SweepInterval    time.Duration `env:"GHOSTTEXT_SWEEP_INTERVAL,default=1s"`
	DiscoveryTimeout time.Duration `env:"GHOSTTEXT_DISCOVERY_TIMEOUT,default=2s"`
	MaxMessage       int64         `env:"GHOSTTEXT_MAX_MESSAGE,default=16777216"`
	File             string        `env:"GHOSTTEXT_FILE"`
	URL              string        `env:"GHOSTTEXT_URL"`
	Syntax           string        `env:"GHOSTTEXT_SYNTAX"`
	LogFile          string        `env:"GHOSTTEXT_LOG_FILE"`
	LogLevel         string        `env:"GHOSTTEXT_LOG_LEVEL,default=info"`
	RedisURL         string        `env:"GHOSTTEXT_REDIS_URL"`
	InstanceID       string        `env:"GHOSTTEXT_INSTANCE_ID"`
}

func doMain(ctx context.Context, logger *slog.Logger, env Env) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if env.File == "" {
		env.File = filepath.Join(os.TempDir(), "ghosttext.txt")
	}

	if env.InstanceID == "" {
		env.InstanceID = ksuid.New().String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	var recorder internal.Recorder
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return err
		}

		rdb := redis.NewClient(rOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}

		//goland:noinspection GoUnhandledErrorResult
		defer rdb.Close()

		recorder = impl.NewRedisRecorder(rdb, env.InstanceID)
	}

	doc, err := impl.NewFileDocument(logger, env.File, env.URL, env.Syntax)
	if err != nil {
		return err
	}

	config := internal.Config{
		Host:             env.Host,
		DiscoveryPort:    env.DiscoveryPort,
		WebSocketPort:    env.WebSocketPort,
		DiscoveryTimeout: env.DiscoveryTimeout,
		Manager: internal.ManagerOptions{
			IdleTimeout:    env.IdleTimeout,
			SweepInterval:  env.SweepInterval,
			MaxMessageSize: env.MaxMessage,
		},
		Listen: impl.Listen,
	}

	server := internal.NewServer(logger, config, doc, recorder)
	if err := server.Start(ctx); err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer server.Stop()

	ec := make(chan error, 1)
	go func() {
		if err := doc.Watch(ctx, func() { _ = server.Notify() }); err != nil {
			ec <- err
		}
	}()

	logger.Info("editing", slog.String("file", doc.Path()))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sc:
			if sig == syscall.SIGHUP {
				_ = server.Notify()
				continue
			}
			logger.Warn("shutdown signal", slog.String("signal", sig.String()))
			return nil
		case err := <-ec:
			logger.Error("failed to watch document", err)
			return err
		}
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func main() {
	ctx := context.Background()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	var sink io.Writer = os.Stdout
	if env.LogFile != "" {
		sink = &lumberjack.Logger{
			Filename:   env.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
	}

	handler := slog.HandlerOptions{AddSource: true, Level: logLevel(env.LogLevel)}
	logger := slog.New(handler.NewTextHandler(sink))

	if err := doMain(ctx, logger, env); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
