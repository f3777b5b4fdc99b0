// loomd is the background daemon: it supervises the nats-server subprocess
// backing the event log, serves the hook-ingestion and WebSocket endpoints,
// and manages the PTY session registry.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/run-vibes/loomd/pkg/api"
	"github.com/run-vibes/loomd/pkg/config"
	"github.com/run-vibes/loomd/pkg/eventid"
	"github.com/run-vibes/loomd/pkg/eventlog"
	"github.com/run-vibes/loomd/pkg/firehose"
	"github.com/run-vibes/loomd/pkg/hookingest"
	"github.com/run-vibes/loomd/pkg/ptysession"
	"github.com/run-vibes/loomd/pkg/supervision"
	"github.com/run-vibes/loomd/pkg/transport"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("LOOMD_ENV_FILE", ""), "path to a .env file to load before reading the environment")
	shellCmd := flag.String("shell", getEnv("LOOMD_SHELL", "/bin/sh"), "command (and args, space-separated) started inside every PTY session")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("loomd: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.NatsStoreDir, 0o755); err != nil {
		log.Fatalf("loomd: create nats store dir: %v", err)
	}

	natsServer := &supervision.NatsServer{}
	if err := natsServer.Start(ctx, supervision.NatsServerConfig{
		BinPath:    cfg.NatsBinPath,
		StoreDir:   cfg.NatsStoreDir,
		ClientAddr: cfg.NatsClientAddr,
		HTTPAddr:   cfg.NatsHTTPAddr,
	}); err != nil {
		log.Fatalf("loomd: start nats-server: %v", err)
	}
	defer natsServer.Stop()

	readyErr := supervision.WaitReady(ctx,
		cfg.NatsClientAddr,
		"http://"+cfg.NatsHTTPAddr+"/varz",
		natsServer.Exited,
		cfg.ReadyPollInterval,
		cfg.ReadyBound,
	)
	if readyErr != nil {
		log.Fatalf("loomd: nats-server did not become ready: %v", readyErr)
	}
	slog.Info("loomd: nats-server ready", "client_addr", cfg.NatsClientAddr, "http_addr", cfg.NatsHTTPAddr)

	var index *eventlog.CatchupIndex
	if cfg.HasCatchupIndex() {
		index, err = eventlog.OpenCatchupIndex(ctx, eventlog.PgConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			log.Fatalf("loomd: open catchup index: %v", err)
		}
		slog.Info("loomd: catchup index ready")
	} else {
		slog.Warn("loomd: no LOOMD_POSTGRES_DSN set, event-id seeks and pagination are unavailable")
	}

	natsURL := "nats://" + cfg.NatsClientAddr
	var logOpts []eventlog.NatsLogOption
	if index != nil {
		logOpts = append(logOpts, eventlog.WithCatchupIndex(index))
	}
	evLog, err := eventlog.NewNatsLog(natsURL, logOpts...)
	if err != nil {
		log.Fatalf("loomd: connect event log: %v", err)
	}
	defer evLog.Close()

	execPath, err := os.Executable()
	if err != nil {
		execPath = filepath.Base(os.Args[0])
	}

	// A single shared generator/appender for every producer that writes to
	// events.primary: its id order must match the broker's offset order,
	// which only holds if id assignment and the append are serialized
	// against every other primary-topic producer in this process.
	primaryAppender := eventlog.NewOrderedAppender(evLog, eventid.NewGenerator())

	registry := ptysession.NewRegistry()
	backend := ptysession.PtyBackend{}
	argv := parseShellCmd(*shellCmd)
	outputSink := &ptysession.LogOutputSink{Appender: primaryAppender, Topic: eventlog.PrimaryTopic}
	spawner := ptysession.NewSpawner(registry, backend, argv, os.Environ(), execPath, outputSink)

	fh := firehose.NewHub(evLog, index)
	connMgr := transport.NewConnectionManager(registry, fh, cfg.WriteTimeout).WithSpawner(spawner)

	hooks := hookingest.NewHandler(primaryAppender)

	server := api.NewServer(evLog, index, registry, fh, connMgr, hooks, natsServer)

	go func() {
		slog.Info("loomd: http server listening", "addr", cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil {
			slog.Error("loomd: http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("loomd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("loomd: http shutdown error", "error", err)
	}
	for _, s := range registry.List() {
		if err := s.Kill(); err != nil {
			slog.Warn("loomd: error killing session", "session_id", s.ID, "error", err)
		}
	}
}

func parseShellCmd(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	if len(out) == 0 {
		return []string{"/bin/sh"}
	}
	return out
}
