// Command cxdb-server is the ambient entrypoint: it wires configuration,
// logging, the store, the registry, the event bus, the binary protocol
// listener, and the HTTP/SSE listener into one running process.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"cxdb/config"
	"cxdb/eventbus"
	"cxdb/httpapi"
	"cxdb/logger"
	"cxdb/protocolserver"
	"cxdb/registry"
	"cxdb/store"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "cxdb-server",
		Usage: "run the cxdb event store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a cxdb.toml config file (overrides auto-discovery)",
			},
		},
		Action: runServer,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("cxdb-server exited")
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	l := logger.Get()

	configPath := cmd.String("config")
	if configPath == "" {
		wd, err := os.Getwd()
		if err == nil {
			configPath, _ = config.DiscoverConfigFile(wd)
		}
	}

	cfg, err := config.FromEnv(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	// The registry is opened unconditionally, watching its bundle
	// directory for hot-reloaded type descriptors, even though no
	// binary-protocol message in this deployment queries it directly:
	// bundle ingestion here is purely filesystem-driven, dropped into
	// place by an external publishing step.
	reg, err := registry.Open(cfg.ResolvedRegistryDir())
	if err != nil {
		return err
	}
	defer reg.Close()
	if err := reg.Watch(); err != nil {
		l.Warn().Err(err).Msg("registry watch failed to start")
	}

	bus := eventbus.New(cfg.EventBusBufferSize)

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			return err
		}
		bus.EnableJetStreamMirror(js, cfg.NatsSubject)
		l.Info().Str("subject", cfg.NatsSubject).Msg("jetstream event mirror enabled")
	}

	protoSrv := protocolserver.New(st, bus, l)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return err
	}
	l.Info().Str("addr", cfg.BindAddr).Msg("binary protocol listening")

	go func() {
		if err := protoSrv.Serve(ln); err != nil {
			l.Info().Err(err).Msg("binary protocol listener stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.New(bus).Register(router)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPBindAddr,
		Handler: router,
	}

	go func() {
		l.Info().Str("addr", cfg.HTTPBindAddr).Msg("http/sse listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	l.Info().Msg("shutting down")

	_ = ln.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
