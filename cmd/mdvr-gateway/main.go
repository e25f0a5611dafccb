package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahmoudfa97/apexcam-platforms/internal/adapter"
	"github.com/mahmoudfa97/apexcam-platforms/internal/config"
	"github.com/mahmoudfa97/apexcam-platforms/internal/event"
	"github.com/mahmoudfa97/apexcam-platforms/internal/eventbus"
	"github.com/mahmoudfa97/apexcam-platforms/internal/handler"
	"github.com/mahmoudfa97/apexcam-platforms/internal/logger"
	"github.com/mahmoudfa97/apexcam-platforms/internal/media"
	"github.com/mahmoudfa97/apexcam-platforms/internal/presence"
	"github.com/mahmoudfa97/apexcam-platforms/internal/server"
	"github.com/mahmoudfa97/apexcam-platforms/internal/sink"
	"github.com/mahmoudfa97/apexcam-platforms/internal/store"
)

const (
	serviceName    = "mdvr-gateway"
	connectTimeout = 5 * time.Second
	drainTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting MDVR gateway", zap.String("gateway_id", cfg.GatewayID))
	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
	log.Info("gateway stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if cfg.DBAutoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	st := store.New(db)
	log.Info("connected to database")

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisURL))

	// Connect to NATS
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName+"-"+cfg.GatewayID))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	log.Info("connected to NATS", zap.String("url", cfg.NATSURL))

	bus, closeBus, err := newBus(cfg, nc, rdb)
	if err != nil {
		return err
	}
	defer closeBus()
	tap := eventbus.NewTap()
	publisher := eventbus.Fanout{bus, tap}

	enc := adapter.NewEncoder()
	h := handler.New(st, publisher, enc, log.With(zap.String("component", "handler")),
		handler.WithGatewayID(cfg.GatewayID))

	sessions := media.NewManager(sink.NewDir(cfg.MediaDir), publisher,
		log.With(zap.String("component", "sessions")),
		media.WithStore(st),
		media.WithConfig(media.Config{MaxFrames: cfg.SegmentMaxFrames, MaxBytes: cfg.SegmentMaxBytes}))

	signaling := server.NewSignalingServer(server.SignalingConfig{
		GatewayID:    cfg.GatewayID,
		Addr:         cfg.SignalingAddr,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BufferLimit:  cfg.SignalBufferLimit,
	}, h, publisher, log,
		server.WithPresence(presence.New(rdb, cfg.GatewayID, cfg.SessionTTL)),
		server.WithStatusStore(st))

	mediaServer := server.NewMediaServer(server.MediaConfig{
		GatewayID:          cfg.GatewayID,
		Addr:               cfg.MediaAddr,
		IdleTimeout:        cfg.IdleTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		BufferLimit:        cfg.MediaBufferLimit,
		ReceiveReportEvery: cfg.ReceiveReportEvery,
	}, sessions, log)

	downlink := server.NewDownlink(signaling, enc, st, log)
	sub, err := downlink.Subscribe(nc, cfg.GatewayID)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, cfg.GatewayID, signaling, sessions, downlink, tap, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return signaling.ListenAndServe(gctx) })
	g.Go(func() error { return mediaServer.ListenAndServe(gctx) })
	g.Go(func() error { return httpServer.ListenAndServe(gctx) })

	err = g.Wait()
	log.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := sessions.Close(drainCtx); cerr != nil {
		log.Error("flush media sessions", zap.Error(cerr))
	}
	if ferr := nc.Drain(); ferr != nil {
		log.Warn("drain NATS", zap.Error(ferr))
	}
	return err
}

// newBus selects the external event backend.
func newBus(cfg *config.Config, nc *nats.Conn, rdb *redis.Client) (event.Publisher, func(), error) {
	noop := func() {}
	switch cfg.EventBus {
	case config.BusJetStream:
		js, err := nc.JetStream()
		if err != nil {
			return nil, nil, fmt.Errorf("jetstream context: %w", err)
		}
		bus, err := eventbus.NewJetStream(js)
		if err != nil {
			return nil, nil, err
		}
		return bus, noop, nil
	case config.BusRedis:
		return eventbus.NewRedis(rdb), noop, nil
	case config.BusMQTT:
		client, err := eventbus.DialMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return nil, nil, err
		}
		return eventbus.NewMQTT(client, 1), func() { client.Disconnect(250) }, nil
	default:
		return eventbus.NewNATS(nc, ""), noop, nil
	}
}
