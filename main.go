package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"

	"tradeEngine/config"
	"tradeEngine/internal/adapters/binanceclient"
	"tradeEngine/internal/adapters/kafka"
	"tradeEngine/internal/adapters/logger"
	"tradeEngine/internal/adapters/metrics"
	"tradeEngine/internal/adapters/simbroker"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/app"
	"tradeEngine/internal/outbox"
	"tradeEngine/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.ParseLevel(cfg.LogLevel), logger.Format(cfg.LogFormat)).
		With(map[string]interface{}{"env": cfg.Environment})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Store (Database Adapter)
	store, err := sqlite.NewStore(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database store")
		log.Fatalf("FATAL: Failed to initialize database store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database store")
		}
	}()
	appLogger.Info(ctx, "Database store initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Broker and Stream Transport
	broker, transport, err := newBroker(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize broker")
		log.Fatalf("FATAL: Failed to initialize broker: %v", err)
	}
	appLogger.Info(ctx, "Broker initialized", map[string]interface{}{"mode": cfg.Broker.Mode})

	// 5. Initialize Event Sink and Signal Source
	var sink ports.EventSink = outbox.NewLogSink(appLogger)
	if cfg.Outbox.Sink == config.SinkKafka {
		if sink, err = kafka.NewSink(kafkaConfig(cfg), appLogger); err != nil {
			log.Fatalf("FATAL: Failed to initialize Kafka sink: %v", err)
		}
	}
	var signals ports.SignalSource
	if cfg.Kafka.SignalsTopic != "" {
		if signals, err = kafka.NewSignalConsumer(kafkaConfig(cfg), appLogger); err != nil {
			log.Fatalf("FATAL: Failed to initialize Kafka signal consumer: %v", err)
		}
	}

	// 6. Initialize Engine
	engine, err := app.NewEngine(cfg, app.Deps{
		Store:     store,
		Broker:    broker,
		Transport: transport,
		Sink:      sink,
		Signals:   signals,
		Metrics:   metrics.New(appLogger),
		Logger:    appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade engine")
		log.Fatalf("FATAL: Failed to initialize trade engine: %v", err)
	}

	// 7. Run until SIGINT/SIGTERM
	if err := engine.Start(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Trade engine exited with error")
		log.Fatalf("FATAL: Trade engine exited with error: %v", err)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func newBroker(ctx context.Context, cfg *config.Config, l ports.Logger) (ports.Broker, ports.StreamTransport, error) {
	if cfg.Broker.Mode == config.ModeSim {
		b := simbroker.New(simbroker.Config{AutoFill: cfg.Broker.SimFill, Logger: l})
		return b, b, nil
	}
	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.Broker.APIKey,
		SecretKey:  cfg.Broker.SecretKey,
		UseTestnet: cfg.Broker.IsTestnet,
		AccountID:  cfg.Broker.AccountID,
		Logger:     l,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := client.SetServerTime(ctx); err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func kafkaConfig(cfg *config.Config) kafka.Config {
	return kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		EventsTopic:  cfg.Kafka.EventsTopic,
		SignalsTopic: cfg.Kafka.SignalsTopic,
		GroupID:      cfg.Kafka.GroupID,
		WriteTimeout: cfg.Outbox.PublishTimeout,
	}
}
