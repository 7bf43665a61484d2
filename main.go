package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradeflow/adapter"
	"tradeflow/bus"
	"tradeflow/config"
	"tradeflow/exchange/binance"
	"tradeflow/exchange/bybit"
	"tradeflow/exchange/kucoin"
	"tradeflow/logger"
	"tradeflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeflow.Name,
		"version": cfg.Tradeflow.Version,
	}).Info("starting tradeflow")

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New()

	var kafkaWriter *writer.KafkaWriter
	if cfg.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		eventBus.AddCallback("kafka", kafkaWriter.Callback())
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka disabled; events stay on the in-process bus")
	}

	var adapters []*adapter.Adapter

	if cfg.Exchanges.Binance.Enabled {
		ex := cfg.Exchanges.Binance
		source := binance.NewSource(ex.URL, 0)
		gateway := binance.NewGateway(ex.APIKey, ex.APISecret, ex.URL)
		adapters = append(adapters, buildAdapter(ctx, cfg, "binance", source, gateway, eventBus, ex.Markets, log))
	}

	if cfg.Exchanges.Kucoin.Enabled {
		ex := cfg.Exchanges.Kucoin
		source := kucoin.NewSource(ex.URL)
		adapters = append(adapters, buildAdapter(ctx, cfg, "kucoin", source, nil, eventBus, ex.Markets, log))
	}

	if cfg.Exchanges.Bybit.Enabled {
		ex := cfg.Exchanges.Bybit
		source := bybit.NewSource(ex.URL, "", 0)
		gateway := bybit.NewGateway(ex.APIKey, ex.APISecret, ex.URL)
		adapters = append(adapters, buildAdapter(ctx, cfg, "bybit", source, gateway, eventBus, ex.Markets, log))
	}

	if len(adapters) == 0 {
		log.Error("no exchanges enabled")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	for _, a := range adapters {
		log.WithFields(logger.Fields{"exchange": a.Name()}).Info("stopping adapter")
		a.Close()
	}

	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	log.Info("shutdown complete")
}

func buildAdapter(ctx context.Context, cfg *config.Config, name string, source adapter.MarketDataSource, gateway adapter.OrderGateway, eventBus *bus.Bus, markets []config.MarketConfig, log *logger.Log) *adapter.Adapter {
	a := adapter.New(cfg, name, source, gateway, eventBus)
	for _, m := range markets {
		if err := a.FollowMarket(ctx, m.Base, m.Quote); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"exchange": name,
				"base":     m.Base,
				"quote":    m.Quote,
			}).Warn("failed to follow market")
		}
	}
	return a
}
