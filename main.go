package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbiflow/arbitrage"
	"arbiflow/config"
	"arbiflow/exchange"
	"arbiflow/internal/ws"
	"arbiflow/logger"
	"arbiflow/models"
	"arbiflow/venue"
	"arbiflow/venue/binance"
	"arbiflow/venue/coinbase"
	"arbiflow/venue/kraken"
	"arbiflow/writer"
)

func newAdapter(name string, vc config.VenueConfig) venue.Adapter {
	switch name {
	case coinbase.Name:
		return coinbase.New(vc)
	case binance.Name:
		return binance.New(vc)
	case kraken.Name:
		return kraken.New(vc)
	default:
		return nil
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Arbiflow.Name,
		"version": cfg.Arbiflow.Version,
	}).Info("starting arbiflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Storage.S3.Enabled && cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Arbiflow.Name, cfg.Logging.DashboardName)
	}

	registry := ws.NewRegistry(cfg.Connection)
	defer registry.DisposeAll()

	var pairs []string
	pairs = append(pairs, cfg.Arbitrage.Pairs...)

	clients := make([]*exchange.Client, 0, len(cfg.Arbitrage.EnabledVenues))
	for _, name := range cfg.Arbitrage.EnabledVenues {
		vc, ok := cfg.Venues[name]
		if !ok || !vc.Enabled {
			log.WithFields(logger.Fields{"venue": name}).Warn("venue not configured or disabled, skipping")
			continue
		}
		adapter := newAdapter(name, vc)
		if adapter == nil {
			log.WithFields(logger.Fields{"venue": name}).Error("no adapter for venue, skipping")
			continue
		}

		client := exchange.NewClient(adapter, vc, cfg.Channels, registry)
		if err := client.Connect(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": name}).Error("venue connect failed, skipping")
			continue
		}

		if vc.APIKey != "" {
			if err := client.Authenticate(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"venue": name}).Warn("authentication failed, public data only")
			}
		}

		subscribed := 0
		for _, raw := range pairs {
			pair, err := models.ParseTradingPair(raw)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"pair": raw}).Warn("skipping malformed pair")
				continue
			}
			if err := client.SubscribeOrderBook(pair); err != nil {
				log.WithError(err).WithFields(logger.Fields{"venue": name, "pair": raw}).Error("subscribe failed")
				continue
			}
			subscribed++
		}

		log.WithFields(logger.Fields{
			"venue": name,
			"pairs": subscribed,
		}).Info("venue online")
		clients = append(clients, client)
	}

	if len(clients) < 2 {
		log.WithFields(logger.Fields{"venues": len(clients)}).Error("need at least two venues to arbitrage")
		os.Exit(1)
	}

	sources := make([]arbitrage.BookSource, len(clients))
	for i, c := range clients {
		sources[i] = c
	}
	engine := arbitrage.NewEngine(cfg.Arbitrage, cfg.Channels, sources)
	engine.Start(ctx)

	var archive *writer.OpportunityWriter
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewOpportunityWriter(cfg.Storage.S3, engine.Opportunities())
		if err != nil {
			log.WithError(err).Error("failed to create opportunity writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start opportunity writer")
			os.Exit(1)
		}
	} else {
		log.Info("S3 storage disabled; opportunities logged only")
		go func() {
			for range engine.Opportunities() {
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	engine.Stop()
	if archive != nil {
		archive.Stop()
	}
	for _, c := range clients {
		c.Disconnect()
	}

	time.Sleep(cfg.Connection.ShutdownGrace)
	log.Info("shutdown complete")
}
