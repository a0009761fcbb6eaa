package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dhanflow/config"
	"dhanflow/internal/channel"
	"dhanflow/internal/dashboard"
	"dhanflow/internal/instruments"
	"dhanflow/internal/metrics"
	"dhanflow/internal/orders"
	"dhanflow/internal/ratelimit"
	"dhanflow/internal/recorder"
	"dhanflow/internal/rest"
	"dhanflow/internal/session"
	"dhanflow/internal/wire"
	"dhanflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Dhanflow.Name,
		"version": cfg.Dhanflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting dhanflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := time.Duration(cfg.Logging.ReportIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
		metrics.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Listen)
	}

	directory := instruments.NewDirectory(cfg.Instruments)
	resolver := instruments.NewResolver(directory, cfg.Instruments.Segments)

	limiter := ratelimit.New(cfg.RateLimits)

	tracker := orders.NewTracker(cfg.Tracker)
	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start order tracker")
		os.Exit(1)
	}

	executor := rest.NewExecutor(cfg.API, limiter)
	if cfg.Feed.Orders.Enabled && cfg.API.AccessToken != "" {
		go func() {
			seedCtx, cancelSeed := context.WithTimeout(ctx, 30*time.Second)
			defer cancelSeed()
			if _, err := tracker.Seed(seedCtx, executor); err != nil {
				log.WithError(err).Warn("Order book seed failed; tracking from the stream only")
			}
		}()
	}

	creds := wire.LoginCredentials{
		ClientID:      cfg.API.ClientID,
		Token:         cfg.API.AccessToken,
		PartnerID:     cfg.API.PartnerID,
		PartnerSecret: cfg.API.PartnerSecret,
	}

	feeds := []struct {
		name     string
		channel  config.FeedChannelConfig
		binary   bool
		resolver *instruments.Resolver
		record   bool
	}{
		{session.ChannelMarket, cfg.Feed.Market, true, resolver, true},
		{session.ChannelDepth, cfg.Feed.Depth, false, resolver, true},
		{session.ChannelOrders, cfg.Feed.Orders, false, nil, false},
	}

	var (
		sessions      []*session.Session
		subscriptions [][]string
		recorders     []*recorder.Recorder
		stages        []*channel.Channels
	)

	for _, feed := range feeds {
		if !feed.channel.Enabled {
			continue
		}

		var events *channel.Channels
		if feed.record && cfg.Recorder.Enabled {
			events = channel.NewChannels(feed.name, cfg.Channels.EventBuffer)
			stages = append(stages, events)
			events.StartMetricsReporting(ctx)
			metrics.StartChannelSizeMetrics(ctx, events, 15*time.Second)

			rec, err := recorder.New(cfg.Recorder, cfg.Storage.S3, events)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"channel": feed.name}).Error("Failed to create recorder")
				os.Exit(1)
			}
			recorders = append(recorders, rec)
		}

		sess, err := session.New(session.Options{
			Name:     feed.name,
			URL:      feed.channel.URL,
			Mode:     feed.channel.Mode,
			Binary:   feed.binary,
			Creds:    creds,
			Feed:     cfg.Feed,
			Resolver: feed.resolver,
			Events:   events,
		})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"channel": feed.name}).Error("Failed to create feed session")
			os.Exit(1)
		}

		if feed.name == session.ChannelOrders {
			sess.On(wire.KindOrder, tracker.HandleEvent)
		}

		sessions = append(sessions, sess)
		subscriptions = append(subscriptions, feed.channel.Subscriptions)
	}

	for _, rec := range recorders {
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start recorder")
			os.Exit(1)
		}
	}

	fatal := make(chan error, 1)
	for i, sess := range sessions {
		if err := sess.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"channel": sess.Name()}).Error("Failed to start feed session")
			os.Exit(1)
		}

		if refs := subscriptions[i]; len(refs) > 0 {
			if err := sess.Subscribe(ctx, refs...); err != nil {
				log.WithError(err).WithFields(logger.Fields{"channel": sess.Name()}).Error("Failed to subscribe configured instruments")
				os.Exit(1)
			}
		}

		go func(s *session.Session) {
			select {
			case err := <-s.Errors():
				select {
				case fatal <- err:
				default:
				}
			case <-ctx.Done():
			}
		}(sess)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Sessions: func() []session.Status {
			out := make([]session.Status, 0, len(sessions))
			for _, s := range sessions {
				out = append(out, s.Status())
			}
			return out
		},
		Tracker: tracker.Stats,
		Limits:  limiter.Snapshot,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create dashboard server")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if dash != nil {
		log.WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard listening")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Dhanflow.Name); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-fatal:
		log.WithError(err).Error("feed session failed; shutting down")
	}

	log.Info("starting graceful shutdown")
	cancel()

	for _, sess := range sessions {
		log.WithFields(logger.Fields{"channel": sess.Name()}).Info("stopping feed session")
		sess.Stop()
	}

	for _, rec := range recorders {
		log.Info("stopping recorder")
		rec.Stop()
	}

	for _, stage := range stages {
		stage.Close()
	}

	log.Info("stopping order tracker")
	tracker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("dhanflow stopped")
}
