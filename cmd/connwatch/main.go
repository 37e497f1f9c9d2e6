package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"connwatch/internal/cluster"
	"connwatch/internal/config"
	"connwatch/internal/history"
	"connwatch/internal/metrics"
	"connwatch/internal/monitor"
	"connwatch/internal/probe"
	"connwatch/internal/reachability"
	"connwatch/internal/server"
	"connwatch/internal/storage"
	"connwatch/internal/storage/boltstore"
	"connwatch/internal/storage/sqlitestore"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	Config string `long:"config" short:"c" description:"Path to the YAML configuration file" default:"config.yaml"`
	Listen string `long:"listen" description:"Address for the HTTP API, overrides the config file"`
	Debug  bool   `long:"debug" description:"Enable debug logging"`
	Once   bool   `long:"once" description:"Run a single connectivity check and exit with its result"`
}

// errOffline makes --once exit non-zero without logging a failure.
var errOffline = errors.New("offline")

func connwatchMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "log_level %q", cfg.LogLevel)
	}
	log.SetLevel(level)
	if opts.Debug {
		log.SetLevel(log.DebugLevel)
		log.Info("Setting debug mode.")
	}

	targets, err := cfg.Targets()
	if err != nil {
		return err
	}
	log.WithField("targets", len(targets)).Debugf("Loaded config from %s", opts.Config)

	logger := log.StandardLogger()
	m := metrics.New()
	prober := probe.NewTCPProber(logger, m)
	evaluator := reachability.NewEvaluator(prober, logger, m)
	mon := monitor.New(evaluator, monitor.Config{
		Targets:       targets,
		CheckInterval: cfg.CheckInterval.Std(),
		CheckTimeout:  cfg.CheckTimeout.Std(),
	}, monitor.WithLogger(logger), monitor.WithMetrics(m))
	defer mon.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Once {
		if !mon.IsConnected(ctx) {
			fmt.Println("offline")
			return errOffline
		}
		fmt.Println("online")
		return nil
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	node := cluster.Node{ID: cfg.NodeID, Name: cfg.NodeName}
	clusterSvc := cluster.NewService(node, mon, store, cfg, logger, m)
	srv := server.New(cfg.Listen, mon, clusterSvc, logger,
		server.WithStore(store),
		server.WithMetrics(m),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error { return clusterSvc.Run(gctx) })
	if cfg.Record {
		recorder := history.NewRecorder(mon, store, logger)
		g.Go(func() error { return recorder.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Ends websocket streams, which Shutdown does not track.
		mon.Close()
		return err
	})

	log.WithFields(log.Fields{
		"node":     cfg.NodeID,
		"interval": cfg.CheckInterval.Std(),
		"record":   cfg.Record,
	}).Info("connwatch started")
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Storage) (storage.Store, error) {
	switch cfg.Driver {
	case "file":
		return storage.NewFileStore(cfg.Path)
	case "bolt":
		return boltstore.Open(cfg.Path)
	case "sqlite":
		return sqlitestore.New(ctx, cfg.Path)
	default:
		return nil, errors.Wrapf(storage.ErrUnknownDriver, "%q", cfg.Driver)
	}
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed before os.Exit.
	if err := connwatchMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.Is(err, errOffline) {
			log.WithError(err).Error("Failed running connwatch.")
		}
		os.Exit(1)
	}
}
