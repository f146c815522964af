package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bilal/openmon-agent/internal/communicator"
	"github.com/bilal/openmon-agent/internal/config"
	"github.com/bilal/openmon-agent/internal/dispatcher"
	"github.com/bilal/openmon-agent/internal/health"
	"github.com/bilal/openmon-agent/internal/logger"
	"github.com/bilal/openmon-agent/internal/monitor"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent config file")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Init logger
	logger.Init(cfg.Logging)
	log.Info().Str("agent", cfg.Agent.Name).Msg("starting openmon agent")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
	log.Info().Msg("agent stopped cleanly")
}

func run(cfg *config.Config) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OS Signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	healthSrv := health.New(cfg.Health.Listen)
	mon := monitor.NewFromConfig(cfg)

	transport, err := communicator.New(cfg)
	if err != nil {
		return err
	}

	opts := []dispatcher.Option{dispatcher.WithSignaler(healthSrv)}
	var journal *communicator.Journal
	if len(cfg.Kafka.Brokers) > 0 {
		journal, err = communicator.NewJournal(cfg)
		if err != nil {
			return err
		}
		opts = append(opts, dispatcher.WithObserver(journal))
	}

	disp := dispatcher.New(dispatcher.OptionsFromConfig(cfg), transport, mon, opts...)
	for _, c := range cfg.Controllers {
		if err := disp.RegisterController(c.ID, c.Credential(), time.Duration(c.MinIntervalMs)*time.Millisecond); err != nil {
			return err
		}
	}

	healthSrv.SetDispatcher(disp)
	mon.SetSender(disp)
	mon.OnChange(func(up bool) {
		healthSrv.SetLinkUp(up)
		if up && disp.State() == dispatcher.StateSuspended {
			if err := disp.Resume(); err != nil {
				log.Warn().Err(err).Msg("resume after link up failed")
			}
		}
	})

	// first probe before sending anything
	mon.Check(ctx)
	healthSrv.SetLinkUp(mon.IsConnected())

	if err := disp.Start(ctx); err != nil {
		return err
	}
	healthSrv.SetRunning(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthSrv.Serve()
	})
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	log.Info().Str("listen", cfg.Health.Listen).Msg("health endpoint running")

	//------------------------------------------
	// WAIT FOR SHUTDOWN SIGNAL
	//------------------------------------------
wait:
	for {
		select {
		case <-gctx.Done():
			break wait
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				if err := disp.Suspend(); err != nil {
					log.Warn().Err(err).Msg("suspend failed")
				}
			case syscall.SIGUSR2:
				if err := disp.Resume(); err != nil {
					log.Warn().Err(err).Msg("resume failed")
				}
			default:
				log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
				break wait
			}
		}
	}

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthSrv.SetRunning(false)

	log.Info().Msg("stopping dispatcher...")
	if err := disp.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dispatcher stop")
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("journal close")
		}
	}

	log.Info().Msg("stopping health server...")
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("health server shutdown")
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
