package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voltlab/cellbench/config"
	"github.com/voltlab/cellbench/drivers/sim"
	"github.com/voltlab/cellbench/internal/logging"
	"github.com/voltlab/cellbench/service"
	"github.com/voltlab/cellbench/telemetry"
)

func main() {
	configPath := flag.String("config", "cellbench.yaml", "path to the configuration file")
	checkOnly := flag.Bool("config-check", false, "validate the configuration and exit")
	demoCCCV := flag.Bool("demo-cccv", false, "start a CCCV test on the demo channel after boot")
	demoChannel := flag.Uint("demo-channel", 1, "channel for the demo test")
	demoCurrent := flag.Float64("demo-current", 2.0, "constant current for the demo test, in amperes")
	demoVoltage := flag.Float64("demo-voltage", 4.2, "target voltage for the demo test, in volts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration ok")
		return
	}

	logger, closeLogs, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	collector := telemetry.Collector(telemetry.Noop())
	if cfg.Telemetry.Enabled && cfg.Telemetry.Provider == "prometheus" {
		prom, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Fatal().Err(err).Msg("registering metrics failed")
		}
		collector = prom
	}

	svc, err := service.New(cfg, logger,
		service.WithCollector(collector),
		service.WithControlFactory(sim.Driver, sim.NewControlFactory()),
		service.WithSourceFactory(sim.Driver, sim.NewSourceFactory()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("starting engine failed")
	}

	if *demoCCCV {
		if err := svc.RunCCCV(uint32(*demoChannel), *demoCurrent, *demoVoltage, nil); err != nil {
			logger.Error().Err(err).Msg("starting demo test failed")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("signal received")
	svc.Shutdown()
}
