package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"busbridge/bridge"
	"busbridge/bus"
	"busbridge/config"
	"busbridge/utils"
)

var (
	configPath = flag.String("config", "", "Path to config file (or "+config.EnvVar+")")
	device     = flag.String("device", "", "Bus line device path, overrides config")
	verbose    = flag.Bool("verbose", false, "Log at debug level")
)

func main() {
	flag.Parse()

	path := config.Path(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	log := utils.NewLogger(level, cfg.Log.Path)
	defer log.Sync()

	lineDevice := cfg.Line.Device
	if *device != "" {
		lineDevice = *device
	}
	line, err := bus.OpenSerialLine(bus.SerialConfig{
		Device:  lineDevice,
		ClockHz: cfg.Line.ClockHz,
	})
	if err != nil {
		log.Fatal("failed to open bus line", zap.Error(err))
	}

	b := bus.New(line, log)
	b.Start()

	br := bridge.New(b, log)
	if err := br.Start(cfg); err != nil {
		log.Error("some stations failed to configure", zap.Error(err))
	}
	log.Info("bridge running",
		zap.String("config", path),
		zap.String("device", lineDevice))

	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(bridge.NewStatsCollector(b.Stats, br.Stats))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	stopWatch, err := config.Watch(path, func() {
		newCfg, err := config.Load(path)
		if err != nil {
			log.Error("config reload failed", zap.Error(err))
			return
		}
		log.Info("config changed, reconfiguring")
		if err := br.Reconfigure(newCfg); err != nil {
			log.Error("reconfigure incomplete", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("config watch unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	br.Shutdown()
	b.Close()
}
