// servo-sweep drives servos through the sweeps in a run file while logging their telemetry
// to CSV.
//
// With --simulate it runs against in-memory actuators instead of a serial port, which is
// useful for checking a run file before connecting the rig.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/controller"
	"github.com/calvinmclean/servorig/feetech"
	"github.com/calvinmclean/servorig/servobus"
	"github.com/calvinmclean/servorig/twchart"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		simulate    bool
		simIDs      []int
		verbose     bool
		sessionName string
		listPorts   bool
	)

	flagSet := pflag.NewFlagSet("servo-sweep", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML run file (default: environment only)")
	flagSet.BoolVar(&simulate, "simulate", false, "run against simulated actuators instead of the serial port")
	flagSet.IntSliceVar(&simIDs, "sim-ids", nil, "actuator ids to simulate (default: every configured sweep)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every command")
	flagSet.StringVar(&sessionName, "session", "", "TWChart session name")
	flagSet.BoolVar(&listPorts, "list-ports", false, "list serial ports and exit")

	err := flagSet.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if listPorts {
		ports, err := feetech.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if sessionName != "" {
		cfg.SessionName = sessionName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := newBus(cfg, simulate, simIDs, logger)

	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithMetrics(controller.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.TWChartAddr != "" {
		opts = append(opts, controller.WithTWChartClient(twchart.NewClient(cfg.TWChartAddr)))
	}

	ctrl, err := controller.New(cfg, bus, opts...)
	if err != nil {
		return fmt.Errorf("error creating controller: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	logger.Info("starting run",
		"sweeps", len(ctrl.Sweeps()),
		"groups", len(ctrl.Groups()),
		"simulate", simulate,
		"capture_interval", cfg.CaptureInterval(),
	)
	return ctrl.Run(ctx)
}

func loadConfig(path string) (controller.Config, error) {
	if path == "" {
		return controller.NewFromEnv()
	}
	return controller.Load(path)
}

func newBus(cfg controller.Config, simulate bool, simIDs []int, logger *slog.Logger) controller.Bus {
	if simulate {
		var ids []servorig.ActuatorID
		for _, id := range simIDs {
			ids = append(ids, servorig.ActuatorID(id))
		}
		if len(ids) == 0 {
			for _, s := range cfg.Sweeps {
				ids = append(ids, s.ID)
			}
		}
		logger.Info("simulating actuators", "ids", ids)
		return servobus.NewSim(ids)
	}

	if cfg.SerialPort == "" {
		logger.Warn("no serial port configured; set SERIAL_PORT or serial_port")
	}
	return servobus.NewDriver(servobus.Config{
		Port:         cfg.SerialPort,
		BaudRate:     cfg.BaudRate,
		ScanFrom:     cfg.ScanFrom,
		ScanTo:       cfg.ScanTo,
		PollInterval: cfg.PollInterval(),
	}, servobus.WithLogger(logger))
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
