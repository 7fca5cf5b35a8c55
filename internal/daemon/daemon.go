// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/cilab/internal/command"
	"firestige.xyz/cilab/internal/config"
	logpkg "firestige.xyz/cilab/internal/log"
	"firestige.xyz/cilab/internal/metrics"
)

// Daemon manages the cilab daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	pipeline      *Pipeline
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New creates a new Daemon instance. Empty socketPath and pidFile fall back
// to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting cilab daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build the ingest pipeline
	pipeline, err := NewPipeline(d.config, nil)
	if err != nil {
		d.stopMetrics()
		d.removePIDFile()
		return fmt.Errorf("failed to build ingest pipeline: %w", err)
	}
	d.pipeline = pipeline
	d.pipeline.Handler.SetShutdownFunc(d.TriggerShutdown)

	// 5. Host scheduling loop and housekeeping
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.pipeline.RunUplink(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.pipeline.RunHousekeeping(d.ctx)
	}()

	// 6. UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.pipeline.Handler)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.udsServer.Start(d.ctx); err != nil {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 7. Kafka command consumer (if enabled)
	if d.config.CommandChannel.Enabled && d.config.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			// UDS and uplinked commands still work.
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop command intake, the poll loop and housekeeping
	d.cancel()
	d.wg.Wait()

	// 2. Release the kafka reader once its loop has returned
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}

	// 3. Drop partial content, close bus and source
	if d.pipeline != nil {
		if err := d.pipeline.Close(); err != nil {
			slog.Error("error closing ingest pipeline", "error", err)
		}
	}

	// 4. Metrics, signals, PID file
	d.stopMetrics()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	logpkg.Flush()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command or cancellation. SIGHUP reloads the config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file. Only logging is hot-reloaded;
// changes to anything else are reported as requiring a restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	old := *d.config
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		d.config.Log = old.Log
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != old.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Uplink != old.Uplink {
		requiresRestart = append(requiresRestart, "uplink")
	}
	if newConfig.Source.Type != old.Source.Type || newConfig.Source.UDP != old.Source.UDP {
		requiresRestart = append(requiresRestart, "source")
	}
	if newConfig.Bus.Type != old.Bus.Type {
		requiresRestart = append(requiresRestart, "bus.type")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	slog.Info("configuration reloaded",
		"log_level", d.config.Log.Level,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop. Repeated calls are no-ops.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Pipeline returns the running ingest pipeline, nil before Start.
func (d *Daemon) Pipeline() *Pipeline {
	return d.pipeline
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.SetDefault(logpkg.Get())
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.pipeline.Handler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

func (d *Daemon) stopMetrics() {
	if d.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Stop(ctx); err != nil {
		slog.Error("error stopping metrics server", "error", err)
	}
	d.metricsServer = nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
