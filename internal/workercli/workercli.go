// Package workercli wires the worker daemon's collaborators together and
// drives its run loop, the same structure this codebase's own CLI
// entrypoint uses: a kong-parsed flag struct, a runtime context built
// once at startup, and an injectable signal channel so shutdown
// sequencing is testable without sending the process a real signal.
package workercli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/ireznice/travis-worker/internal/bus"
	"github.com/ireznice/travis-worker/internal/bus/redisstream"
	"github.com/ireznice/travis-worker/internal/config"
	"github.com/ireznice/travis-worker/internal/crashreporter"
	"github.com/ireznice/travis-worker/internal/idgen"
	"github.com/ireznice/travis-worker/internal/imagemgr"
	"github.com/ireznice/travis-worker/internal/instance"
	"github.com/ireznice/travis-worker/internal/metrics"
	"github.com/ireznice/travis-worker/internal/observer"
	"github.com/ireznice/travis-worker/internal/reporter"
	"github.com/ireznice/travis-worker/internal/vm"
	"github.com/ireznice/travis-worker/internal/vm/firecracker"
)

// CLI is the daemon's complete flag surface.
type CLI struct {
	Config   string `short:"c" help:"Path to a YAML config file (optional; environment variables always apply)"`
	LogLevel string `help:"Overrides the configured log level (debug|info|warn|error)"`
	Name     string `help:"Overrides this worker instance's reported name (defaults to hostname)"`
}

type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("worker exited with code %d", e.code) }
func (e exitCodeError) ExitCode() int { return e.code }

type hasExitCode interface{ ExitCode() int }

// ExitCode extracts a process exit code from an error returned by Run, 1
// if err carries none.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded hasExitCode
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

// Run parses args, builds every collaborator, and drives the worker
// until ctx is cancelled or a termination signal is observed.
func Run(ctx context.Context, args []string) error {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("travis-worker"),
		kong.Description("Build-job worker: consumes jobs from the message bus and runs them in a VM sandbox."),
	)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	name := cli.Name
	if name == "" {
		name = cfg.Host
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting worker", "name", name, "inbound_queue", cfg.Bus.InboundQueue, "bus_addr", cfg.Bus.Addr)

	deps, err := build(ctx, cfg, name, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	return serve(ctx, deps, cfg.Timeouts.ShutdownGrace, logger)
}

// daemon holds every constructed collaborator for one run of the
// worker, so Run and its tests can tear them down uniformly.
type daemon struct {
	instance *instance.Instance
	consumer bus.Consumer

	redisClients []*redis.Client
}

func (d *daemon) Close() {
	if d.consumer != nil {
		_ = d.consumer.Close()
	}
	for _, client := range d.redisClients {
		_ = client.Close()
	}
}

// build constructs the bus connections, VM backend, image cache,
// reporter, and Instance this worker process will drive. Each outbound
// queue gets its own *redis.Client so a stall publishing logs can never
// block the builds queue, and the inbound consumer gets a third,
// separate from both, so a slow XREADGROUP never competes with
// publishing for the same connection.
func build(ctx context.Context, cfg config.Config, name string, logger *charmlog.Logger) (*daemon, error) {
	buildsClient := newRedisClient(cfg.Bus)
	logsClient := newRedisClient(cfg.Bus)
	inboundClient := newRedisClient(cfg.Bus)

	d := &daemon{redisClients: []*redis.Client{buildsClient, logsClient, inboundClient}}

	buildsPub := redisstream.NewPublisher(buildsClient, cfg.Bus.BuildsQueue, 0)
	logsPub := redisstream.NewPublisher(logsClient, cfg.Bus.LogsQueue, 100000)

	consumerName := idgen.NewConsumerName(name)
	consumer, err := redisstream.NewConsumer(ctx, inboundClient, cfg.Bus.InboundQueue, cfg.Bus.ConsumerGroup, consumerName)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("subscribe to inbound queue %q: %w", cfg.Bus.InboundQueue, err)
	}
	d.consumer = consumer

	images, err := imagemgr.New(imagemgr.Options{CacheDir: cfg.ImageCacheDir})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("initialize image cache: %w", err)
	}

	vmFactory := func() vm.Handle {
		return firecracker.New(firecracker.Config{
			BinaryPath:      cfg.VM.BinaryPath,
			KernelImagePath: cfg.VM.KernelImagePath,
			RunDir:          cfg.VM.RunDir,
			VCPUs:           cfg.VM.VCPUs,
			MemoryMiB:       cfg.VM.MemoryMiB,
			GuestCID:        cfg.VM.GuestCID,
			GuestPort:       cfg.VM.GuestPort,
			BootSeconds:     cfg.VM.BootSeconds,
		}, images)
	}

	rep := reporter.New(buildsPub, logsPub, nil)

	inst := instance.New(instance.Deps{
		Name:      name,
		Host:      cfg.Host,
		VM:        vmFactory,
		Reporter:  rep,
		Observers: &observer.Registry{},
		Crash:     crashreporter.NewLoggingSink(func(msg string, keyvals ...any) { logger.Error(msg, keyvals...) }),
		Metrics:   metrics.NewLoggingSink(func(msg string, keyvals ...any) { logger.Debug(msg, keyvals...) }),
		Log:       logger,
		Timeouts:  cfg.Timeouts,
	})
	d.instance = inst

	return d, nil
}

func newRedisClient(cfg config.Bus) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// serve starts inst, pumps deliveries from consumer to it one at a
// time (the same serial processing the bus-consumer's own read loop
// already imposes), and sequences shutdown on termination signals: the
// first SIGINT/SIGTERM requests a graceful stop (finish the in-flight
// job, stop taking new work), a second forces it (cancel the in-flight
// job immediately; its delivery is acked and the job is restarted
// through the reporter).
func serve(ctx context.Context, d *daemon, shutdownGrace time.Duration, logger *charmlog.Logger) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := d.instance.Start(runCtx); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}

	deliveries, err := d.consumer.Subscribe(runCtx)
	if err != nil {
		return fmt.Errorf("subscribe to inbound queue: %w", err)
	}

	signalCh := newSignalChannel()
	notifySignals(signalCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signalCh)

	go func() {
		interrupts := 0
		for range signalCh {
			interrupts++
			if interrupts == 1 {
				logger.Warn("shutdown signal received, finishing in-flight job before exit")
				d.instance.Stop(false)
				continue
			}
			logger.Warn("second shutdown signal received, forcing immediate stop")
			d.instance.Stop(true)
			return
		}
	}()

	pumpLoop(runCtx, d.instance, deliveries, logger)

	select {
	case <-d.instance.Done():
	case <-time.After(shutdownGrace):
		logger.Error("instance did not stop within shutdown grace period, forcing")
		d.instance.Stop(true)
		<-d.instance.Done()
	}

	return nil
}

// pumpLoop hands each delivery to inst in turn, exactly matching the
// invariant an Instance's own mailbox relies on: at most one delivery is
// ever in flight at a time. It returns once the delivery channel closes
// (subscription lost or ctx cancelled) or the Instance stops accepting
// work.
func pumpLoop(ctx context.Context, inst *instance.Instance, deliveries <-chan bus.Delivery, logger *charmlog.Logger) {
	for delivery := range deliveries {
		if err := inst.Process(ctx, delivery); err != nil {
			logger.Error("failed to process delivery", "delivery_id", delivery.ID, "error", err)
			if errors.Is(err, instance.ErrNotReady) || errors.Is(err, instance.ErrStopped) {
				return
			}
		}
	}
}

func newLogger(rawLevel string) (*charmlog.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := charmlog.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:     level,
		Formatter: charmlog.TextFormatter,
	})
	return logger.With("component", "worker"), nil
}
