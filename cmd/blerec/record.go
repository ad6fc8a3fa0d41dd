package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/device/goble"
	"github.com/srg/blerec/internal/eventbus"
	"github.com/srg/blerec/internal/framer"
	"github.com/srg/blerec/internal/record"
	"github.com/srg/blerec/internal/recorder"
	"github.com/srg/blerec/internal/scanner"
	"github.com/srg/blerec/internal/session"
	"github.com/srg/blerec/internal/stream"
	"github.com/srg/blerec/pkg/config"
)

const eventBusBuffer = 256

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record performance data from a BLE device",
	Long: `Scan for the device, connect to it and subscribe to its data characteristic,
then sample framed packets into records. Every record is saved as a JSON
snapshot and delivered when a transport is configured; failed deliveries are
queued and retried in the background.

Press Ctrl+C to stop; the connection is released before exiting.`,
	Example: `  blerec record --name D1 --performer 7 --location hall --record-id 3
  blerec record --address AA:BB:CC:DD:EE:FF --performer 7 --records 0`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringP("name", "n", "", "Advertised name of the device")
	recordCmd.Flags().StringP("address", "a", "", "Hardware address of the device")
	recordCmd.Flags().Int("performer", 0, "Performer id stamped on every record")
	recordCmd.Flags().String("location", "", "Performance location")
	recordCmd.Flags().Int("record-id", 0, "Record id stamped on every record")
	recordCmd.Flags().Int("records", 0, "Records to produce, 0 records until Ctrl+C (default from config)")
	recordCmd.Flags().Duration("pause", 0, "Idle time between records")
}

// applyRecordFlags overrides cfg with the flags set on the command line.
func applyRecordFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Session.Name, _ = flags.GetString("name")
	}
	if flags.Changed("address") {
		cfg.Session.Address, _ = flags.GetString("address")
	}
	if flags.Changed("performer") {
		cfg.Record.PerformerID, _ = flags.GetInt("performer")
	}
	if flags.Changed("location") {
		cfg.Record.Location, _ = flags.GetString("location")
	}
	if flags.Changed("record-id") {
		cfg.Record.RecordID, _ = flags.GetInt("record-id")
	}
	if flags.Changed("records") {
		cfg.Record.Records, _ = flags.GetInt("records")
	}
	if flags.Changed("pause") {
		cfg.Record.Pause, _ = flags.GetDuration("pause")
	}
}

func sessionOptions(cfg *config.Config, handlers ...stream.Handler) session.Options {
	return session.Options{
		Filter:             scanner.Filter{Name: cfg.Session.Name, Address: cfg.Session.Address},
		ServiceUUID:        cfg.Session.Service,
		CharacteristicUUID: cfg.Session.Characteristic,
		MTU:                cfg.Session.MTU,
		MaxAttempts:        cfg.Session.MaxAttempts,
		SetupTimeout:       cfg.Session.SetupTimeout,
		StreamBuffer:       cfg.Session.StreamBuffer,
		Handlers:           handlers,
	}
}

func sampleOptions(cfg *config.Config) framer.SampleOptions {
	return framer.SampleOptions{
		Windows:        cfg.Sampling.Windows,
		WindowDuration: cfg.Sampling.WindowDuration,
		PollInterval:   cfg.Sampling.PollInterval,
		SmallQuota:     cfg.Sampling.SmallQuota,
		LargeQuota:     cfg.Sampling.LargeQuota,
	}
}

// sessionWatcher renders session events and tracks connection milestones.
type sessionWatcher struct {
	progress      *ProgressPrinter
	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan error
}

func newSessionWatcher(progress *ProgressPrinter) *sessionWatcher {
	return &sessionWatcher{
		progress:  progress,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

func (w *sessionWatcher) watch(events <-chan session.Event) {
	for ev := range events {
		w.progress.SetPhase(ev.State.String())
		w.progress.Println(formatEvent(ev))

		switch {
		case ev.Kind == session.KindSuccess && ev.State == device.Connected && ev.Record == nil:
			w.connectedOnce.Do(func() { close(w.connected) })
		case ev.Kind == session.KindError && ev.State == device.Failed:
			err := ev.Err
			if err == nil {
				err = errors.New(ev.Message)
			}
			w.fail(fmt.Errorf("%w: %s: %w", ErrSessionFailed, ev.Message, err))
		case ev.Kind == session.KindSuccess && ev.State == device.Disconnected && ev.Message != session.MsgConnectionReleased:
			// the peripheral closed the link; only CloseConnection ends a session quietly
			w.fail(fmt.Errorf("%w: %s disconnected", ErrSessionFailed, ev.DeviceName))
		}
	}
}

func (w *sessionWatcher) fail(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRecordFlags(cmd, cfg)
	if err := errors.Join(cfg.Validate(), cfg.ValidateRecording()); err != nil {
		return err
	}
	logger := cfg.NewLogger()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	bus := eventbus.New[session.Event](eventBusBuffer, logger)
	defer bus.Close()
	events := bus.Subscribe()

	collector := framer.NewCollector(cfg.Sampling.BufferCapacity, logger)
	assembler := record.NewAssembler(record.Metadata{
		PerformerID: cfg.Record.PerformerID,
		Location:    cfg.Record.Location,
		RecordID:    cfg.Record.RecordID,
	}, record.StaticLocation{
		Latitude:  cfg.Record.Latitude,
		Longitude: cfg.Record.Longitude,
		Altitude:  cfg.Record.Altitude,
	}, time.Now())

	var controller *session.Controller
	recCfg := recorder.Config{
		Collector: collector,
		Assembler: assembler,
		Store:     p.store,
		Publisher: recorder.PublisherFunc(func(ev session.Event) { controller.Publish(ev) }),
		Sample:    sampleOptions(cfg),
		Records:   cfg.Record.Records,
		Pause:     cfg.Record.Pause,
	}
	if p.deliverer != nil {
		recCfg.Deliverer = p.deliverer
		recCfg.Outbox = p.outbox
	}
	rec := recorder.New(recCfg, logger)

	adapter := goble.NewAdapter(goble.Options{DialTimeout: cfg.Session.DialTimeout}, logger)
	defer adapter.Close()

	controller = session.New(adapter, bus, sessionOptions(cfg, rec.Handler()), logger)
	defer controller.Close()

	if p.deliverer != nil {
		resender, err := p.resender(cfg, logger)
		if err != nil {
			return err
		}
		if err := resender.Start(ctx); err != nil {
			return err
		}
		defer resender.Stop()
	}

	progress := NewProgressPrinter(os.Stdout, "Recording from "+sessionOptions(cfg).Filter.String(), "starting")
	progress.Start()
	defer progress.Stop()

	watcher := newSessionWatcher(progress)
	go watcher.watch(events.C())

	if err := controller.StartReceiving(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		controller.CloseConnection()
		return ctx.Err()
	case err := <-watcher.failed:
		return err
	case <-watcher.connected:
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var sessionErr error
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case sessionErr = <-watcher.failed:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	runErr := rec.Run(runCtx)
	cancelRun()
	<-watchDone
	controller.CloseConnection()

	printSummary(progress, rec.Stats(), p.outbox.Len(), logger)

	if sessionErr != nil {
		return sessionErr
	}
	return runErr
}

func printSummary(progress *ProgressPrinter, stats recorder.Stats, pending int, logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"recorded":  stats.Recorded,
		"delivered": stats.Delivered,
		"queued":    stats.Queued,
		"empty":     stats.Empty,
		"pending":   pending,
	}).Info("Recording finished")
	progress.Println(fmt.Sprintf("Recorded %d, delivered %d, queued %d, pending %d",
		stats.Recorded, stats.Delivered, stats.Queued, pending))
}
