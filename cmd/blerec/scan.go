package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blerec/internal/device"
	"github.com/srg/blerec/internal/device/goble"
	"github.com/srg/blerec/internal/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for named Bluetooth Low Energy devices in the vicinity and list them
in the order they were discovered.

With --name or --address the scan stops as soon as that device is seen.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanName     string
	scanAddress  string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 0 in config scans until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Stop once a device with this name is seen")
	scanCmd.Flags().StringVarP(&scanAddress, "address", "a", "", "Stop once a device with this address is seen")
}

// discovered collects scan results in discovery order.
type discovered struct {
	mu      sync.Mutex
	devices *orderedmap.OrderedMap[string, device.Device]
	target  *device.Device
}

func newDiscovered() *discovered {
	return &discovered{devices: orderedmap.New[string, device.Device]()}
}

func (d *discovered) sink(ev device.Event) {
	if ev.Kind != device.EventScanResult {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices.Set(ev.Device.ID, ev.Device)
	if ev.Target {
		dev := ev.Device
		d.target = &dev
	}
}

func (d *discovered) list() []device.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.Device, 0, d.devices.Len())
	for pair := d.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.Session.ScanDuration
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}

	adapter := goble.NewAdapter(goble.Options{DialTimeout: cfg.Session.DialTimeout}, logger)
	defer adapter.Close()
	if err := adapter.Check(); err != nil {
		return err
	}

	baseCtx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		baseCtx, cancel = context.WithTimeout(baseCtx, duration)
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	found := newDiscovered()
	s := scanner.New(adapter, logger)
	filter := scanner.Filter{Name: scanName, Address: scanAddress}

	var scanErr error
	failed := make(chan error, 1)
	sink := func(ev device.Event) {
		if ev.Kind == device.EventScanFailed {
			select {
			case failed <- ev.Err:
			default:
			}
			return
		}
		found.sink(ev)
	}

	progress := NewProgressPrinter(os.Stdout, "Scanning for BLE devices", "scanning")
	progress.Start()
	if err := s.Start(ctx, filter, sink); err != nil {
		progress.Stop()
		return err
	}

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case scanErr = <-failed:
			break wait
		case <-ticker.C:
			if !s.Scanning() {
				break wait
			}
		}
	}
	s.Stop()
	progress.Stop()

	if scanErr != nil {
		return fmt.Errorf("scan failed: %w", scanErr)
	}
	if errors.Is(ctx.Err(), context.Canceled) && found.target == nil {
		fmt.Fprintln(os.Stdout, "\nScan interrupted")
	}
	if err := displayDevices(os.Stdout, found.list(), scanFormat); err != nil {
		return err
	}
	if filter.Targeted() && found.target == nil {
		fmt.Fprintf(os.Stdout, "Target %s not found\n", filter)
	}
	return nil
}

func displayDevices(w io.Writer, devices []device.Device, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tADDRESS\tRSSI\tSEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 64))
	for i, dev := range devices {
		name := dev.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d dBm\t%s\n",
			i+1, name, dev.ID, dev.RSSI, dev.DiscoveredAt.Format(time.TimeOnly))
	}
	return tw.Flush()
}
