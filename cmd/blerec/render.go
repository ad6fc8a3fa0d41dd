package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blerec/internal/session"
)

var (
	loadingColor = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	recordColor  = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed)
)

// formatEvent renders one session event as a single line.
func formatEvent(ev session.Event) string {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	prefix := at.Format(time.TimeOnly)
	if ev.Attempt > 1 {
		prefix += fmt.Sprintf(" [attempt %d]", ev.Attempt)
	}

	switch {
	case ev.Kind == session.KindError:
		line := ev.Message
		if ev.Err != nil {
			line += ": " + ev.Err.Error()
		}
		return prefix + " " + errorColor.Sprint("✗ "+line)

	case ev.Record != nil:
		small, large := ev.Record.Counts()
		return prefix + " " + recordColor.Sprintf("● record %s: %d small, %d large packets",
			ev.Record.Timestamp(), small, large)

	case ev.Kind == session.KindSuccess:
		line := ev.State.String()
		if ev.Message != "" {
			line = ev.Message
		}
		if ev.DeviceName != "" {
			line += " (" + ev.DeviceName + ")"
		}
		return prefix + " " + successColor.Sprint("✓ "+line)

	default:
		line := ev.Message
		if len(ev.Devices) > 0 {
			names := make([]string, 0, len(ev.Devices))
			for _, d := range ev.Devices {
				names = append(names, d.DisplayName())
			}
			line += ": " + strings.Join(names, ", ")
		}
		return prefix + " " + loadingColor.Sprint("… "+line)
	}
}
