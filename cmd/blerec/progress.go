package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressPrinter keeps one status line with the elapsed time of the current
// phase. On anything but a terminal it prints nothing.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stdout, "Recording", "scanning")
//	p.Start()
//	defer p.Stop()
type ProgressPrinter struct {
	out     io.Writer
	prefix  string
	enabled bool

	phase      atomic.Value // string
	phaseStart atomic.Int64 // unix nanos

	// mu serializes writes to out with Println
	mu       sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer writing to out.
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		enabled:  isTerminal(out),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.SetPhase(phase)
	return p
}

// Start begins refreshing the status line.
func (p *ProgressPrinter) Start() {
	if !p.enabled {
		close(p.done)
		return
	}

	ticker := time.NewTicker(progressUpdateInterval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.redraw()
			}
		}
	}()
}

// SetPhase switches the phase and restarts its clock. Safe for concurrent use.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
	p.phaseStart.Store(time.Now().UnixNano())
}

// Println prints a line above the status line.
func (p *ProgressPrinter) Println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		fmt.Fprint(p.out, clearLineSequence)
	}
	fmt.Fprintln(p.out, a...)
}

func (p *ProgressPrinter) redraw() {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(time.Unix(0, p.phaseStart.Load())).Truncate(time.Second)
	fmt.Fprintf(p.out, "\r%s (%s %s)   ", p.prefix, p.phase.Load().(string), elapsed)
}

// Stop stops refreshing and clears the status line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
		if p.enabled {
			p.mu.Lock()
			fmt.Fprint(p.out, clearLineSequence)
			p.mu.Unlock()
		}
	})
}
