package presenter

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/janvaani/pkg/call"
)

const clearScreen = "\x1b[H\x1b[2J"

// Controller is the surface the terminal needs from the call controller.
type Controller interface {
	Snapshot() call.Snapshot
	ToggleCall()
	AddListener(l call.StateListener)
}

// Terminal reads key presses from in and redraws the screen on out. Enter
// toggles the call; "q" quits.
type Terminal struct {
	ctrl    Controller
	in      io.Reader
	out     io.Writer
	level   func() float64
	refresh time.Duration
	ansi    bool

	mu      sync.Mutex
	last    string
	changed chan struct{}
}

type TerminalOptions struct {
	// Level reports the playback level for the visualizer. Optional.
	Level func() float64
	// Refresh is how often the timer and visualizer are redrawn.
	Refresh time.Duration
	// ANSI clears the screen between frames.
	ANSI bool
}

func NewTerminal(ctrl Controller, in io.Reader, out io.Writer, opts TerminalOptions) *Terminal {
	if opts.Refresh <= 0 {
		opts.Refresh = 100 * time.Millisecond
	}
	if opts.Level == nil {
		opts.Level = func() float64 { return 0 }
	}
	t := &Terminal{
		ctrl:    ctrl,
		in:      in,
		out:     out,
		level:   opts.Level,
		refresh: opts.Refresh,
		ansi:    opts.ANSI,
		changed: make(chan struct{}, 1),
	}
	ctrl.AddListener(call.ListenerFunc(func(call.StateChange) { t.notify() }))
	return t
}

func (t *Terminal) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// Run draws until ctx ends, the input closes or the user quits.
func (t *Terminal) Run(ctx context.Context) error {
	quit := make(chan struct{})
	go t.readInput(quit)

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	t.draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return nil
		case <-t.changed:
			t.draw()
		case <-ticker.C:
			t.draw()
		}
	}
}

func (t *Terminal) readInput(quit chan<- struct{}) {
	defer close(quit)
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "q", "quit", "exit":
			return
		default:
			t.ctrl.ToggleCall()
			t.notify()
		}
	}
}

// draw writes a frame when it differs from the previous one.
func (t *Terminal) draw() {
	frame := Render(t.ctrl.Snapshot(), t.level())
	t.mu.Lock()
	defer t.mu.Unlock()
	if frame == t.last {
		return
	}
	first := t.last == ""
	t.last = frame
	if t.ansi {
		_, _ = io.WriteString(t.out, clearScreen)
	} else if !first {
		_, _ = io.WriteString(t.out, "\n")
	}
	_, _ = io.WriteString(t.out, frame)
}
