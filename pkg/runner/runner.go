package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the app lifetime. OnStart failing stops the run before
// the app is considered running.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer ends in-flight work, e.g. hanging up the current call.
type Drainer interface {
	Drain() error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

const AppVersion = "dev"

// PrintBanner writes the startup banner to w; nil disables it.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"JANVAANI\" \"\" 0 }}\nVersion: " + AppVersion + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
