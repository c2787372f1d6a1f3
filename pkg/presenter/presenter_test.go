package presenter

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/janvaani/pkg/call"
)

func TestFormatTime(t *testing.T) {
	cases := map[int]string{0: "00:00", 3: "00:03", 59: "00:59", 61: "01:01", 600: "10:00", -4: "00:00"}
	for in, want := range cases {
		if got := FormatTime(in); got != want {
			t.Fatalf("FormatTime(%d)=%q want %q", in, got, want)
		}
	}
}

func TestRenderPerState(t *testing.T) {
	idle := Render(call.Snapshot{State: call.StateIdle}, 0)
	if !strings.Contains(idle, "Press the call button to start") || !strings.Contains(idle, "[ Call ]") {
		t.Fatalf("unexpected idle frame:\n%s", idle)
	}
	if strings.Contains(idle, "00:00") {
		t.Fatalf("timer should be hidden while idle")
	}

	active := Render(call.Snapshot{State: call.StateActive, Elapsed: 65}, 0.15)
	for _, want := range []string{Title, "You are connected", "01:05", "[ Hang up ]", "|############............|"} {
		if !strings.Contains(active, want) {
			t.Fatalf("expected %q in active frame:\n%s", want, active)
		}
	}

	ended := Render(call.Snapshot{State: call.StateEnded, Elapsed: 3, Error: "Connection error. Please try again."}, 1)
	for _, want := range []string{"Call Ended", "00:03", "[ ... ]", "! Connection error. Please try again."} {
		if !strings.Contains(ended, want) {
			t.Fatalf("expected %q in ended frame:\n%s", want, ended)
		}
	}
	if strings.Contains(ended, "|#") {
		t.Fatalf("visualizer should be hidden after the call")
	}

	if got := Render(call.Snapshot{State: call.StateConnecting}, 0); !strings.Contains(got, "Connecting...") || !strings.Contains(got, "[ Cancel ]") {
		t.Fatalf("unexpected connecting frame:\n%s", got)
	}
}

func TestVisualizerClamps(t *testing.T) {
	if got := Visualizer(5); got != "|"+strings.Repeat("#", visualWidth)+"|" {
		t.Fatalf("expected full bar, got %q", got)
	}
	if got := Visualizer(-1); got != "|"+strings.Repeat(".", visualWidth)+"|" {
		t.Fatalf("expected empty bar, got %q", got)
	}
}

type fakeController struct {
	mu        sync.Mutex
	snap      call.Snapshot
	toggles   int
	listeners []call.StateListener
}

func (f *fakeController) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) ToggleCall() {
	f.mu.Lock()
	f.toggles++
	f.snap.State = call.StateConnecting
	listeners := append([]call.StateListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l.OnStateChange(call.StateChange{From: call.StateIdle, To: call.StateConnecting})
	}
}

func (f *fakeController) AddListener(l call.StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestTerminalTogglesAndQuits(t *testing.T) {
	ctrl := &fakeController{}
	out := &syncBuffer{}
	pr, pw := io.Pipe()
	term := NewTerminal(ctrl, pr, out, TerminalOptions{Refresh: 5 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- term.Run(context.Background()) }()

	_, _ = pw.Write([]byte("\n"))
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "Connecting...") {
		if time.Now().After(deadline) {
			t.Fatalf("expected redraw after toggle, got:\n%s", out.String())
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, _ = pw.Write([]byte("q\n"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected quit")
	}
	if ctrl.toggles != 1 {
		t.Fatalf("expected one toggle, got %d", ctrl.toggles)
	}
	if !strings.Contains(out.String(), "Press the call button to start") {
		t.Fatalf("expected initial idle frame")
	}
}
