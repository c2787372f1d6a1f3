// Package presenter draws the call screen in a terminal and forwards the
// user's call button presses to the controller.
package presenter

import (
	"fmt"
	"math"
	"strings"

	"github.com/harunnryd/janvaani/pkg/call"
)

const (
	Title        = "JanVaani AI"
	Header       = "+91 800-VAANI-AI"
	visualWidth  = 24
	levelCeiling = 0.3
)

// Status returns the line shown under the title for s.
func Status(s call.State) string {
	switch s {
	case call.StateIdle:
		return "Press the call button to start"
	case call.StateConnecting:
		return "Connecting..."
	case call.StateActive:
		return "You are connected"
	case call.StateEnded:
		return "Call Ended"
	default:
		return ""
	}
}

// Button returns the call button label for s.
func Button(s call.State) string {
	switch s {
	case call.StateIdle:
		return "[ Call ]"
	case call.StateConnecting:
		return "[ Cancel ]"
	case call.StateActive:
		return "[ Hang up ]"
	default:
		return "[ ... ]"
	}
}

// FormatTime renders seconds as zero padded MM:SS.
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Visualizer draws an RMS level as a bar. Levels at or above levelCeiling
// fill the bar.
func Visualizer(level float64) string {
	if math.IsNaN(level) || level < 0 {
		level = 0
	}
	n := int(math.Round(level / levelCeiling * visualWidth))
	if n > visualWidth {
		n = visualWidth
	}
	return "|" + strings.Repeat("#", n) + strings.Repeat(".", visualWidth-n) + "|"
}

// Render draws one frame of the call screen. level is the current output
// level in [0, 1] and only matters while a call is active.
func Render(s call.Snapshot, level float64) string {
	var b strings.Builder
	b.WriteString(Header + "\n\n")
	b.WriteString(Title + "\n")
	if s.State == call.StateActive || s.State == call.StateEnded {
		b.WriteString(FormatTime(s.Elapsed) + "\n")
	} else {
		b.WriteString("\n")
	}
	if s.State == call.StateActive {
		b.WriteString(Visualizer(level) + "\n")
	} else {
		b.WriteString("\n")
	}
	if s.Error != "" {
		b.WriteString("! " + s.Error + "\n")
	}
	b.WriteString(Status(s.State) + "\n")
	b.WriteString(Button(s.State) + "\n")
	return b.String()
}
