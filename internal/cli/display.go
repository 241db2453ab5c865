package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/thruflo/itinerant/internal/session"
)

// formatView renders one progress line. The percentage is floored so the
// line never claims more than the bar has reached.
func formatView(v session.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%3d%%", int(math.Floor(v.ShownProgress)))
	if v.StageIcon != "" {
		b.WriteString(" " + v.StageIcon)
	}
	if v.StageMessage != "" {
		b.WriteString(" " + v.StageMessage)
	}
	if v.Agents.Total > 0 {
		fmt.Fprintf(&b, "  [%d/%d stages", v.Agents.Completed, v.Agents.Total)
		if v.Agents.Failed > 0 {
			fmt.Fprintf(&b, ", %d failed", v.Agents.Failed)
		}
		b.WriteString("]")
	}
	if v.Connection.Phase != "" {
		b.WriteString("  " + string(v.Connection.Phase))
	}
	if v.CanContinue {
		b.WriteString("  (manual continue available)")
	}
	if v.Warning != "" {
		b.WriteString("  warning: " + v.Warning)
	}
	return b.String()
}

// printer writes a line for every view that renders differently from the
// last one.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
	last string
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON}
}

func (p *printer) update(v session.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := formatView(v)
	if line == p.last {
		return
	}
	p.last = line

	if p.json {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) println(a ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return
	}
	fmt.Fprintln(p.out, a...)
}
