// Package progress writes the console status lines and progress bars of a
// run. On a terminal bars redraw in place; otherwise (or with Plain) only
// uncoloured lines are written so logs and CI output stay readable.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// Options configures a Reporter.
type Options struct {
	// Plain disables bars and colour even on a terminal.
	Plain bool
	// Width is the bar width in cells. Defaults to 40.
	Width int
}

// Reporter writes status output to one writer.
type Reporter struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	width       int
}

// New creates a reporter on out.
func New(out io.Writer, opts Options) *Reporter {
	if opts.Width <= 0 {
		opts.Width = 40
	}
	return &Reporter{
		out:         out,
		interactive: !opts.Plain && IsTerminal(out),
		width:       opts.Width,
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Interactive reports whether bars are drawn.
func (r *Reporter) Interactive() bool { return r.interactive }

// Stage announces the start of a pipeline stage.
func (r *Reporter) Stage(format string, args ...any) {
	r.println(r.style(stageStyle, "==> ") + fmt.Sprintf(format, args...))
}

// Info writes an indented detail line under the current stage.
func (r *Reporter) Info(format string, args ...any) {
	r.println("    " + r.style(dimStyle, fmt.Sprintf(format, args...)))
}

// Success writes the final success line.
func (r *Reporter) Success(format string, args ...any) {
	r.println(r.style(successStyle, "✓ ") + fmt.Sprintf(format, args...))
}

// Failure writes the final error line.
func (r *Reporter) Failure(err error) {
	r.println(r.style(errorStyle, "✗ Error: ") + err.Error())
}

func (r *Reporter) style(s lipgloss.Style, text string) string {
	if !r.interactive {
		return text
	}
	return s.Render(text)
}

func (r *Reporter) println(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}

// Track starts a bar for total units of work.
func (r *Reporter) Track(label string, total int) *Tracker {
	t := &Tracker{
		r:     r,
		label: label,
		total: total,
		last:  -1,
	}
	if r.interactive {
		t.bar = progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(r.width),
			progress.WithoutPercentage(),
		)
	}
	t.Set(0)
	return t
}

// Tracker is one progress bar.
type Tracker struct {
	r     *Reporter
	bar   progress.Model
	label string
	total int
	done  int
	// last is the last printed decile in plain mode.
	last     int
	finished bool
}

// Set records done units and redraws.
func (t *Tracker) Set(done int) {
	if t.finished {
		return
	}
	t.done = min(max(done, 0), t.total)
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if t.r.interactive {
		fmt.Fprintf(t.r.out, "\r%s %s %s", labelStyle.Render(t.label), t.bar.ViewAs(t.ratio()), dimStyle.Render(t.count()))
		return
	}
	decile := 10
	if t.total > 0 {
		decile = t.done * 10 / t.total
	}
	if decile > t.last {
		t.last = decile
		fmt.Fprintf(t.r.out, "    %s %s (%.0f%%)\n", t.label, t.count(), t.ratio()*100)
	}
}

// Increment adds one unit.
func (t *Tracker) Increment() { t.Set(t.done + 1) }

// Done fills the bar and ends its line.
func (t *Tracker) Done() {
	if t.finished {
		return
	}
	t.Set(t.total)
	t.finished = true
	if t.r.interactive {
		t.r.mu.Lock()
		fmt.Fprintln(t.r.out)
		t.r.mu.Unlock()
	}
}

func (t *Tracker) ratio() float64 {
	if t.total == 0 {
		return 1
	}
	return float64(t.done) / float64(t.total)
}

func (t *Tracker) count() string {
	return fmt.Sprintf("%d/%d", t.done, t.total)
}
