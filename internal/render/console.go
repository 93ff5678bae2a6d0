package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/user/gterm/internal/protocol"
)

const timeLayout = "15:04:05"

// LineSink receives every line the console prints, e.g. for archiving.
// AppendLine runs on the caller's goroutine; wrap slow sinks in an Archiver.
type LineSink interface {
	AppendLine(ctx context.Context, at time.Time, text string) error
}

type ConsoleOptions struct {
	// Profile forces a colour profile. Zero means detect from the writer.
	Profile *termenv.Profile
	Filter  *Filter
	Sink    LineSink
	// Source is shown in the connect banner.
	Source string
}

// Console prints the remote console to a local terminal. It implements
// listener.Handler.
type Console struct {
	mu     sync.Mutex
	out    *termenv.Output
	asm    *Assembler
	filter *Filter
	sink   LineSink
	source string

	timeStyle   lipgloss.Style
	bannerStyle lipgloss.Style
	downStyle   lipgloss.Style
	errStyle    lipgloss.Style
	renderer    *lipgloss.Renderer
}

func NewConsole(w io.Writer, opts ConsoleOptions) *Console {
	var termOpts []termenv.OutputOption
	if opts.Profile != nil {
		termOpts = append(termOpts, termenv.WithProfile(*opts.Profile))
	}
	out := termenv.NewOutput(w, termOpts...)
	r := lipgloss.NewRenderer(w, termOpts...)
	if opts.Profile != nil {
		r.SetColorProfile(*opts.Profile)
	}

	return &Console{
		out:         out,
		asm:         NewAssembler(),
		filter:      opts.Filter,
		sink:        opts.Sink,
		source:      opts.Source,
		renderer:    r,
		timeStyle:   r.NewStyle().Foreground(lipgloss.Color("#ffaf00")),
		bannerStyle: r.NewStyle().Foreground(lipgloss.Color("#5fd75f")).Bold(true),
		downStyle:   r.NewStyle().Foreground(lipgloss.Color("#d70000")).Bold(true),
		errStyle:    r.NewStyle().Foreground(lipgloss.Color("#d70000")).Italic(true),
	}
}

func (c *Console) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.ClearScreen()
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.out, c.bannerStyle.Render(rule))
	fmt.Fprintln(c.out, c.bannerStyle.Render("gterm connected to "+c.source))
	fmt.Fprintln(c.out, c.bannerStyle.Render("Type a command and press enter to run it."))
	fmt.Fprintln(c.out, c.bannerStyle.Render(rule))
	fmt.Fprintln(c.out)
}

func (c *Console) OnDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushPartial()
	fmt.Fprintln(c.out, c.downStyle.Render("Disconnected"))
	fmt.Fprintln(c.out, "Waiting for connection...")
}

func (c *Console) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.errStyle.Render(Sanitize(err.Error())))
}

func (c *Console) OnLog(ev protocol.LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.asm.Push(ev) {
		c.printLine(line)
	}
}

// Clear wipes the terminal.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.ClearScreen()
}

// Notice prints a local status message outside the remote stream.
func (c *Console) Notice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.timeStyle.Render(msg))
}

// flushPartial prints a line the remote side never terminated.
func (c *Console) flushPartial() {
	if !c.asm.Pending() {
		return
	}
	for _, line := range c.asm.Push(protocol.LogEvent{Message: "\n"}) {
		c.printLine(line)
	}
}

func (c *Console) printLine(line Line) {
	text := line.Text()
	if strings.TrimSpace(text) == "" || c.filter.Excluded(text) {
		return
	}

	var b strings.Builder
	stamp := line.Time.Format(timeLayout)
	b.WriteString(c.timeStyle.Render(stamp))
	b.WriteString(" | ")
	for _, chunk := range line.Chunks {
		b.WriteString(c.renderer.NewStyle().
			Foreground(lipgloss.Color(chunk.Color.Hex())).
			Render(Sanitize(chunk.Text)))
	}
	fmt.Fprintln(c.out, b.String())

	if c.sink != nil {
		if err := c.sink.AppendLine(context.Background(), line.Time, stamp+" | "+Sanitize(text)); err != nil {
			slog.Warn("archive append failed", "error", err)
		}
	}
}
