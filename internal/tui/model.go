// Package tui is the terminal control surface: three parameter sliders, the
// committed radial curve and the recent edit log, talking to shellsim over HTTP.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/ncruces/go-strftime"

	"github.com/talgya/shellcloud/internal/client"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/shells"
)

// Backend is the subset of client.Client the UI needs.
type Backend interface {
	Status(ctx context.Context) (*client.Status, error)
	Params(ctx context.Context) (*client.ParamsView, error)
	Solution(ctx context.Context) (*client.Solution, error)
	Shells(ctx context.Context) (*shells.Set, error)
	History(ctx context.Context, limit int) ([]client.Edit, error)
	ProposeChange(ctx context.Context, f params.Field, value float64) (*session.Result, error)
}

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	title   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
)

const (
	historyRows = 6
	sliderWidth = 24
	plotHeight  = 8
)

type (
	tickMsg   time.Time
	statusMsg struct {
		status *client.Status
		err    error
	}
	limitsMsg struct {
		view *client.ParamsView
		err  error
	}
	solutionMsg struct {
		sol *client.Solution
		err error
	}
	shellsMsg struct {
		set *shells.Set
		err error
	}
	historyMsg struct {
		edits []client.Edit
		err   error
	}
	editMsg struct {
		seq    uint64
		field  params.Field
		value  float64
		result *session.Result
		err    error
	}
)

// Model is the bubbletea model. At most one edit is in flight. Nudges made
// while it is outstanding only update pending and are sent, latest value per
// field, once the response arrives.
type Model struct {
	backend Backend
	refresh time.Duration
	timeout time.Duration

	committed params.Params
	limits    params.Limits
	cursor    int

	status  *client.Status
	sol     *client.Solution
	shells  *shells.Set
	history []client.Edit

	sent     uint64
	inflight bool
	queued   []params.Field
	pending  map[params.Field]float64

	message string
	msgErr  bool
	online  bool
	width   int
}

// New creates a Model that polls b every refresh.
func New(b Backend, refresh, timeout time.Duration) Model {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Model{
		backend: b,
		refresh: refresh,
		timeout: timeout,
		limits:  params.DefaultLimits(),
		pending: make(map[params.Field]float64),
		width:   80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchLimits(), m.fetchStatus(), m.fetchSolution(), m.fetchHistory(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m Model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		s, err := m.backend.Status(ctx)
		return statusMsg{status: s, err: err}
	}
}

func (m Model) fetchLimits() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		v, err := m.backend.Params(ctx)
		return limitsMsg{view: v, err: err}
	}
}

func (m Model) fetchSolution() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		s, err := m.backend.Solution(ctx)
		return solutionMsg{sol: s, err: err}
	}
}

// The shell set is refetched after each solution; both change on every commit.
func (m Model) fetchShells() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		s, err := m.backend.Shells(ctx)
		return shellsMsg{set: s, err: err}
	}
}

func (m Model) fetchHistory() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		h, err := m.backend.History(ctx, historyRows)
		return historyMsg{edits: h, err: err}
	}
}

func (m Model) propose(seq uint64, f params.Field, v float64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		res, err := m.backend.ProposeChange(ctx, f, v)
		return editMsg{seq: seq, field: f, value: v, result: res, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchStatus(), m.tick())

	case statusMsg:
		if msg.err != nil {
			m.online = false
			m.setError("status: " + msg.err.Error())
			return m, nil
		}
		m.online = true
		prevVersion := uint64(0)
		if m.status != nil {
			prevVersion = m.status.Version
		}
		m.status = msg.status
		if len(m.pending) == 0 {
			m.committed = msg.status.Params
		}
		// Another source committed an edit since the last poll.
		if msg.status.Version != prevVersion && prevVersion != 0 {
			return m, tea.Batch(m.fetchSolution(), m.fetchHistory())
		}
		return m, nil

	case limitsMsg:
		if msg.err != nil {
			slog.Warn("fetch limits failed", "error", msg.err)
			return m, nil
		}
		m.limits = msg.view.Limits
		if len(m.pending) == 0 {
			m.committed = msg.view.Params
		}
		return m, nil

	case solutionMsg:
		if msg.err != nil {
			slog.Warn("fetch solution failed", "error", msg.err)
			return m, nil
		}
		m.sol = msg.sol
		return m, m.fetchShells()

	case shellsMsg:
		if msg.err != nil {
			slog.Warn("fetch shells failed", "error", msg.err)
			return m, nil
		}
		m.shells = msg.set
		return m, nil

	case historyMsg:
		if msg.err != nil {
			slog.Warn("fetch history failed", "error", msg.err)
			return m, nil
		}
		m.history = msg.edits
		return m, nil

	case editMsg:
		return m.handleEdit(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(params.Fields)-1 {
			m.cursor++
		}
	case "left", "h":
		return m.nudge(-1)
	case "right", "l":
		return m.nudge(1)
	case "H", "shift+left":
		return m.nudge(-10)
	case "L", "shift+right":
		return m.nudge(10)
	case "r":
		return m, tea.Batch(m.fetchLimits(), m.fetchStatus(), m.fetchSolution(), m.fetchHistory())
	}
	return m, nil
}

// nudge moves the selected field by steps slider increments and proposes the
// new value. The value is clamped to the slider range only; n > l is left to
// the server so an invalid combination produces a visible rejection.
func (m Model) nudge(steps int) (tea.Model, tea.Cmd) {
	f := params.Fields[m.cursor]
	lo, hi := m.limits.Range(f)
	step := m.limits.Step(f)

	v := m.value(f) + float64(steps)*step
	v = math.Max(lo, math.Min(hi, v))
	if f == params.FieldZeta {
		v = math.Round(v/step) * step
	}
	if v == m.value(f) {
		return m, nil
	}

	m.pending[f] = v
	m.message = fmt.Sprintf("recomputing %s=%s", f, formatValue(f, v))
	m.msgErr = false
	if m.inflight {
		if !slices.Contains(m.queued, f) {
			m.queued = append(slices.Clone(m.queued), f)
		}
		return m, nil
	}
	return m, m.send(f)
}

// send proposes the pending value of f and marks it in flight.
func (m *Model) send(f params.Field) tea.Cmd {
	m.sent++
	m.inflight = true
	return m.propose(m.sent, f, m.pending[f])
}

// next sends the oldest queued field, or clears pending when nothing is left.
func (m *Model) next(done params.Field) tea.Cmd {
	pending := maps.Clone(m.pending)
	if !slices.Contains(m.queued, done) {
		delete(pending, done)
	}
	m.pending = pending
	if len(m.queued) == 0 {
		return nil
	}
	f := m.queued[0]
	m.queued = slices.Clone(m.queued[1:])
	return m.send(f)
}

func (m Model) handleEdit(msg editMsg) (tea.Model, tea.Cmd) {
	if msg.seq != m.sent {
		slog.Debug("dropping stale edit response", "seq", msg.seq, "sent", m.sent)
		return m, nil
	}
	m.inflight = false
	follow := m.next(msg.field)

	if msg.result != nil {
		m.committed = msg.result.Previous
		if msg.result.Accepted {
			m.committed = msg.result.Params
		}
	}

	switch {
	case msg.err == nil:
		m.message = fmt.Sprintf("%s=%s committed (%d points, E=%.5f)",
			msg.field, formatValue(msg.field, msg.value), msg.result.Points, msg.result.Eigenvalue)
		m.msgErr = false
		if msg.result.Degenerate {
			m.message += ", shells collapsed: more layers than grid points"
		}
	case errors.Is(msg.err, client.ErrRejected):
		m.message = "rejected: " + msg.result.Reason
		m.msgErr = true
	case errors.Is(msg.err, client.ErrRecomputeFailed):
		m.message = "recompute failed, previous cloud kept: " + msg.result.Reason
		m.msgErr = true
	default:
		m.message = "edit failed: " + msg.err.Error()
		m.msgErr = true
	}
	if follow != nil {
		return m, follow
	}
	return m, tea.Batch(m.fetchStatus(), m.fetchSolution(), m.fetchHistory())
}

func (m *Model) setError(s string) {
	m.message = s
	m.msgErr = true
}

// value is what the slider shows: the in-flight value if any, else the
// committed one.
func (m Model) value(f params.Field) float64 {
	if v, ok := m.pending[f]; ok {
		return v
	}
	return m.committed.Get(f)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(title.Render("shellcloud"))
	if m.status != nil {
		b.WriteString(dim.Render(fmt.Sprintf("  %s · session %s", m.status.Solver, shortID(m.status.SessionID))))
	}
	if !m.online {
		b.WriteString("  " + red.Render("offline"))
	}
	b.WriteString("\n\n")

	for i, f := range params.Fields {
		cursor := "  "
		label := dim.Render(fmt.Sprintf("%-5s", f))
		if i == m.cursor {
			cursor = cyan.Render("▸ ")
			label = white.Render(fmt.Sprintf("%-5s", f))
		}
		v := m.value(f)
		val := white.Render(fmt.Sprintf("%6s", formatValue(f, v)))
		if _, ok := m.pending[f]; ok {
			val = yellow.Render(fmt.Sprintf("%6s", formatValue(f, v)))
		}
		lo, hi := m.limits.Range(f)
		fmt.Fprintf(&b, "%s%s %s %s\n", cursor, label, slider(v, lo, hi), val)
	}
	b.WriteString("\n")

	if m.status != nil {
		s := m.status
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s %s\n",
			dim.Render("E"), magenta.Render(fmt.Sprintf("%.5f", s.Eigenvalue)),
			dim.Render("points"), white.Render(fmt.Sprintf("%d", s.Points)),
			dim.Render("layers"), white.Render(fmt.Sprintf("%d", s.Layers)),
			dim.Render("v"), white.Render(fmt.Sprintf("%d", s.Version)))
		fmt.Fprintf(&b, "%s\n", dimmer.Render(fmt.Sprintf("%s · %d commits, %d rejects, %d failures",
			s.State, s.Stats.Commits, s.Stats.Rejects, s.Stats.Failures)))
	}

	if m.shells != nil && m.shells.Len() > 0 {
		b.WriteString(dimmer.Render(shellSummary(m.shells)) + "\n")
	}

	if m.sol != nil && len(m.sol.Values) > 0 {
		b.WriteString("\n")
		b.WriteString(cyan.Render(m.plot()))
		b.WriteString("\n")
	}

	if m.message != "" {
		b.WriteString("\n")
		if m.msgErr {
			b.WriteString(red.Render(m.message))
		} else {
			b.WriteString(green.Render(m.message))
		}
		b.WriteString("\n")
	}

	if len(m.history) > 0 {
		b.WriteString("\n" + dim.Render("recent edits") + "\n")
		for _, e := range m.history {
			mark := green.Render("✓")
			if !e.Accepted {
				mark = yellow.Render("✗")
			}
			line := fmt.Sprintf("%s=%g → zeta=%.2f n=%d l=%d", e.Field, e.Value, e.Zeta, e.N, e.L)
			if e.Reason != "" {
				line += "  " + e.Reason
			}
			stamp := strftime.Format("%H:%M:%S", e.Time())
			fmt.Fprintf(&b, " %s %s %s\n", mark, dim.Render(stamp), dimmer.Render(truncate(line, m.width-14)))
		}
	}

	b.WriteString("\n" + dim.Render("↑↓ select · ←→ adjust · H/L ×10 · r refresh · q quit") + "\n")
	return b.String()
}

// plot draws r²R² (the radial probability density) of the committed curve.
func (m Model) plot() string {
	width := m.width - 12
	if width < 20 {
		width = 20
	}
	if width > 100 {
		width = 100
	}
	return asciigraph.Plot(density(m.sol, width),
		asciigraph.Height(plotHeight),
		asciigraph.Width(width),
		asciigraph.Precision(3),
		asciigraph.Caption(fmt.Sprintf("r²R²  %s", m.sol.Params)))
}

// density downsamples r²R² to at most n points by taking every k-th sample.
func density(sol *client.Solution, n int) []float64 {
	count := len(sol.Values)
	if len(sol.Radii) < count {
		count = len(sol.Radii)
	}
	k := 1
	if n > 0 && count > n {
		k = count / n
	}
	out := make([]float64, 0, count/k+1)
	for i := 0; i < count; i += k {
		r, v := sol.Radii[i], sol.Values[i]
		out = append(out, r*r*v*v)
	}
	return out
}

func shellSummary(set *shells.Set) string {
	radii := set.Radii()
	s := fmt.Sprintf("%d shells · stride %d · r %.3g…%.3g", set.Len(), set.Stride, radii[0], radii[len(radii)-1])
	if set.Degenerate {
		s += " · collapsed"
	}
	return s
}

func slider(v, lo, hi float64) string {
	pos := 0
	if hi > lo {
		pos = int(math.Round((v - lo) / (hi - lo) * float64(sliderWidth-1)))
	}
	pos = max(0, min(sliderWidth-1, pos))
	return dimmer.Render(strings.Repeat("─", pos)) + cyan.Render("●") + dimmer.Render(strings.Repeat("─", sliderWidth-1-pos))
}

func formatValue(f params.Field, v float64) string {
	if f == params.FieldZeta {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%d", int(v))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
