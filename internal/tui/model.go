package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mohaanymo/sealdash/internal/engine"
	"github.com/mohaanymo/sealdash/internal/models"

	tea "github.com/charmbracelet/bubbletea"
)

// Messages
type (
	progressMsg engine.ProgressUpdate
	tickMsg     time.Time
	// ManifestMsg announces the parsed manifest.
	ManifestMsg struct{ Manifest *models.Manifest }
	// StageMsg announces a post-processing step (writing, converting).
	StageMsg struct{ Stage string }
	DoneMsg  struct {
		Output string
		Size   int64
		Info   string
	}
	ErrorMsg struct{ Err error }
)

// States
type appState int

const (
	stateLocating appState = iota
	stateFetching
	stateFinishing
	stateDone
	stateError
)

// Model renders the progress of one extraction.
type Model struct {
	state      appState
	width      int
	height     int
	frame      int
	source     string
	progressCh <-chan engine.ProgressUpdate

	manifest   *models.Manifest
	segments   []models.TaskState
	initState  models.TaskState
	done       int
	retries    int
	downloaded int64
	startTime  time.Time
	speed      float64
	eta        time.Duration
	stage      string
	result     DoneMsg
	err        error
}

// NewModel creates a model listening on progressCh. source names where
// exchanges come from, e.g. the HAR file.
func NewModel(progressCh <-chan engine.ProgressUpdate, source string) *Model {
	return &Model{
		source:     source,
		progressCh: progressCh,
		startTime:  time.Now(),
		state:      stateLocating,
		width:      80,
		height:     24,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.listenProgress(), tick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case ManifestMsg:
		m.manifest = msg.Manifest
		m.segments = make([]models.TaskState, msg.Manifest.SegmentCount)
		m.startTime = time.Now()
		m.state = stateFetching

	case progressMsg:
		m.handleProgress(engine.ProgressUpdate(msg))
		return m, m.listenProgress()

	case StageMsg:
		m.stage = msg.Stage
		m.state = stateFinishing

	case tickMsg:
		m.frame++
		m.updateSpeed()
		return m, tick()

	case DoneMsg:
		m.result = msg
		m.state = stateDone
		return m, tea.Quit

	case ErrorMsg:
		m.state = stateError
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewContent(w))

	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("🔓 sealdash")
	subtitle := dimStyle.Render(" - protected stream audio extractor")

	line1 := title + subtitle
	line2 := labelStyle.Render("source:") + " " + valueStyle.Render(truncate(m.source, w-12))
	if m.manifest != nil {
		line2 = fmt.Sprintf("%s %s  %s %s",
			labelStyle.Render("type:"), valueStyle.Render(m.manifest.Type.String()),
			labelStyle.Render("url:"), dimStyle.Render(truncate(m.manifest.URL, w-30)))
	}

	return headerStyle.Width(w).Render(line1 + "\n" + line2)
}

func (m *Model) viewContent(w int) string {
	var b strings.Builder

	if m.manifest != nil {
		b.WriteString(subtitleStyle.Render("Representation"))
		b.WriteString("\n\n")
		b.WriteString(m.renderRepresentation())
		b.WriteString("\n\n")
		b.WriteString(subtitleStyle.Render("Segments"))
		b.WriteString("\n\n")
		b.WriteString(m.renderSegments(w - 6))
		b.WriteString("\n")
		b.WriteString(m.renderOverallProgress(w - 6))
		b.WriteString("\n\n")
		b.WriteString(m.renderStats())
		b.WriteString("\n\n")
	}
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderRepresentation() string {
	rep := m.manifest.Representation
	info := rep.ID
	if rep.Codecs != "" {
		info += " " + dimStyle.Render("•") + " " + rep.Codecs
	}
	if rep.Language != "" {
		info += " " + dimStyle.Render("•") + " " + rep.Language
	}
	if rep.Bandwidth > 0 {
		info += " " + dimStyle.Render("•") + " " + fmt.Sprintf("%d kbps", rep.Bandwidth/1000)
	}

	var b strings.Builder
	b.WriteString(audioBadge.Render("AUDIO"))
	b.WriteString(" ")
	if rep.Label != "" {
		b.WriteString(labelBadge.Render(rep.Label))
		b.WriteString(" ")
	}
	b.WriteString(normalStyle.Render(info))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("key: ") + dimStyle.Render(truncate(m.manifest.KeyRef.String(), 60)))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render("iv: ") + dimStyle.Render(m.manifest.IV.String()))
	return b.String()
}

// renderSegments draws one cell per segment, or per run of segments when
// there are more segments than columns. A cell shows the least advanced
// state of the segments it covers.
func (m *Model) renderSegments(w int) string {
	n := len(m.segments)
	if n == 0 {
		return ""
	}
	cells := clamp(n, 1, w)

	var b strings.Builder
	for c := 0; c < cells; c++ {
		lo, hi := c*n/cells, (c+1)*n/cells
		if hi <= lo {
			hi = lo + 1
		}
		state := models.TaskDecrypted
		for _, s := range m.segments[lo:hi] {
			if s == models.TaskFailed {
				state = models.TaskFailed
				break
			}
			if s < state {
				state = s
			}
		}
		b.WriteString(cellStyle(state).Render(cellGlyph(state)))
	}
	return b.String()
}

func (m *Model) renderOverallProgress(w int) string {
	var b strings.Builder

	pct := 0.0
	if len(m.segments) > 0 {
		pct = float64(m.done) / float64(len(m.segments))
	}

	barWidth := clamp(w-20, 20, 80)
	filled := clamp(int(pct*float64(barWidth)), 0, barWidth)
	empty := barWidth - filled

	bar := progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", empty))
	b.WriteString(bar)
	b.WriteString(" ")
	b.WriteString(statValueStyle.Render(fmt.Sprintf("%.1f%%", pct*100)))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d/%d)", m.done, len(m.segments))))

	return b.String()
}

func (m *Model) renderStats() string {
	stats := []struct {
		label string
		value string
	}{
		{"Speed", humanize.Bytes(uint64(m.speed)) + "/s"},
		{"Downloaded", humanize.Bytes(uint64(m.downloaded))},
		{"Retries", humanize.Comma(int64(m.retries))},
		{"Elapsed", formatDuration(time.Since(m.startTime))},
		{"ETA", formatDuration(m.eta)},
	}

	var parts []string
	for _, s := range stats {
		part := statLabelStyle.Render(s.label+": ") + statValueStyle.Render(s.value)
		parts = append(parts, part)
	}

	return strings.Join(parts, "  ")
}

func (m *Model) renderStatus() string {
	spin := spinnerStyle.Render(spinner[m.frame%len(spinner)])
	switch m.state {
	case stateLocating:
		return spin + dimStyle.Render(" waiting for the manifest...")
	case stateFetching:
		if m.initState != models.TaskDecrypted && m.manifest != nil && m.manifest.InitURL != "" {
			return spin + dimStyle.Render(" fetching init segment...")
		}
		return spin + dimStyle.Render(" fetching and decrypting segments...")
	case stateFinishing:
		return spin + warningStyle.Render(" "+m.stage+"...")
	case stateDone:
		s := successStyle.Render("✓ saved " + m.result.Output)
		if m.result.Size > 0 {
			s += dimStyle.Render(" (" + humanize.Bytes(uint64(m.result.Size)) + ")")
		}
		if m.result.Info != "" {
			s += "\n" + dimStyle.Render(m.result.Info)
		}
		return s
	case stateError:
		return errorStyle.Render(fmt.Sprintf("✗ error: %v", m.err))
	}
	return ""
}

func (m *Model) renderHelp() string {
	return helpStyle.Render(
		keyHelpStyle.Render("q") + " quit  " +
			keyHelpStyle.Render("ctrl+c") + " cancel",
	)
}

func (m *Model) handleProgress(p engine.ProgressUpdate) {
	m.downloaded += p.Bytes
	if p.Err != nil && p.State != models.TaskFailed {
		m.retries++
	}

	if p.Index < 0 {
		m.initState = p.State
		return
	}
	if p.Index >= len(m.segments) {
		return
	}
	if p.State == models.TaskDecrypted && m.segments[p.Index] != models.TaskDecrypted {
		m.done++
	}
	m.segments[p.Index] = p.State
}

func (m *Model) updateSpeed() {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed > 0 {
		m.speed = float64(m.downloaded) / elapsed
	}

	remaining := len(m.segments) - m.done
	if m.speed > 0 && remaining > 0 && m.done > 0 {
		avgSegSize := float64(m.downloaded) / float64(m.done)
		m.eta = time.Duration(float64(remaining) * avgSegSize / m.speed * float64(time.Second))
	}
}

func (m *Model) listenProgress() tea.Cmd {
	return func() tea.Msg {
		p, ok := <-m.progressCh
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
