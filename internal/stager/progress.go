package stager

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/burakelmali/anisync/internal/util"
)

type tickMsg time.Time
type doneMsg struct{}

// ProgressModel renders a live download bar for the plain HTTP path.
// aria2c and yt-dlp draw their own progress, so this is only attached
// to the streamed fallback.
type ProgressModel struct {
	bar      progress.Model
	label    string
	mu       sync.Mutex
	received int64
	total    int64
	done     bool
}

// NewProgressModel creates a progress model labeled with the item title.
func NewProgressModel(label string) *ProgressModel {
	return &ProgressModel{
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		label: label,
	}
}

// Update is the ProgressFunc fed into Stage.
func (m *ProgressModel) Update(received, total int64) {
	m.mu.Lock()
	m.received = received
	m.total = total
	m.mu.Unlock()
}

// Finish marks the transfer complete, stopping the render loop.
func (m *ProgressModel) Finish() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
}

func (m *ProgressModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *ProgressModel) UpdateTea(msg tea.Msg) (*ProgressModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tickMsg:
		m.mu.Lock()
		done := m.done
		m.mu.Unlock()
		if done {
			return m, tea.Quit
		}
		return m, tick()
	case doneMsg:
		return m, tea.Quit
	case progress.FrameMsg:
		pm, cmd := m.bar.Update(msg)
		m.bar = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) View() string {
	m.mu.Lock()
	received, total := m.received, m.total
	m.mu.Unlock()

	var pct float64
	if total > 0 {
		pct = float64(received) / float64(total)
	}
	return fmt.Sprintf("%s\n%s %.1f/%.1f MB\n",
		m.label,
		m.bar.ViewAs(pct),
		float64(received)/(1024*1024),
		float64(total)/(1024*1024),
	)
}

// RunProgress drives the model in a goroutine and returns a stop function.
// When stdout is not a terminal the bar is skipped entirely.
func RunProgress(m *ProgressModel) (stop func()) {
	if stat, err := os.Stdout.Stat(); err != nil || stat.Mode()&os.ModeCharDevice == 0 {
		return func() { m.Finish() }
	}
	p := tea.NewProgram(teaAdapter{m})
	go func() {
		if _, err := p.Run(); err != nil {
			util.Debugf("progress ui exited: %v", err)
		}
	}()
	return func() {
		m.Finish()
		p.Quit()
	}
}

// teaAdapter bridges the pointer receiver model into tea.Model.
type teaAdapter struct{ m *ProgressModel }

func (a teaAdapter) Init() tea.Cmd { return a.m.Init() }
func (a teaAdapter) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	model, cmd := a.m.UpdateTea(msg)
	_ = model
	return a, cmd
}
func (a teaAdapter) View() string { return a.m.View() }
