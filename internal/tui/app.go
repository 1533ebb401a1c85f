// internal/tui/app.go
//
// The watch screen follows a running (or finished) session from its status
// file. It is a bubbletea program, so state changes only happen in Update:
//
// file change -> changedMsg -> load -> statusMsg -> Update -> View

package tui

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/concord/internal/logbook"
	"github.com/kingrea/concord/internal/status"
)

const journalLines = 8

type statusMsg struct {
	status status.Status
	err    error
}

type changedMsg struct{}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithJournal shows the tail of the coordination journal under the status.
func WithJournal(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.journal = lb
	}
}

// WithChanges reloads the status file whenever ch delivers a signal.
func WithChanges(ch <-chan struct{}) AppOption {
	return func(a *App) {
		a.changes = ch
	}
}

// WithLoader overrides how the status file is read.
func WithLoader(load func(path string) (status.Status, error)) AppOption {
	return func(a *App) {
		if load != nil {
			a.load = load
		}
	}
}

// App is the watch screen model.
type App struct {
	path    string
	journal *logbook.Logbook
	changes <-chan struct{}
	load    func(path string) (status.Status, error)
	spinner spinner.Model

	status status.Status
	loaded bool
	err    error
	width  int
	height int
}

// NewApp creates a watch screen for the status file at path.
func NewApp(path string, opts ...AppOption) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	a := &App{
		path:    path,
		load:    status.Load,
		spinner: sp,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.reload(), a.listen())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.status = msg.status
		a.loaded = true
		return a, nil

	case changedMsg:
		return a, tea.Batch(a.reload(), a.listen())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "r":
			return a, a.reload()
		}
	}
	return a, nil
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	sections := []string{a.renderHeader()}
	switch {
	case a.loaded:
		sections = append(sections, Render(a.status, width))
	case a.err != nil && !errors.Is(a.err, status.ErrNoStatus) && !errors.Is(a.err, fs.ErrNotExist):
		sections = append(sections, warnStyle.Render("⚠ "+a.err.Error()))
	default:
		sections = append(sections, fmt.Sprintf("%s waiting for %s", a.spinner.View(), a.path))
	}
	if a.loaded && a.err != nil {
		sections = append(sections, warnStyle.Render("⚠ reload failed: "+a.err.Error()))
	}
	if panel := a.renderJournal(width); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, hintStyle.Render("r → reload    q → quit"))
	return strings.Join(sections, "\n")
}

// Status returns the last status record loaded, if any.
func (a *App) Status() (status.Status, bool) {
	return a.status, a.loaded
}

func (a *App) renderHeader() string {
	head := headerStyle.Render("◆ CONCORD")
	switch {
	case !a.loaded:
		return head
	case a.status.Resolved() && a.status.Coordination.CompletionPercentage >= 100:
		return head + "  " + winStyle.Render("resolved")
	default:
		return head + "  " + a.spinner.View() + " " + mutedStyle.Render(a.status.Coordination.Phase)
	}
}

func (a *App) renderJournal(width int) string {
	if a.journal == nil {
		return ""
	}
	lines, total := a.journal.Tail(journalLines)
	if len(lines) == 0 {
		return ""
	}
	name := filepath.Base(a.journal.Path())
	head := titleStyle.Render(fmt.Sprintf("LOG · %s (%d)", name, total))
	for i, line := range lines {
		lines[i] = truncate(line, max(20, width-6))
	}
	body := hintStyle.Render(strings.Join(lines, "\n"))
	return boxStyle.Render(head + "\n" + body)
}

func (a *App) reload() tea.Cmd {
	path := a.path
	load := a.load
	return func() tea.Msg {
		st, err := load(path)
		return statusMsg{status: st, err: err}
	}
}

func (a *App) listen() tea.Cmd {
	ch := a.changes
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}
