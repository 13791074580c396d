package prompt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/ticketflow/internal/errors"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	subjectStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			PaddingLeft(2)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#04B575"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

// Terminal asks on a TTY using a small bubbletea program.
type Terminal struct {
	in  *os.File
	out io.Writer
}

// NewTerminal creates a Terminal reading from in and drawing to out.
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

// Confirm implements Prompter. It fails with a ConfigurationError when in
// is not a terminal, since nobody could answer.
func (t *Terminal) Confirm(ctx context.Context, point Point, subject Subject) (Action, error) {
	if t.in == nil || !term.IsTerminal(int(t.in.Fd())) {
		return "", errors.NewConfigurationError("interactive mode needs a terminal on stdin", errors.ErrInvalidInput).
			WithField("orchestrator.mode")
	}
	p := tea.NewProgram(newModel(point, subject),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
		tea.WithContext(ctx),
	)
	final, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("confirmation prompt: %w", err)
	}
	m := final.(model)
	if m.chosen == "" {
		return ActionStop, nil
	}
	return m.chosen, nil
}

// model is the bubbletea model for one confirmation. Enter picks the
// action under the cursor, or the typed action name or shortcut letter.
type model struct {
	point   Point
	subject Subject
	actions []Action
	cursor  int
	input   textinput.Model
	errMsg  string
	chosen  Action
}

func newModel(point Point, subject Subject) model {
	ti := textinput.New()
	ti.Placeholder = "type an action or use the arrows"
	ti.CharLimit = 16
	ti.Width = 32
	ti.Focus()
	return model{
		point:   point,
		subject: subject,
		actions: point.Actions(),
		input:   ti,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.String() {
	case "ctrl+c", "esc":
		m.chosen = ActionStop
		return m, tea.Quit
	case "up":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down":
		if m.cursor < len(m.actions)-1 {
			m.cursor++
		}
		return m, nil
	case "enter":
		typed := strings.TrimSpace(m.input.Value())
		if typed == "" {
			m.chosen = m.actions[m.cursor]
			return m, tea.Quit
		}
		if a, ok := m.match(typed); ok {
			m.chosen = a
			return m, tea.Quit
		}
		m.errMsg = fmt.Sprintf("%q is not one of: %s", typed, m.actionNames())
		m.input.SetValue("")
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.errMsg = ""
	return m, cmd
}

// match resolves a full action name or its shortcut.
func (m model) match(s string) (Action, bool) {
	s = strings.ToLower(s)
	for _, a := range m.actions {
		if string(a) == s || s == string(a.Shortcut()) {
			return a, true
		}
	}
	return "", false
}

func (m model) actionNames() string {
	names := make([]string, len(m.actions))
	for i, a := range m.actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func (m model) View() string {
	if m.chosen != "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(strings.ReplaceAll(string(m.point), "_", " ")))
	b.WriteString("\n")
	if s := m.subject.String(); s != "" {
		b.WriteString(subjectStyle.Render(s))
		b.WriteString("\n")
	}
	for _, d := range m.subject.Details {
		b.WriteString(detailStyle.Render(d))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for i, a := range m.actions {
		line := fmt.Sprintf("[%c] %s", a.Shortcut(), a)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	if m.errMsg != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.errMsg))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select • enter confirm • esc stop"))
	return boxStyle.Render(b.String())
}
