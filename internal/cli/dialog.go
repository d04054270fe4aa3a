package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// dialogResolver asks with a full-screen checklist.
type dialogResolver struct {
	in  io.Reader
	out io.Writer
}

func (r *dialogResolver) Resolve(ctx context.Context, conflicts []string) ([]string, error) {
	m := newConflictModel(conflicts)
	final, err := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(r.in),
		tea.WithOutput(r.out),
	).Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("conflict dialog failed: %w", err)
	}
	return final.(conflictModel).result()
}

type dialogKeys struct {
	Up       key.Binding
	Down     key.Binding
	Toggle   key.Binding
	All      key.Binding
	None     key.Binding
	Continue key.Binding
	Cancel   key.Binding
	Quit     key.Binding
}

func (k dialogKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Toggle, k.All, k.None, k.Continue, k.Cancel, k.Quit}
}

func (k dialogKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Toggle}, {k.All, k.None}, {k.Continue, k.Cancel, k.Quit}}
}

var defaultDialogKeys = dialogKeys{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Toggle:   key.NewBinding(key.WithKeys(" ", "x"), key.WithHelp("space", "toggle")),
	All:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "select all")),
	None:     key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "select none")),
	Continue: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "continue")),
	Cancel:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "skip all")),
	Quit:     key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "abort")),
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type dialogOutcome int

const (
	outcomePending dialogOutcome = iota
	outcomeContinue
	outcomeCancel
	outcomeQuit
)

// conflictModel is the bubbletea model: a checklist of conflicting names,
// all unselected initially, so the safe default is to overwrite nothing.
type conflictModel struct {
	conflicts []string
	selected  []bool
	cursor    int
	outcome   dialogOutcome
	keys      dialogKeys
	help      help.Model
}

func newConflictModel(conflicts []string) conflictModel {
	return conflictModel{
		conflicts: conflicts,
		selected:  make([]bool, len(conflicts)),
		keys:      defaultDialogKeys,
		help:      help.New(),
	}
}

func (m conflictModel) Init() tea.Cmd { return nil }

func (m conflictModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(km, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(km, m.keys.Down):
		if m.cursor < len(m.conflicts)-1 {
			m.cursor++
		}
	case key.Matches(km, m.keys.Toggle):
		m.selected = append([]bool(nil), m.selected...)
		m.selected[m.cursor] = !m.selected[m.cursor]
	case key.Matches(km, m.keys.All):
		m.selected = fill(len(m.conflicts), true)
	case key.Matches(km, m.keys.None):
		m.selected = fill(len(m.conflicts), false)
	case key.Matches(km, m.keys.Continue):
		m.outcome = outcomeContinue
		return m, tea.Quit
	case key.Matches(km, m.keys.Cancel):
		m.outcome = outcomeCancel
		return m, tea.Quit
	case key.Matches(km, m.keys.Quit):
		m.outcome = outcomeQuit
		return m, tea.Quit
	}
	return m, nil
}

func (m conflictModel) View() string {
	if m.outcome != outcomePending {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d file(s) already exist. Select the ones to overwrite:", len(m.conflicts))))
	b.WriteString("\n\n")

	for i, name := range m.conflicts {
		pointer := "  "
		if i == m.cursor {
			pointer = cursorStyle.Render("> ")
		}
		box := "[ ]"
		line := name
		if m.selected[i] {
			box = "[x]"
			line = selectedStyle.Render(name)
		}
		fmt.Fprintf(&b, "%s%s %s\n", pointer, box, line)
	}

	fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("%d of %d selected", m.count(), len(m.conflicts))))
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

func (m conflictModel) count() int {
	n := 0
	for _, s := range m.selected {
		if s {
			n++
		}
	}
	return n
}

// result converts the final model into a decision.
func (m conflictModel) result() ([]string, error) {
	switch m.outcome {
	case outcomeContinue:
		var names []string
		for i, s := range m.selected {
			if s {
				names = append(names, m.conflicts[i])
			}
		}
		return names, nil
	case outcomeCancel:
		return nil, nil
	case outcomeQuit:
		return nil, errPromptAborted
	default:
		return nil, errors.New("conflict dialog closed without a decision")
	}
}

func fill(n int, v bool) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}
