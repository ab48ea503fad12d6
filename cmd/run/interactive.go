package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/timstableford/wasmoon"
	"github.com/timstableford/wasmoon/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#2F6FAB")).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	memStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#C8A2C8"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historyLimit = 50

type replEntry struct {
	input  string
	output string
	isErr  bool
}

type replModel struct {
	err      error
	lua      *wasmoon.Instance
	filename string
	memLimit uint64
	input    textinput.Model
	history  []replEntry
	busy     bool
}

type loadedMsg struct {
	err error
	lua *wasmoon.Instance
}

type evalMsg struct {
	entry replEntry
}

func newReplModel(filename string, memLimit uint64) *replModel {
	ti := textinput.New()
	ti.Prompt = "lua> "
	ti.Placeholder = "return 1 + 1"
	ti.Width = 72
	ti.Focus()
	return &replModel{
		filename: filename,
		memLimit: memLimit,
		input:    ti,
	}
}

func (m *replModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.load)
}

func (m *replModel) load() tea.Msg {
	ctx := context.Background()

	wasmBytes, err := os.ReadFile(m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}
	factory := wasmoon.NewFactory(wasmBytes, wasmoon.Config{})
	lua, err := factory.NewInstance(ctx, runtime.Config{MemoryMax: m.memLimit})
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{lua: lua}
}

// eval runs one REPL line. Lines are tried as expressions first so plain
// "1 + 1" prints its value, then as statements.
func (m *replModel) eval(source string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()

		if source == ":stack" {
			out := strings.Join(m.lua.DumpStack(ctx), "\n")
			if out == "" {
				out = "(empty)"
			}
			return evalMsg{entry: replEntry{input: source, output: out}}
		}

		results, err := m.lua.DoString(ctx, "return "+source)
		if err != nil {
			results, err = m.lua.DoString(ctx, source)
		}
		if err != nil {
			return evalMsg{entry: replEntry{input: source, output: err.Error(), isErr: true}}
		}

		parts := make([]string, len(results))
		for i, r := range results {
			parts[i] = formatValue(r)
		}
		out := strings.Join(parts, "\t")
		if out == "" {
			out = "ok"
		}
		return evalMsg{entry: replEntry{input: source, output: out}}
	}
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.lua != nil {
				_ = m.lua.Close(context.Background())
			}
			return m, tea.Quit

		case "enter":
			if m.lua == nil || m.busy {
				return m, nil
			}
			source := strings.TrimSpace(m.input.Value())
			if source == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.busy = true
			return m, m.eval(source)
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.lua = msg.lua
		return m, nil

	case evalMsg:
		m.busy = false
		m.history = append(m.history, msg.entry)
		if len(m.history) > historyLimit {
			m.history = m.history[len(m.history)-historyLimit:]
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *replModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Lua REPL"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if m.lua == nil {
		b.WriteString("Loading VM...\n")
		return b.String()
	}

	for _, e := range m.history {
		b.WriteString(inputStyle.Render("lua> " + e.input))
		b.WriteString("\n")
		if e.isErr {
			b.WriteString(errorStyle.Render(e.output))
		} else {
			b.WriteString(resultStyle.Render(e.output))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.busy {
		b.WriteString("running...\n")
	} else {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(memStyle.Render(fmt.Sprintf("memory %d / %d bytes", m.lua.MemoryUsed(), m.lua.MemoryMax())))
	b.WriteString("  ")
	b.WriteString(helpStyle.Render("enter eval • :stack dump • esc quit"))
	return b.String()
}

func runInteractive(filename string, memLimit uint64) error {
	p := tea.NewProgram(newReplModel(filename, memLimit), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
