package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/matzehuels/imgtier/pkg/controller"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

var (
	watchDoneStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	watchActiveStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	watchSkippedStyle = lipgloss.NewStyle().Foreground(colorYellow)
	watchDimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

// =============================================================================
// WatchModel - live view of one load
// =============================================================================

// stateMsg carries a controller state into the bubbletea loop.
type stateMsg controller.State

// doneMsg reports that the load and any follow-up jump have settled.
type doneMsg struct{}

type tickMsg time.Time

// WatchModel renders the stage ladder of a single load as it progresses.
type WatchModel struct {
	Label string
	State controller.State
	URLs  map[variant.Stage]string
	Done  bool

	states  <-chan controller.State
	cancel  func()
	started time.Time
	frame   int
}

// NewWatchModel creates a model fed by states until the channel is closed.
// cancel is called when the user quits before that.
func NewWatchModel(label string, initial controller.State, states <-chan controller.State, cancel func()) WatchModel {
	return WatchModel{
		Label:   label,
		State:   initial,
		URLs:    make(map[variant.Stage]string),
		states:  states,
		cancel:  cancel,
		started: time.Now(),
	}
}

func (m WatchModel) waitForState() tea.Msg {
	st, ok := <-m.states
	if !ok {
		return doneMsg{}
	}
	return stateMsg(st)
}

func tick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.waitForState, tick())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.Done && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case stateMsg:
		st := controller.State(msg)
		if st.Token < m.State.Token {
			return m, m.waitForState
		}
		m.State = st
		if st.Stage.Valid() && st.URL != "" {
			m.URLs[st.Stage] = st.URL
		}
		return m, m.waitForState
	case doneMsg:
		m.Done = true
		return m, tea.Quit
	case tickMsg:
		if m.Done {
			return m, nil
		}
		m.frame++
		return m, tick()
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(m.Label))
	b.WriteString(" ")
	b.WriteString(watchDimStyle.Render(fmt.Sprintf("%s network", m.State.Profile)))
	b.WriteString("\n\n")

	for _, s := range variant.Stages() {
		b.WriteString(m.stageLine(s))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	if !m.Done {
		b.WriteString(watchDimStyle.Render("q cancel"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m WatchModel) stageLine(s variant.Stage) string {
	cur := m.State.Stage
	name := fmt.Sprintf("%-11s", s)
	url := watchDimStyle.Render(m.URLs[s])

	switch {
	case s == cur:
		return watchActiveStyle.Render(iconActive+" "+name) + " " + url
	case s < cur && m.URLs[s] != "":
		return watchDoneStyle.Render(iconSuccess+" "+name) + " " + url
	case s < cur:
		return watchSkippedStyle.Render(iconWarning+" "+name) + " " + watchDimStyle.Render("skipped")
	case m.State.IsLoading:
		if s == cur.Next() {
			frame := spinnerFrames[m.frame%len(spinnerFrames)]
			return styleIconSpinner.Render(frame) + " " + name
		}
		return watchDimStyle.Render(iconPending + " " + name)
	default:
		return watchDimStyle.Render(iconPending + " " + name)
	}
}

func (m WatchModel) statusLine() string {
	elapsed := time.Since(m.started).Round(time.Millisecond)
	switch {
	case m.State.IsLoading:
		return watchDimStyle.Render(fmt.Sprintf("%s %s", m.State.Status, elapsed))
	case m.State.Status == sequencer.StatusComplete:
		return StyleSuccess.Render(iconSuccess+" complete") + " " + watchDimStyle.Render(elapsed.String())
	case m.State.Status == sequencer.StatusCancelled:
		return StyleWarning.Render(iconWarning + " cancelled")
	case m.State.Err != nil:
		return StyleError.Render(iconError+" "+m.State.Err.Message) + " " + watchDimStyle.Render(string(m.State.Err.Code))
	}
	return watchDimStyle.Render(m.State.Status.String())
}

// runWatch drives one load under a bubbletea program on stderr.
func runWatch(parent context.Context, st *stack, logger *log.Logger, label string, src variant.Source, opts sequencer.Options, jump variant.Stage) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// The program owns the terminal, so library logs are silenced while it runs.
	quiet := logger.With()
	quiet.SetLevel(log.FatalLevel)

	ctl := newController(st, quiet, label, controller.Callbacks{})
	defer ctl.Close()

	states := make(chan controller.State, 32)
	unsub := ctl.Subscribe(func(s controller.State) {
		select {
		case states <- s:
		case <-ctx.Done():
		}
	})
	initial := <-states

	// Wait returns only after every notification was delivered, so the
	// channel can be closed once the subscription is gone.
	driven := make(chan struct{})
	go func() {
		defer close(driven)
		defer close(states)
		defer unsub()

		ctl.Load(ctx, src, opts)
		ctl.Wait()
		if jump != variant.StageNone && ctx.Err() == nil {
			if err := ctl.JumpToStage(ctx, jump); err == nil {
				ctl.Wait()
			}
		}
	}()

	model := NewWatchModel(label, initial, states, cancel)
	final, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(os.Stderr)).Run()
	cancel()
	<-driven
	if parent.Err() != nil {
		return parent.Err()
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return imgerr.Wrap(imgerr.ErrCodeInternal, err, "watch view")
	}

	wm, _ := final.(WatchModel)
	if wm.Done && wm.State.Status == sequencer.StatusErrored && wm.State.Err != nil {
		return wm.State.Err
	}
	return nil
}
