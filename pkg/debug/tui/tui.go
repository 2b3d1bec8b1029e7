// Package tui implements the terminal UI: panes for source, disassembly,
// registers, stack and call stack, a command input with history, a log pane
// and a status line. Function keys trigger the stepping commands. All
// command processing is delegated to the cli package; the TUI only renders.
package tui

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/mkoberg/amidbg/pkg/debug/cli"
)

const maxLogMessages = 10

// MainScreen is the root of the TUI.
type MainScreen struct {
	app        *tview.Application
	cli        *cli.CLI
	log        *slog.Logger
	sourceView *tview.TextView
	disasmView *tview.TextView
	regView    *tview.TextView
	stackView  *tview.TextView
	callsView  *tview.TextView
	logView    *tview.TextView
	history    *tview.TextView
	input      *tview.InputField
	statusBar  *tview.TextView
	histLines  []string
}

// New builds the main screen for the given command processor. logWriter may
// be a writer created earlier with NewLogWriter so that log records emitted
// during startup end up in the log pane; it is attached to the pane here.
func New(commands *cli.CLI, log *slog.Logger, logWriter *PaneWriter) *MainScreen {
	s := &MainScreen{
		app: tview.NewApplication(),
		cli: commands,
		log: log,
	}
	s.sourceView = s.newPane("Source code")
	s.disasmView = s.newPane("Disassembled code")
	s.regView = s.newPane("Registers")
	s.stackView = s.newPane("Stack")
	s.callsView = s.newPane("Call Stack")
	s.logView = s.newPane("Log")
	if logWriter != nil {
		logWriter.attach(s.logView)
	}
	s.history = tview.NewTextView().SetScrollable(true)
	s.history.SetBorder(true)

	s.input = tview.NewInputField().SetLabel("> ")
	s.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			line := s.input.GetText()
			s.input.SetText("")
			s.runCommand(line)
		}
	})

	s.statusBar = tview.NewTextView()
	s.setStatus("* Idle *")

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.sourceView, 0, 1, false).
		AddItem(s.disasmView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.regView, 0, 1, false).
		AddItem(s.stackView, 0, 1, false).
		AddItem(s.callsView, 0, 1, false)
	views := tview.NewFlex().
		AddItem(left, 0, 2, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(views, 0, 1, false).
		AddItem(s.history, 10, 0, false).
		AddItem(s.input, 1, 0, true).
		AddItem(s.logView, maxLogMessages+2, 0, false).
		AddItem(s.statusBar, 1, 0, false)

	s.app.SetRoot(root, true).SetFocus(s.input)
	s.app.SetInputCapture(s.handleFunctionKeys)
	return s
}

func (s *MainScreen) newPane(title string) *tview.TextView {
	view := tview.NewTextView().SetText("*** NOT AVAILABLE ***")
	view.SetBorder(true).SetTitle(" " + title + " ")
	return view
}

// Run starts the UI event loop and blocks until the user quits.
func (s *MainScreen) Run() error {
	s.log.Info("Created main screen, starting event loop")
	return s.app.Run()
}

// handleFunctionKeys maps the function keys onto the stepping commands:
// F5 = continue, F10 = next, F11 = step, Shift+F10 = nexti,
// Shift+F11 = stepi.
func (s *MainScreen) handleFunctionKeys(event *tcell.EventKey) *tcell.EventKey {
	shift := event.Modifiers()&tcell.ModShift != 0
	switch event.Key() {
	case tcell.KeyF5:
		s.runCommand("cont")
	case tcell.KeyF10:
		if shift {
			s.runCommand("nexti")
		} else {
			s.runCommand("next")
		}
	case tcell.KeyF11:
		if shift {
			s.runCommand("stepi")
		} else {
			s.runCommand("step")
		}
	default:
		return event
	}
	return nil
}

func (s *MainScreen) runCommand(line string) {
	output, action, err := s.cli.Execute(line)
	s.appendHistory("> " + line)
	if output != "" {
		s.appendHistory(output)
	}
	if err != nil {
		s.log.Error("Fatal error, shutting down", "error", err)
		s.app.Stop()
		return
	}
	switch action {
	case cli.ActionQuit:
		s.app.Stop()
	case cli.ActionRedraw:
		s.updateViews()
	}
}

func (s *MainScreen) appendHistory(line string) {
	s.histLines = append(s.histLines, line)
	if len(s.histLines) > 64 {
		s.histLines = s.histLines[len(s.histLines)-64:]
	}
	s.history.SetText(strings.Join(s.histLines, "\n"))
	s.history.ScrollToEnd()
}

func (s *MainScreen) setStatus(status string) {
	s.statusBar.SetText(fmt.Sprintf(
		"F5 = continue, F10 = next, F11 = step, Shift + F10 = nexti, Shift + F11 = stepi    Status: %s", status))
}

// updateViews refreshes all panes from the latest target snapshot.
func (s *MainScreen) updateViews() {
	sess := s.cli.Session()
	info := sess.TargetInfo
	if info == nil {
		return
	}
	s.setStatus("* " + info.StatusString() + " *")
	s.sourceView.SetText(strings.Join(info.SourceView(sess.Program), "\n"))
	s.disasmView.SetText(strings.Join(info.DisasmView(sess.SyscallDecoder()), "\n"))
	s.regView.SetText(strings.Join(info.RegisterView(), "\n"))
	s.stackView.SetText(strings.Join(info.StackView(), "\n"))
	if info.IsRunning() {
		s.callsView.SetText(strings.Join(info.CallStackView(sess, sess.Program), "\n"))
	}
}

// NewLogWriter creates a writer for the log pane. Records written before a
// screen adopts the writer are buffered and shown once the pane exists.
func NewLogWriter() *PaneWriter {
	return &PaneWriter{}
}

// PaneWriter adapts a text view to io.Writer for the slog handler, keeping
// only the most recent messages.
type PaneWriter struct {
	view     *tview.TextView
	messages []string
}

func (w *PaneWriter) attach(view *tview.TextView) {
	w.view = view
	w.render()
}

func (w *PaneWriter) Write(p []byte) (int, error) {
	w.messages = append(w.messages, strings.TrimRight(string(p), "\n"))
	if len(w.messages) > maxLogMessages {
		w.messages = w.messages[len(w.messages)-maxLogMessages:]
	}
	w.render()
	return len(p), nil
}

func (w *PaneWriter) render() {
	if w.view != nil {
		w.view.SetText(strings.Join(w.messages, "\n"))
	}
}
