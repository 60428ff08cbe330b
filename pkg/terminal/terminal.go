package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/ge-labs/memsnap/pkg/config"
	"github.com/ge-labs/memsnap/pkg/logflags"
	"github.com/ge-labs/memsnap/pkg/memproc"
)

const (
	historyFile                 string = ".memsnap_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const ansiBlue = 34

// defaultTimeout bounds how long a command waits for the capture goroutine.
const defaultTimeout = 5 * time.Second

// Term represents the terminal inspecting a running capture.
type Term struct {
	proc    *memproc.Processor
	conf    *config.Config
	prompt  string
	line    *liner.State
	cmds    *Commands
	dumb    bool
	stdout  *transcriptWriter
	log     logflags.Logger
	timeout time.Duration

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(proc *memproc.Processor, conf *config.Config) *Term {
	cmds := InspectCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	return &Term{
		proc:    proc,
		conf:    conf,
		prompt:  "(memsnap) ",
		line:    liner.NewLiner(),
		cmds:    cmds,
		dumb:    dumb,
		stdout:  &transcriptWriter{pw: &pagingWriter{w: w}},
		log:     logflags.TerminalLogger(),
		timeout: defaultTimeout,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
	if err := t.stdout.CloseTranscript(); err != nil {
		t.log.Errorf("closing transcript: %v", err)
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Printf("received SIGINT, stopping capture\n")
		t.quittingMutex.Lock()
		t.quitting = true
		t.quittingMutex.Unlock()
		t.proc.RequestStop()
	}
}

// completer completes command names and, for commands taking a layout
// path, main layout ids.
type completer struct {
	cmds    *Commands
	layouts *trie.Trie
}

func newCompleter(cmds *Commands, layoutIDs []string) *completer {
	c := &completer{cmds: cmds, layouts: trie.New()}
	for _, id := range layoutIDs {
		c.layouts.Add(id, nil)
	}
	return c
}

func (c *completer) complete(line string) []string {
	sp := strings.LastIndex(line, " ")
	if sp < 0 {
		names := trie.New()
		for _, cmd := range c.cmds.cmds {
			for _, alias := range cmd.aliases {
				names.Add(alias, nil)
			}
		}
		return names.PrefixSearch(strings.ToLower(line))
	}
	first := strings.SplitN(line, " ", 2)[0]
	cmd, ok := c.cmds.Find(first)
	if !ok || !cmd.takesPath {
		return nil
	}
	word := line[sp+1:]
	if strings.Contains(word, "/") {
		return nil
	}
	var r []string
	for _, id := range c.layouts.PrefixSearch(word) {
		r = append(r, line[:sp+1]+id)
	}
	return r
}

// Run begins running the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Stop capture on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)
	defer signal.Stop(ch)

	t.line.SetCompleter(newCompleter(t.cmds, t.proc.LayoutIDs()).complete)

	unsubscribe := t.proc.OnRunningChanged(func(running bool) {
		if running {
			return
		}
		if err := t.proc.Err(); err != nil {
			t.log.Errorf("capture stopped: %v", err)
		}
	})
	defer unsubscribe()

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		t.stdout.Echo(t.prompt + cmdstr + "\n")

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting && !t.proc.IsRunning() {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
		t.stdout.pw.Reset()
		t.stdout.Flush()
	}
}

// highlightAddr formats addr, in color unless the terminal is dumb.
func (t *Term) highlightAddr(addr uint64) string {
	s := fmt.Sprintf("%#x", addr)
	if t.dumb {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue) + s + terminalResetEscapeCode
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.proc.Stop()
	if err := t.proc.Err(); err != nil {
		return 1, err
	}
	return 0, nil
}
