// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/ge-labs/memsnap/pkg/memproc"
)

type callContext struct {
	// Frame is the frame commands read, 0 being the newest.
	Frame int
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup

	// takesPath is set for commands whose first argument is a layout path,
	// so that it can be completed.
	takesPath bool
	helpMsg   string
	cmdFn     cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the memsnap terminal.
type Commands struct {
	cmds  []command
	frame int // Current frame as set by the frame command.
}

// ExitRequestError is returned by the exit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// InspectCommands returns a Commands struct with default commands defined.
func InspectCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"layouts", "ls"}, group: dataCmds, cmdFn: layouts, helpMsg: `Lists main layouts.

	layouts

Shows, for each main layout in processing order, whether it was captured in the current frame and where.`},
		{aliases: []string{"frames"}, group: frameCmds, cmdFn: frames, helpMsg: `Lists the frames in the history.

	frames

Frame 0 is the newest one.`},
		{aliases: []string{"frame"}, group: frameCmds, cmdFn: c.frameCommand, helpMsg: `Set the current frame, or execute command on a different frame.

	frame <n>
	frame <n> <command>

The first form sets frame used by subsequent commands such as "dump" or "print".
The second form runs the command on the given frame.`},
		{aliases: []string{"dump", "x"}, group: dataCmds, takesPath: true, cmdFn: dumpCommand, helpMsg: `Dumps the bytes of a captured region.

	dump [-size n] [-len n] <path>

<path> is a main layout id optionally followed by pointer slot offsets separated by
slashes, for example "World/0x10/0" follows the pointer at 0x10 in World and then the
pointer at 0 in the region it points to. -size groups bytes in words of 1, 2, 4 or 8
bytes. -len limits the number of bytes shown.`},
		{aliases: []string{"print", "p"}, group: dataCmds, takesPath: true, cmdFn: printCommand, helpMsg: `Prints an integer field of a captured region.

	print [-size n] [-fmt hex|dec] <path> <offset>

-size is the width of the field in bytes (default 8).`},
		{aliases: []string{"json"}, group: dataCmds, takesPath: true, cmdFn: jsonCommand, helpMsg: `Prints a JSON summary of the current frame.

	json [-data] [path...]

Without paths every captured main layout is listed. -data includes the bytes.`},
		{aliases: []string{"stats"}, cmdFn: statsCommand, helpMsg: `Prints capture statistics.

	stats`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter. Capture parameters take effect on the next attach.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of memsnap's command is appended to the specified output file. If '-t' is specified and the output file exists it is truncated. If '-x' is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Stops capturing and exits.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command for the given command input.
func (c *Commands) Find(cmdstr string) (command, bool) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v, true
		}
	}
	return command{}, false
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	if cmdname == "" {
		return nil
	}
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	cmd, ok := c.Find(cmdname)
	if !ok {
		return noCmdError
	}
	return cmd.cmdFn(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Frame: c.frame})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		cmd, ok := c.Find(args)
		if !ok {
			return noCmdError
		}
		fmt.Fprintln(t.stdout, cmd.helpMsg)
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func (c *Commands) frameCommand(t *Term, ctx callContext, argstr string) error {
	args := split2PartsBySpace(argstr)
	if args[0] == "" {
		fmt.Fprintf(t.stdout, "Frame %d\n", c.frame)
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid frame %q", args[0])
	}
	if keep := t.proc.FramesToKeep(); n >= keep {
		return fmt.Errorf("frame %d is out of range, %d frames are kept", n, keep)
	}
	if len(args) > 1 {
		return c.CallWithContext(args[1], t, callContext{Frame: n})
	}
	c.frame = n
	fmt.Fprintf(t.stdout, "Frame %d\n", c.frame)
	return nil
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// parseArgs splits args like a shell would.
func parseArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

// flagSet holds the options and positional arguments of a command.
type flagSet struct {
	bools  map[string]bool
	values map[string]string
	args   []string
}

// parseFlags separates options from positional arguments. valued lists the
// options that take a value, every other option starting with '-' is a
// boolean.
func parseFlags(args string, valued ...string) (*flagSet, error) {
	v, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	fs := &flagSet{bools: map[string]bool{}, values: map[string]string{}}
	isValued := func(name string) bool {
		for _, n := range valued {
			if n == name {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(v); i++ {
		a := v[i]
		if !strings.HasPrefix(a, "-") || len(a) == 1 {
			fs.args = append(fs.args, a)
			continue
		}
		if !isValued(a) {
			fs.bools[a] = true
			continue
		}
		i++
		if i >= len(v) {
			return nil, fmt.Errorf("expected argument after %s", a)
		}
		fs.values[a] = v[i]
	}
	return fs, nil
}

func (fs *flagSet) int(name string, def int) (int, error) {
	s, ok := fs.values[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

// inspect runs fn on the capture goroutine and prints what it wrote.
func (t *Term) inspect(fn func(acc *memproc.DataAccessor, out *bytes.Buffer) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	var out bytes.Buffer
	var ferr error
	err := t.proc.Do(ctx, func(acc *memproc.DataAccessor) {
		ferr = fn(acc, &out)
	})
	if err != nil {
		return err
	}
	if ferr != nil {
		return ferr
	}
	if !t.dumb {
		t.stdout.pw.PageMaybe(nil)
	}
	_, err = t.stdout.Write(out.Bytes())
	return err
}

// resolvePath returns the view at path in frame. See the dump command for
// the syntax.
func resolvePath(acc *memproc.DataAccessor, path string, frame int) (memproc.View, error) {
	parts := strings.Split(path, "/")
	v, err := acc.View(parts[0], frame)
	if err != nil {
		return memproc.View{}, err
	}
	for i, p := range parts[1:] {
		off, err := strconv.ParseUint(p, 0, 64)
		if err != nil {
			return memproc.View{}, fmt.Errorf("invalid offset %q in %s", p, path)
		}
		next, ok := v.Follow(off)
		if !ok {
			return memproc.View{}, fmt.Errorf("pointer at %#x in %s was not followed", off, strings.Join(parts[:i+1], "/"))
		}
		v = next
	}
	return v, nil
}

func layouts(t *Term, ctx callContext, args string) error {
	ids := t.proc.LayoutIDs()
	return t.inspect(func(acc *memproc.DataAccessor, out *bytes.Buffer) error {
		w := new(tabwriter.Writer)
		w.Init(out, 0, 8, 1, ' ', 0)
		for _, id := range ids {
			v, err := acc.View(id, ctx.Frame)
			switch {
			case err == nil:
				fmt.Fprintf(w, "%s\t%s\t%d bytes\n", id, t.highlightAddr(v.RealAddress()), len(v.Bytes()))
			case errors.Is(err, memproc.ErrLayoutNotCaptured):
				fmt.Fprintf(w, "%s\t-\n", id)
			default:
				return err
			}
		}
		return w.Flush()
	})
}

func frames(t *Term, ctx callContext, args string) error {
	return t.inspect(func(acc *memproc.DataAccessor, out *bytes.Buffer) error {
		n, err := acc.NumberOfFrames()
		if err != nil {
			return err
		}
		w := new(tabwriter.Writer)
		w.Init(out, 0, 8, 1, ' ', 0)
		for i := 0; i < n; i++ {
			f, err := acc.Frame(i)
			if err != nil {
				return err
			}
			cur := " "
			if i == ctx.Frame {
				cur = "*"
			}
			fmt.Fprintf(w, "%s %d\t%d buffers\t%d bytes\t%s\n", cur, i, f.Len(), f.Size(), strings.Join(f.LayoutIDs(), ", "))
		}
		return w.Flush()
	})
}

func dumpCommand(t *Term, ctx callContext, args string) error {
	fs, err := parseFlags(args, "-size", "-len")
	if err != nil {
		return err
	}
	if len(fs.args) != 1 {
		return errors.New("expected exactly one path")
	}
	size, err := fs.int("-size", 1)
	if err != nil {
		return err
	}
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return errors.New("-size must be 1, 2, 4 or 8")
	}
	limit, err := fs.int("-len", 0)
	if err != nil {
		return err
	}
	return t.inspect(func(acc *memproc.DataAccessor, out *bytes.Buffer) error {
		v, err := resolvePath(acc, fs.args[0], ctx.Frame)
		if err != nil {
			return err
		}
		data := v.Bytes()
		if limit > 0 && limit < len(data) {
			data = data[:limit]
		}
		if uint64(len(data)) > v.BytesRead() {
			fmt.Fprintf(out, "warning: only %d of %d bytes could be read\n", v.BytesRead(), len(v.Bytes()))
		}
		prettyDump(out, v.RealAddress(), data, size, t.highlightAddr)
		return nil
	})
}

func printCommand(t *Term, ctx callContext, args string) error {
	fs, err := parseFlags(args, "-size", "-fmt")
	if err != nil {
		return err
	}
	if len(fs.args) != 2 {
		return errors.New("expected a path and an offset")
	}
	off, err := strconv.ParseUint(fs.args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q", fs.args[1])
	}
	size, err := fs.int("-size", 8)
	if err != nil {
		return err
	}
	format := "%d"
	switch fs.values["-fmt"] {
	case "", "dec", "decimal":
	case "hex", "hexadecimal":
		format = "%#x"
	default:
		return fmt.Errorf("%q is not a valid format", fs.values["-fmt"])
	}
	return t.inspect(func(acc *memproc.DataAccessor, out *bytes.Buffer) error {
		v, err := resolvePath(acc, fs.args[0], ctx.Frame)
		if err != nil {
			return err
		}
		var x uint64
		var ok bool
		switch size {
		case 1:
			var b uint8
			b, ok = v.Uint8(off)
			x = uint64(b)
		case 2:
			var h uint16
			h, ok = v.Uint16(off)
			x = uint64(h)
		case 4:
			var w uint32
			w, ok = v.Uint32(off)
			x = uint64(w)
		case 8:
			x, ok = v.Uint64(off)
		default:
			return errors.New("-size must be 1, 2, 4 or 8")
		}
		if !ok {
			return fmt.Errorf("offset %#x is outside of %s (%d bytes)", off, fs.args[0], len(v.Bytes()))
		}
		fmt.Fprintf(out, format+"\n", x)
		return nil
	})
}

func jsonCommand(t *Term, ctx callContext, args string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	withData := fs.bools["-data"]
	return t.inspect(func(acc *memproc.DataAccessor, out *bytes.Buffer) error {
		var s *FrameSummary
		if len(fs.args) == 0 {
			s, err = Summarize(acc, ctx.Frame, withData)
		} else {
			s, err = SummarizePaths(acc, ctx.Frame, withData, fs.args)
		}
		if err != nil {
			return err
		}
		return WriteJSON(out, s, true)
	})
}

func statsCommand(t *Term, ctx callContext, args string) error {
	st := t.proc.Stats()
	fmt.Fprintf(t.stdout, "state:                %s\n", t.proc.State())
	fmt.Fprintf(t.stdout, "cycles:               %d\n", st.Cycles)
	fmt.Fprintf(t.stdout, "failed cycles:        %d\n", st.Failures)
	fmt.Fprintf(t.stdout, "consecutive failures: %d\n", st.ConsecutiveFailures)
	fmt.Fprintf(t.stdout, "frames kept:          %d\n", t.proc.FramesToKeep())
	fmt.Fprintf(t.stdout, "refresh rate:         %v\n", t.proc.RefreshRate())
	if err := t.proc.Err(); err != nil {
		fmt.Fprintf(t.stdout, "stopped:              %v\n", err)
	}
	return nil
}

func transcript(t *Term, ctx callContext, args string) error {
	argv := strings.SplitN(args, " ", -1)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}
