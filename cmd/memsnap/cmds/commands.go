package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ge-labs/memsnap/cmd/memsnap/cmds/helphelpers"
	"github.com/ge-labs/memsnap/pkg/config"
	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/logflags"
	"github.com/ge-labs/memsnap/pkg/memproc"
	"github.com/ge-labs/memsnap/pkg/pma"
	"github.com/ge-labs/memsnap/pkg/pma/native"
	"github.com/ge-labs/memsnap/pkg/terminal"
	"github.com/ge-labs/memsnap/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// headless is whether to run without terminal.
	headless bool
	// jsonOutput streams a summary of every frame to stdout when headless.
	jsonOutput bool
	// layoutFiles overrides the layout-files configuration.
	layoutFiles []string
	// framesToKeep overrides the frames-to-keep configuration.
	framesToKeep uint
	// refreshRate overrides the refresh-rate-ms configuration.
	refreshRate time.Duration
	// attachWait overrides the attach-retry-ms configuration.
	attachWait time.Duration
	// maxAlloc bounds single allocations of a capture pass.
	maxAlloc = sizeValue(memproc.DefaultMaxAllocation)

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const memsnapCommandLongDesc = `memsnap captures structured snapshots of another process's memory.

Layouts describe how regions of the target are shaped and which of their fields
are pointers to other regions. memsnap walks these pointers on every cycle, copies
what it finds into a frame and keeps the most recent frames for inspection.

Layouts are declared in YAML documents, see 'memsnap check'.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = &config.Config{}
	if !docCall {
		var err error
		conf, err = config.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}

	// Main memsnap root command.
	rootCommand = &cobra.Command{
		Use:   "memsnap",
		Short: "memsnap captures snapshots of a process's memory.",
		Long:  memsnapCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'memsnap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'memsnap help log').")

	rootCommand.PersistentFlags().BoolVarP(&headless, "headless", "", false, "Capture without a terminal, until interrupted.")
	rootCommand.PersistentFlags().BoolVarP(&jsonOutput, "json", "", false, "When headless, print a JSON summary of every frame.")
	rootCommand.PersistentFlags().StringSliceVarP(&layoutFiles, "layouts", "l", nil, "Layout documents to load, overrides the layout-files configuration.")
	rootCommand.PersistentFlags().UintVar(&framesToKeep, "frames", 0, "Number of frames to keep (default from configuration, or 2).")
	rootCommand.PersistentFlags().DurationVar(&refreshRate, "rate", 0, "Duration of a capture cycle (default from configuration, or 1s divided by frames).")
	rootCommand.PersistentFlags().DurationVar(&attachWait, "wait", 0, "Wait for the target to appear, polling with this period.")
	rootCommand.PersistentFlags().Var(&maxAlloc, "max-alloc", "Largest single region read in a pass, for example 16MiB.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach <pid|name>",
		Short: "Attach to a running process and begin capturing.",
		Long: `Attach to a running process and begin capturing its memory.

The target is either a pid or a process name. A named target is looked up
again every time memsnap attaches, so with --wait memsnap follows a restarted
process. Without --headless a terminal is started to inspect the frames.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a pid or a process name")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check <file>...",
		Short: "Validates layout documents.",
		Long: `Loads layout documents and prints the layouts and main layouts they define.

A layout document is YAML:

	layouts:
	  Root:
	    size: 16
	    pointers:
	      - {offset: 0, layout: Child}
	      - {offset: 8, size: 32, count: 2}
	  Child:
	    size: 4
	main:
	  - layout: Root
	    module: game.x86_64
	    offset: 0x1d2e40
	    deref: [0]
`,
		Args: cobra.MinimumNArgs(1),
		RunE: checkCmd,
	}
	rootCommand.AddCommand(checkCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memsnap\n%s\n", version.MemsnapVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	memproc		Log capture cycles, failures and lifecycle changes
	pma		Log attaching to the target and module lookups
	terminal	Log terminal errors

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0], conf))
}

// newTarget returns a target for a pid or, if arg is not a number, a
// process name.
func newTarget(arg string) pma.Target {
	if pid, err := strconv.Atoi(arg); err == nil {
		return native.NewTarget(pid)
	}
	return native.NewNamedTarget(arg)
}

// loadDocuments decodes the layout documents given on the command line or,
// failing that, in the configuration.
func loadDocuments(conf *config.Config) ([]*layout.Document, error) {
	files := layoutFiles
	if len(files) == 0 {
		files = conf.LayoutFiles
	}
	if len(files) == 0 {
		return nil, errors.New("no layout documents, use --layouts or the layout-files configuration")
	}
	docs := make([]*layout.Document, 0, len(files))
	for _, file := range files {
		doc, err := layout.LoadFile(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// processorOptions merges command line flags over the configuration.
func processorOptions(conf *config.Config) []memproc.Option {
	opts := []memproc.Option{memproc.WithMaxAllocation(uint64(maxAlloc))}
	if conf.MaxFailures > 0 {
		opts = append(opts, memproc.WithMaxFailures(conf.MaxFailures))
	}
	if conf.MaxDepth > 0 {
		opts = append(opts, memproc.WithMaxDepth(conf.MaxDepth))
	}
	wait := attachWait
	if wait == 0 {
		wait = conf.AttachRetry()
	}
	if wait > 0 {
		opts = append(opts, memproc.WithAttachRetry(wait))
	}
	return opts
}

func frameSettings(conf *config.Config) (uint, []time.Duration) {
	keep := framesToKeep
	if keep == 0 {
		keep = conf.FramesToKeep
	}
	rate := refreshRate
	if rate == 0 {
		rate = conf.RefreshRate()
	}
	if rate == 0 {
		return keep, nil
	}
	return keep, []time.Duration{rate}
}

// headlessUpdate returns the update callback used without a terminal.
func headlessUpdate(out io.Writer) memproc.UpdateFunc {
	lg := logflags.ProcessorLogger()
	return func(acc *memproc.DataAccessor) error {
		s, err := terminal.Summarize(acc, 0, false)
		if err != nil {
			return err
		}
		if jsonOutput {
			return terminal.WriteJSON(out, s, false)
		}
		lg.Debugf("frame with %d regions, %d buffers, %d bytes", len(s.Regions), s.Buffers, s.Bytes)
		return nil
	}
}

func execute(targetArg string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if jsonOutput && !headless {
		fmt.Fprint(os.Stderr, "Warning: --json ignored without --headless\n")
	}

	docs, err := loadDocuments(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	proc := memproc.New(newTarget(targetArg), processorOptions(conf)...)
	for _, doc := range docs {
		if err := proc.LoadDocument(doc); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	update := func(*memproc.DataAccessor) error { return nil }
	if headless {
		update = headlessUpdate(os.Stdout)
	}
	keep, rate := frameSettings(conf)
	if err := proc.SetUpdateCallback(update, keep, rate...); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := proc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not start capture: %v\n", err)
		return 1
	}

	if headless {
		go func() {
			<-ctx.Done()
			proc.RequestStop()
		}()
		proc.Wait()
		if err := proc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}

	// Let the terminal handle SIGINT.
	stop()
	term := terminal.New(proc, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

func checkCmd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for i, file := range args {
		doc, err := layout.LoadFile(file)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%s:\n", file)
		printDocument(out, doc)
	}
	return nil
}

func printDocument(out io.Writer, doc *layout.Document) {
	w := new(tabwriter.Writer)
	w.Init(out, 0, 8, 1, ' ', 0)
	for _, id := range doc.IDs() {
		l := doc.Layouts[id]
		kind := "consecutive"
		if !l.IsConsecutive() {
			kind = "scattered"
		}
		fmt.Fprintf(w, "  %s\t%s\t%d bytes\t%d pointers\n", id, kind, l.TotalSize(), l.NumSlots())
	}
	w.Flush()

	if len(doc.Main) == 0 {
		return
	}
	fmt.Fprintln(out, "main:")
	for i, m := range doc.Main {
		loc := fmt.Sprintf("%#x", m.Offset)
		if m.Module != "" {
			loc = m.Module + "+" + loc
		}
		if len(m.Deref) > 0 {
			loc += " -> " + m.Deref.String()
		}
		fmt.Fprintf(out, "  %d. %s at %s\n", i, m.Layout, loc)
		enables := make([]string, 0, len(m.Enables))
		for _, en := range m.Enables {
			enables = append(enables, en.Layout)
		}
		if len(enables) > 0 {
			fmt.Fprintf(out, "     enables %s\n", strings.Join(enables, ", "))
		}
	}
}
