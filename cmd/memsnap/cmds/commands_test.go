package cmds

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ge-labs/memsnap/pkg/config"
	"github.com/ge-labs/memsnap/pkg/layout"
	"github.com/ge-labs/memsnap/pkg/memproc"
	"github.com/ge-labs/memsnap/pkg/pma/pmatest"
	"github.com/ge-labs/memsnap/pkg/terminal"
)

const gameDocument = `
layouts:
  World:
    size: 16
    pointers:
      - {offset: 0, layout: Player}
  Player:
    size: 8
  Focus:
    size: 8
main:
  - layout: World
    module: game
    offset: 0x40
    deref: [0]
    enables:
      - layout: Focus
        when: {offset: 8, width: 1, equals: 1}
        pass: 0
  - layout: Focus
`

func writeDocument(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "game.yml")
	if err := os.WriteFile(path, []byte(gameDocument), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	root := New(true)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	out, err := runCommand(t, "check", writeDocument(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`World\s+consecutive\s+16 bytes\s+1 pointers`,
		`Player\s+consecutive\s+8 bytes\s+0 pointers`,
		`0\. World at game\+0x40 -> \[0x0\]`,
		`enables Focus`,
		`1\. Focus at 0x0\n`,
	} {
		if !regexp.MustCompile(want).MatchString(out) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := runCommand(t, "check", filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for a missing document")
	}
	if _, err := runCommand(t, "check"); err == nil {
		t.Fatal("expected error without arguments")
	}
}

func TestVersion(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "memsnap\nVersion: 0.3.0\n") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestSizeValue(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		str  string
	}{
		{"4096", 4096, "4KiB"},
		{"16MiB", 16 << 20, "16MiB"},
		{"1 GiB", 1 << 30, "1GiB"},
		{"3KiB", 3 << 10, "3KiB"},
		{"100B", 100, "100"},
		{"0x10", 16, "16"},
	} {
		var v sizeValue
		if err := v.Set(tc.in); err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if uint64(v) != tc.want || v.String() != tc.str {
			t.Fatalf("%q: expected %d (%s) got %d (%s)", tc.in, tc.want, tc.str, uint64(v), v.String())
		}
	}
	for _, in := range []string{"", "0", "-1", "1TiB", "20000000000GiB"} {
		var v sizeValue
		if err := v.Set(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestFrameSettings(t *testing.T) {
	conf := &config.Config{FramesToKeep: 3, RefreshRateMs: 20}
	keep, rate := frameSettings(conf)
	if keep != 3 || len(rate) != 1 || rate[0] != 20*time.Millisecond {
		t.Fatalf("expected 3 frames every 20ms, got %d %v", keep, rate)
	}

	framesToKeep, refreshRate = 5, time.Second
	defer func() { framesToKeep, refreshRate = 0, 0 }()
	keep, rate = frameSettings(conf)
	if keep != 5 || len(rate) != 1 || rate[0] != time.Second {
		t.Fatalf("expected flags to win, got %d %v", keep, rate)
	}

	framesToKeep, refreshRate = 0, 0
	if keep, rate = frameSettings(&config.Config{}); keep != 0 || rate != nil {
		t.Fatalf("expected defaults, got %d %v", keep, rate)
	}
}

func TestLoadDocuments(t *testing.T) {
	if _, err := loadDocuments(&config.Config{}); err == nil {
		t.Fatal("expected error without documents")
	}
	docs, err := loadDocuments(&config.Config{LayoutFiles: []string{writeDocument(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || len(docs[0].Main) != 2 {
		t.Fatalf("unexpected documents %v", docs)
	}
}

// lineWriter hands every write to a channel.
type lineWriter chan []byte

func (w lineWriter) Write(p []byte) (int, error) {
	select {
	case w <- append([]byte(nil), p...):
	default:
	}
	return len(p), nil
}

func TestHeadlessJSON(t *testing.T) {
	doc, err := layout.Decode(strings.NewReader(gameDocument))
	if err != nil {
		t.Fatal(err)
	}
	mem := pmatest.NewFakeMemory()
	mem.SetModule("game", 0x400000)
	mem.PutPointers(0x400040, 0x1000)
	mem.PutPointers(0x1000, 0x2000, 0)
	mem.PutPointers(0x2000, 5)

	proc := memproc.New(pmatest.NewTarget(mem))
	if err := proc.LoadDocument(doc); err != nil {
		t.Fatal(err)
	}
	jsonOutput = true
	defer func() { jsonOutput = false }()
	lines := make(lineWriter, 1)
	if err := proc.SetUpdateCallback(headlessUpdate(lines), 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer proc.Stop()

	var line []byte
	select {
	case line = <-lines:
	case <-ctx.Done():
		t.Fatal("timed out waiting for a summary")
	}
	var s terminal.FrameSummary
	if err := json.Unmarshal(line, &s); err != nil {
		t.Fatalf("%v: %q", err, line)
	}
	if len(s.Regions) != 1 || s.Regions[0].Path != "World" || s.Regions[0].Address != "0x1000" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Buffers != 2 || s.Bytes != 24 {
		t.Fatalf("expected World and Player, got %d buffers of %d bytes", s.Buffers, s.Bytes)
	}
}
