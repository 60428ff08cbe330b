package native

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testMaps = `55d0c5a00000-55d0c5a2c000 r--p 00000000 fd:01 1311512                    /opt/game/bin/game.x86_64
55d0c5a2c000-55d0c5b10000 r-xp 0002c000 fd:01 1311512                    /opt/game/bin/game.x86_64
55d0c6e1e000-55d0c6e3f000 rw-p 00000000 00:00 0                          [heap]
7f3a2c000000-7f3a2c021000 rw-p 00000000 00:00 0
7f3a2d400000-7f3a2d428000 r--p 00000000 fd:01 1049166                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f3a2d428000-7f3a2d5bd000 r-xp 00028000 fd:01 1049166                    /usr/lib/x86_64-linux-gnu/libc.so.6
`

func TestParseMaps(t *testing.T) {
	entries, err := parseMaps(testMaps)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
	want := MappingEntry{Start: 0x55d0c6e1e000, End: 0x55d0c6e3f000, Perm: "rw-p", Offset: 0, Filename: ""}
	if diff := cmp.Diff(want, entries[2]); diff != "" {
		t.Fatalf("heap entry mismatch (-want +got):\n%s", diff)
	}
	if entries[1].Offset != 0x2c000 || entries[1].Filename != "/opt/game/bin/game.x86_64" {
		t.Fatalf("unexpected text mapping %+v", entries[1])
	}
}

func TestModuleBase(t *testing.T) {
	entries, err := parseMaps(testMaps)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		module string
		base   uint64
		found  bool
	}{
		{"game.x86_64", 0x55d0c5a00000, true},
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", 0x7f3a2d400000, true},
		{"libc.so.6", 0x7f3a2d400000, true},
		{"libm.so.6", 0, false},
	}
	for _, tc := range tests {
		base, found := moduleBase(entries, tc.module)
		if found != tc.found || base != tc.base {
			t.Errorf("%s: expected (%#x, %v) got (%#x, %v)", tc.module, tc.base, tc.found, base, found)
		}
	}
}

func TestParseMapsMalformed(t *testing.T) {
	if _, err := parseMaps("zzzz r--p 0 fd:01 1 /bin/x\n"); err == nil {
		t.Fatal("expected error for malformed line")
	}
}
