// Package native implements pma.Target for processes running on the local
// machine.
package native

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// MappingEntry is one line of /proc/<pid>/maps.
type MappingEntry struct {
	Start, End uint64
	Perm       string
	Offset     uint64
	Filename   string
}

// parseMaps parses the contents of /proc/<pid>/maps.
func parseMaps(buf string) ([]MappingEntry, error) {
	var r []MappingEntry
	for i, line := range strings.Split(buf, "\n") {
		if line == "" {
			continue
		}
		start, end, perm, offset, dev, filename, err := parseMapsLine(i+1, line)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(dev, "00:") {
			filename = ""
			offset = 0
		}
		r = append(r, MappingEntry{Start: start, End: end, Perm: perm, Offset: offset, Filename: filename})
	}
	return r, nil
}

func parseMapsLine(lineno int, in string) (start, end uint64, perm string, offset uint64, dev, filename string, err error) {
	fields := strings.SplitN(in, " ", 6)
	if len(fields) < 5 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
		return
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
		return
	}
	start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}
	end, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	perm = fields[1]
	if len(perm) < 4 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (permissions column too short)", lineno, in)
		return
	}

	offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}

	dev = fields[3]

	// fields[4] -> inode

	if len(fields) == 6 {
		filename = strings.TrimLeft(fields[5], " ")
	}
	return
}

// moduleBase returns the lowest mapping start of the file whose base name
// is module and that is mapped from file offset 0.
func moduleBase(entries []MappingEntry, module string) (uint64, bool) {
	var base uint64
	found := false
	for _, e := range entries {
		if e.Filename == "" || e.Offset != 0 {
			continue
		}
		if e.Filename != module && filepath.Base(e.Filename) != module {
			continue
		}
		if !found || e.Start < base {
			base = e.Start
			found = true
		}
	}
	return base, found
}
