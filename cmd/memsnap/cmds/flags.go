package cmds

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// sizeValue is a byte count flag accepting KiB, MiB and GiB suffixes.
type sizeValue uint64

var _ pflag.Value = (*sizeValue)(nil)

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"GiB", 30},
	{"MiB", 20},
	{"KiB", 10},
	{"B", 0},
}

func (v *sizeValue) String() string {
	n := uint64(*v)
	for _, s := range sizeSuffixes {
		if s.shift > 0 && n != 0 && n%(1<<s.shift) == 0 {
			return fmt.Sprintf("%d%s", n>>s.shift, s.suffix)
		}
	}
	return strconv.FormatUint(n, 10)
}

func (v *sizeValue) Set(s string) error {
	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			shift = suf.shift
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q", s)
	}
	if n == 0 {
		return fmt.Errorf("size must be positive")
	}
	if n > (^uint64(0))>>shift {
		return fmt.Errorf("size %q overflows", s)
	}
	*v = sizeValue(n << shift)
	return nil
}

func (v *sizeValue) Type() string {
	return "size"
}
