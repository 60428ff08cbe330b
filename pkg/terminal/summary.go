package terminal

import (
	"encoding/hex"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/ge-labs/memsnap/pkg/memproc"
)

// RegionSummary describes one captured region.
type RegionSummary struct {
	Path      string `json:"path"`
	Address   string `json:"address"`
	Size      int    `json:"size"`
	BytesRead uint64 `json:"bytesRead"`
	Data      string `json:"data,omitempty"`
}

// FrameSummary describes a frame of the history.
type FrameSummary struct {
	Frame   int             `json:"frame"`
	Buffers int             `json:"buffers"`
	Bytes   uint64          `json:"bytes"`
	Regions []RegionSummary `json:"regions"`
}

func regionSummary(path string, v memproc.View, withData bool) RegionSummary {
	r := RegionSummary{
		Path:      path,
		Address:   fmt.Sprintf("%#x", v.RealAddress()),
		Size:      len(v.Bytes()),
		BytesRead: v.BytesRead(),
	}
	if withData {
		r.Data = hex.EncodeToString(v.Bytes())
	}
	return r
}

// Summarize describes every main layout captured in the given frame.
func Summarize(acc *memproc.DataAccessor, frameIdx int, withData bool) (*FrameSummary, error) {
	f, err := acc.Frame(frameIdx)
	if err != nil {
		return nil, err
	}
	s := &FrameSummary{Frame: frameIdx, Buffers: f.Len(), Bytes: f.Size(), Regions: []RegionSummary{}}
	for _, id := range f.LayoutIDs() {
		v, err := acc.View(id, frameIdx)
		if err != nil {
			return nil, err
		}
		s.Regions = append(s.Regions, regionSummary(id, v, withData))
	}
	return s, nil
}

// SummarizePaths describes the regions found at paths in the given frame.
// Paths use the syntax of the dump command.
func SummarizePaths(acc *memproc.DataAccessor, frameIdx int, withData bool, paths []string) (*FrameSummary, error) {
	f, err := acc.Frame(frameIdx)
	if err != nil {
		return nil, err
	}
	s := &FrameSummary{Frame: frameIdx, Buffers: f.Len(), Bytes: f.Size(), Regions: []RegionSummary{}}
	for _, p := range paths {
		v, err := resolvePath(acc, p, frameIdx)
		if err != nil {
			return nil, err
		}
		s.Regions = append(s.Regions, regionSummary(p, v, withData))
	}
	return s, nil
}

// WriteJSON encodes v to w followed by a newline.
func WriteJSON(w io.Writer, v interface{}, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
