package capture

import "fmt"

// Position addresses a capture event within the committed history.
// Version is the catalog (or engine) version that produced the event, Index is
// the ordinal of the event inside that version.
type Position struct {
	Version int64 `msgpack:"v" json:"version"`
	Index   int32 `msgpack:"i" json:"index"`
}

// FirstOf returns the first position of the given version
func FirstOf(version int64) Position {
	return Position{Version: version}
}

// Compare returns -1, 0 or 1 ordering lexicographically on (version, index)
func (p Position) Compare(o Position) int {
	switch {
	case p.Version < o.Version:
		return -1
	case p.Version > o.Version:
		return 1
	case p.Index < o.Index:
		return -1
	case p.Index > o.Index:
		return 1
	default:
		return 0
	}
}

// Before reports whether p sorts strictly before o
func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

// Next returns the position immediately following p within the same version
func (p Position) Next() Position {
	return Position{Version: p.Version, Index: p.Index + 1}
}

// Max returns the greater of two positions
func Max(a, b Position) Position {
	if a.Before(b) {
		return b
	}
	return a
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Version, p.Index)
}
