package hlc

import (
	"fmt"
	"sync"
	"time"
)

// LogicalBits is the number of bits reserved for the logical counter in
// transaction ids (~65k ids per millisecond).
const LogicalBits = 16

// LogicalMask masks the logical counter
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the node id in transaction ids
const NodeIDBits = 6

// NodeIDMask masks the node id
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is how far the wall time is shifted inside a transaction id
const TotalShiftBits = NodeIDBits + LogicalBits

// Clock is a hybrid logical clock stamping commits. Timestamps it hands out
// are strictly increasing even when the wall clock stalls or steps back.
type Clock struct {
	mu       sync.Mutex
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64
	now      func() time.Time
}

// Timestamp is a hybrid logical time
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a clock for the given node
func NewClock(nodeID uint64) *Clock {
	return newClock(nodeID, time.Now)
}

func newClock(nodeID uint64, now func() time.Time) *Clock {
	t := now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: t,
		lastMS:   t / 1_000_000,
		now:      now,
	}
}

// Now returns a timestamp greater than every timestamp returned before
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now().UnixNano()
	if physical > c.wallTime {
		c.wallTime = physical
	}

	// logical restarts every millisecond so it never spills into the wall
	// time bits of a transaction id
	if ms := c.wallTime / 1_000_000; ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}

	if c.logical >= LogicalMask {
		c.lastMS++
		c.wallTime = c.lastMS * 1_000_000
		c.logical = 0
	}
	c.logical++

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1, 0 or 1; the node id breaks ties
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// PhysicalTime returns the wall time component
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// UnixMilli returns the wall time in milliseconds
func (t Timestamp) UnixMilli() int64 {
	return t.WallTime / 1_000_000
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%d@%d", t.PhysicalTime().Format(time.RFC3339Nano), t.Logical, t.NodeID)
}

// ToTxnID packs the timestamp into a unique transaction id:
// (physical_ms << 22) | (node_id << 16) | logical
func (t Timestamp) ToTxnID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}
