package capture

// Cursor assigns positions to events while mutations are projected.
// Positions are handed out before filtering so an event keeps the same
// position for every observer regardless of the criteria it uses.
type Cursor struct {
	version int64
	next    int32
	last    Position
	emitted bool
}

// NewCursor creates a cursor positioned at the start of version
func NewCursor(version int64) *Cursor {
	return &Cursor{version: version}
}

// BeginVersion restarts index assignment at (version, 0)
func (c *Cursor) BeginVersion(version int64) {
	c.version = version
	c.next = 0
}

// Version returns the version currently being projected
func (c *Cursor) Version() int64 {
	return c.version
}

// Peek returns the position the next emitted event will receive
func (c *Cursor) Peek() Position {
	return Position{Version: c.version, Index: c.next}
}

// Last returns the most recently assigned position
func (c *Cursor) Last() (Position, bool) {
	return c.last, c.emitted
}

// Emit assigns the next position to e and appends it to dst when it passes
// the filter. In header mode the body is dropped.
func (c *Cursor) Emit(dst []Event, f Filter, mode ContentMode, e Event) []Event {
	e.Position = Position{Version: c.version, Index: c.next}
	c.next++
	c.last = e.Position
	c.emitted = true

	if f != nil && !f.Match(&e) {
		return dst
	}
	if mode == ContentHeader {
		e.Body = nil
	}
	return append(dst, e)
}
