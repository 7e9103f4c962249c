package session

import "fmt"

// CursorTable holds one instance cursor per type of a TypeTable.
// It is not safe for concurrent use.
type CursorTable struct {
	table *TypeTable
	pos   []int // len(instances) means exhausted
	stale bool
}

// AllocateCursors creates a cursor positioned at the lowest address of each
// type in t.
func AllocateCursors(t *TypeTable) *CursorTable {
	return &CursorTable{table: t, pos: make([]int, t.Len())}
}

// Len returns the number of cursors.
func (c *CursorTable) Len() int {
	return len(c.pos)
}

// Generation returns the census generation the cursors belong to.
func (c *CursorTable) Generation() uint64 {
	return c.table.Generation()
}

// Next returns the next instance address of a type and advances its cursor.
// ok is false once every instance has been returned.
func (c *CursorTable) Next(typeIndex int) (addr uint64, ok bool, err error) {
	if c.stale {
		return 0, false, fmt.Errorf("%w: generation %d", ErrStaleCursor, c.Generation())
	}
	rec, err := c.table.At(typeIndex)
	if err != nil {
		return 0, false, err
	}
	p := c.pos[typeIndex]
	if p >= len(rec.instances) {
		return 0, false, nil
	}
	c.pos[typeIndex] = p + 1
	return rec.instances[p], true, nil
}

// Remaining returns how many instances of a type have not been returned yet.
func (c *CursorTable) Remaining(typeIndex int) (int, error) {
	if c.stale {
		return 0, fmt.Errorf("%w: generation %d", ErrStaleCursor, c.Generation())
	}
	rec, err := c.table.At(typeIndex)
	if err != nil {
		return 0, err
	}
	return len(rec.instances) - c.pos[typeIndex], nil
}

// Stale reports whether a newer census has replaced these cursors.
func (c *CursorTable) Stale() bool {
	return c.stale
}

func (c *CursorTable) invalidate() {
	c.stale = true
}
