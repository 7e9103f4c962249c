package session

import (
	"fmt"
	"sort"
)

// TypeRecord aggregates the live instances of one runtime type.
type TypeRecord struct {
	Key       TypeKey
	Name      string
	TotalSize uint64
	instances []uint64 // unique, ascending
}

// InstanceCount returns the number of unique instances.
func (r *TypeRecord) InstanceCount() int {
	return len(r.instances)
}

// Instances returns the instance addresses in ascending order.
// The caller must not modify the result.
func (r *TypeRecord) Instances() []uint64 {
	return r.instances
}

// TypeTable is the result of one census, ordered by instance count
// descending, then by name, then by key.
type TypeTable struct {
	records    []*TypeRecord
	generation uint64
}

// Len returns the number of types.
func (t *TypeTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}

// At returns the record at index i.
func (t *TypeTable) At(i int) (*TypeRecord, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("%w: type index %d, have %d types", ErrOutOfRange, i, t.Len())
	}
	return t.records[i], nil
}

// Generation returns the census generation that produced t.
func (t *TypeTable) Generation() uint64 {
	if t == nil {
		return 0
	}
	return t.generation
}

// TotalInstances returns the number of objects found by the census.
func (t *TypeTable) TotalInstances() int {
	n := 0
	for k := 0; k < t.Len(); k++ {
		n += t.records[k].InstanceCount()
	}
	return n
}

type censusEntry struct {
	rec  *TypeRecord
	seen map[uint64]struct{}
}

// Scan performs one full pass over the heap and groups live objects by type.
// An address visited more than once is counted, and sized, once.
func Scan(model ObjectModel) (*TypeTable, error) {
	byKey := make(map[TypeKey]*censusEntry)
	visited := 0
	err := model.WalkHeap(func(addr uint64) bool {
		visited++
		key, name, size := model.ClassifyObject(addr)
		e := byKey[key]
		if e == nil {
			e = &censusEntry{
				rec:  &TypeRecord{Key: key, Name: name},
				seen: make(map[uint64]struct{}),
			}
			byKey[key] = e
		}
		if _, dup := e.seen[addr]; dup {
			verbosef("census: address 0x%x visited twice", addr)
			return true
		}
		e.seen[addr] = struct{}{}
		e.rec.TotalSize += size
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t := &TypeTable{records: make([]*TypeRecord, 0, len(byKey))}
	for _, e := range byKey {
		r := e.rec
		r.instances = make([]uint64, 0, len(e.seen))
		for addr := range e.seen {
			r.instances = append(r.instances, addr)
		}
		sort.Slice(r.instances, func(i, k int) bool { return r.instances[i] < r.instances[k] })
		t.records = append(t.records, r)
	}
	sort.Slice(t.records, func(i, k int) bool {
		a, b := t.records[i], t.records[k]
		if a.InstanceCount() != b.InstanceCount() {
			return a.InstanceCount() > b.InstanceCount()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Key < b.Key
	})
	logf("census: %d objects visited, %d types", visited, len(t.records))
	return t, nil
}
