package answer_cache

import (
	"errors"
	"hash/maphash"
)

// DefaultBucketCount is the number of buckets used when BuildOptions
// does not set one.
const DefaultBucketCount = 10000

var ErrDuplicateEntry = errors.New("duplicate entry")

// Table maps (owner name, query type) to an Entry. A Table is only
// modified by Build and is safe for concurrent readers afterwards.
// A nil *Table is an empty table.
type Table struct {
	seed          maphash.Seed
	buckets       [][]*Entry
	entries       int
	class         uint16
	authoritative bool
}

func newTable(bucketCount int, class uint16, authoritative bool) *Table {
	if bucketCount <= 0 {
		bucketCount = DefaultBucketCount
	}
	return &Table{
		seed:          maphash.MakeSeed(),
		buckets:       make([][]*Entry, bucketCount),
		class:         class,
		authoritative: authoritative,
	}
}

func (t *Table) bucket(name []byte, qtype uint16) int {
	return int(hashKey(t.seed, name, qtype) % uint64(len(t.buckets)))
}

func (t *Table) insert(e *Entry) error {
	name, qtype := e.Name(), e.QType()
	if t.Find(name, qtype) != nil {
		return ErrDuplicateEntry
	}
	i := t.bucket(name, qtype)
	t.buckets[i] = append(t.buckets[i], e)
	t.entries++
	return nil
}

// Find returns the entry registered for the label sequence name and
// qtype, or nil. name is compared case-insensitively.
func (t *Table) Find(name []byte, qtype uint16) *Entry {
	if t == nil || t.entries == 0 {
		return nil
	}
	for _, e := range t.buckets[t.bucket(name, qtype)] {
		if e.QType() == qtype && equalFold(e.Name(), name) {
			return e
		}
	}
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.entries
}

// Class returns the only query class this table answers.
func (t *Table) Class() uint16 {
	if t == nil {
		return 0
	}
	return t.class
}

func (t *Table) Authoritative() bool {
	return t != nil && t.authoritative
}

// Range calls f for every entry until f returns false. The order is
// unspecified.
func (t *Table) Range(f func(e *Entry) bool) {
	if t == nil {
		return
	}
	for _, b := range t.buckets {
		for _, e := range b {
			if !f(e) {
				return
			}
		}
	}
}
