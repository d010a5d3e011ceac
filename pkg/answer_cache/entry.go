/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of anscache.
 */

package answer_cache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/pmkol/anscache/pkg/dnsutils"
)

// Fixed header of a serialized entry. All fields are big endian.
const (
	offQType     = 0
	offANCount   = 2
	offNSCount   = 4
	offARCount   = 6
	offRcode     = 8
	offNameLen   = 10
	offDataLen   = 12
	offReserved  = 14
	offTTL       = 16
	offLastUsed  = 20
	entryHdrSize = 28
)

// offsetPairSize is the size of one offset table element: the owner name
// offset and the type offset of a record, both uint16.
const offsetPairSize = 4

var errBadEntry = errors.New("inconsistent entry layout")

// Entry is one pre-rendered answer for an (owner name, query type) pair.
//
// An Entry owns a single byte slice laid out as
//
//	fixed header | owner name (padded to even) | offset table | data
//
// Entries are immutable once built.
type Entry struct {
	b []byte
}

// RecordOffset locates one record inside Entry.Data.
type RecordOffset struct {
	Owner uint16 // start of the owner name field
	Type  uint16 // start of the type field
}

// SizeOf returns the number of bytes an entry with the given regions occupies.
func SizeOf(nameLen, recordCount, dataLen int) int {
	return entryHdrSize + padded(nameLen) + recordCount*offsetPairSize + dataLen
}

func padded(n int) int {
	return n + n&1
}

type entryFields struct {
	qtype   uint16
	anCount uint16
	nsCount uint16
	arCount uint16
	rcode   uint8
	ttl     uint32
}

// newEntry allocates an exactly sized entry and copies name, offsets and
// data into it. len(offsets) must equal the sum of the section counts.
func newEntry(f entryFields, name []byte, offsets []RecordOffset, data []byte) (*Entry, error) {
	if len(name) == 0 || len(name) > dnsutils.MaxNameLen {
		return nil, fmt.Errorf("%w: name length %d", errBadEntry, len(name))
	}
	if n := int(f.anCount) + int(f.nsCount) + int(f.arCount); n != len(offsets) {
		return nil, fmt.Errorf("%w: %d offsets for %d records", errBadEntry, len(offsets), n)
	}
	if len(data) > 0xFFFF {
		return nil, fmt.Errorf("%w: data length %d", errBadEntry, len(data))
	}

	b := make([]byte, SizeOf(len(name), len(offsets), len(data)))
	binary.BigEndian.PutUint16(b[offQType:], f.qtype)
	binary.BigEndian.PutUint16(b[offANCount:], f.anCount)
	binary.BigEndian.PutUint16(b[offNSCount:], f.nsCount)
	binary.BigEndian.PutUint16(b[offARCount:], f.arCount)
	binary.BigEndian.PutUint16(b[offRcode:], uint16(f.rcode))
	binary.BigEndian.PutUint16(b[offNameLen:], uint16(len(name)))
	binary.BigEndian.PutUint16(b[offDataLen:], uint16(len(data)))
	binary.BigEndian.PutUint32(b[offTTL:], f.ttl)

	off := entryHdrSize
	copy(b[off:], name)
	off += padded(len(name))
	for _, o := range offsets {
		binary.BigEndian.PutUint16(b[off:], o.Owner)
		binary.BigEndian.PutUint16(b[off+2:], o.Type)
		off += offsetPairSize
	}
	copy(b[off:], data)
	return &Entry{b: b}, nil
}

// ParseEntry validates a serialized entry and wraps it. b is not copied.
func ParseEntry(b []byte) (*Entry, error) {
	if len(b) < entryHdrSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", errBadEntry, len(b))
	}
	e := &Entry{b: b}
	if want := SizeOf(e.nameLen(), e.RecordCount(), e.DataLength()); want != len(b) {
		return nil, fmt.Errorf("%w: header describes %d bytes, got %d", errBadEntry, want, len(b))
	}
	if e.nameLen() == 0 {
		return nil, fmt.Errorf("%w: empty owner name", errBadEntry)
	}
	return e, nil
}

// Bytes returns the serialized entry.
func (e *Entry) Bytes() []byte { return e.b }

func (e *Entry) u16(off int) uint16 { return binary.BigEndian.Uint16(e.b[off:]) }

func (e *Entry) QType() uint16           { return e.u16(offQType) }
func (e *Entry) AnswerCount() uint16     { return e.u16(offANCount) }
func (e *Entry) AuthorityCount() uint16  { return e.u16(offNSCount) }
func (e *Entry) AdditionalCount() uint16 { return e.u16(offARCount) }
func (e *Entry) Rcode() int              { return int(e.u16(offRcode) & 0xF) }
func (e *Entry) DataLength() int         { return int(e.u16(offDataLen)) }
func (e *Entry) nameLen() int            { return int(e.u16(offNameLen)) }

// TTL is bookkeeping only. The TTLs served are the ones inside Data.
func (e *Entry) TTL() uint32 { return binary.BigEndian.Uint32(e.b[offTTL:]) }

// LastUsed is bookkeeping only and stays zero for entries of a built table.
func (e *Entry) LastUsed() int64 { return int64(binary.BigEndian.Uint64(e.b[offLastUsed:])) }

func (e *Entry) RecordCount() int {
	return int(e.AnswerCount()) + int(e.AuthorityCount()) + int(e.AdditionalCount())
}

// region returns e.b[start:start+n], or nil if that would overrun the entry.
func (e *Entry) region(start, n int) []byte {
	end := start + n
	if start < entryHdrSize || n < 0 || end > len(e.b) {
		return nil
	}
	return e.b[start:end:end]
}

// Name returns the canonical label sequence of the owner name, without padding.
func (e *Entry) Name() []byte {
	return e.region(entryHdrSize, e.nameLen())
}

func (e *Entry) offsetTableStart() int {
	return entryHdrSize + padded(e.nameLen())
}

func (e *Entry) dataStart() int {
	return e.offsetTableStart() + e.RecordCount()*offsetPairSize
}

// RecordOffsets decodes the offset table. Serving never reads it.
func (e *Entry) RecordOffsets() []RecordOffset {
	n := e.RecordCount()
	t := e.region(e.offsetTableStart(), n*offsetPairSize)
	if t == nil {
		return nil
	}
	offsets := make([]RecordOffset, n)
	for i := range offsets {
		offsets[i] = RecordOffset{
			Owner: binary.BigEndian.Uint16(t[i*offsetPairSize:]),
			Type:  binary.BigEndian.Uint16(t[i*offsetPairSize+2:]),
		}
	}
	return offsets
}

// Data returns the pre-rendered records. Compression pointers inside it
// are only valid when it follows the question section of the query it
// answers, see HandleQuery.
func (e *Entry) Data() []byte {
	return e.region(e.dataStart(), e.DataLength())
}

// OwnerName returns the presentation form of the owner name.
func (e *Entry) OwnerName() string {
	s, _, err := dns.UnpackDomainName(e.Name(), 0)
	if err != nil {
		return ""
	}
	return s
}
