/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of anscache.
 */

package answer_cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/dnsutils"
	"github.com/pmkol/anscache/pkg/zone"
)

var (
	ErrMalformedLine    = errors.New("malformed entry line")
	ErrUnsupportedClass = errors.New("unsupported class")
	ErrCountMismatch    = errors.New("record count mismatch")
	ErrEntryTooLarge    = errors.New("entry does not fit in a dns message")
)

// LoadError is returned by Build. Line is the 1-based line of the entry
// header that failed.
type LoadError struct {
	Line int
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache specification line %d: %v", e.Line, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var nopLogger = zap.NewNop()

type BuildOptions struct {
	// BucketCount is the fixed number of table buckets.
	// Default is DefaultBucketCount.
	BucketCount int

	// Class is the only query class served. Default is IN.
	Class uint16

	// Authoritative sets the AA bit on every reply.
	Authoritative bool

	// Collator parses the records that follow an entry line.
	// Default is a *zone.ZoneCollator.
	Collator zone.Collator

	// Logger optionally specifies a logger for the builder.
	// A nil Logger will disable the logging.
	Logger *zap.Logger
}

func (opts *BuildOptions) init() {
	if opts.BucketCount <= 0 {
		opts.BucketCount = DefaultBucketCount
	}
	if opts.Class == 0 {
		opts.Class = dns.ClassINET
	}
	if opts.Collator == nil {
		opts.Collator = &zone.ZoneCollator{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Build reads a cache specification from r and renders every entry in it.
//
// The specification is a sequence of entry lines
//
//	<owner> <class> <type> <rcode> <answer count> <second batch count>
//
// each followed by exactly answer count + second batch count records,
// one per line, in master file syntax with the owner as origin. The
// second batch is served in the authority section. Blank lines and lines
// starting with ';' or '#' are ignored.
//
// Any error aborts the whole build and no table is returned.
func Build(r io.Reader, opts BuildOptions) (*Table, error) {
	opts.init()
	b := &builder{
		opts:        opts,
		table:       newTable(opts.BucketCount, opts.Class, opts.Authoritative),
		scratch:     make([]byte, scratchSize),
		compression: make(map[string]int),
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), dns.MaxMsgSize)
	lineNo := 0
	next := func() (string, bool) {
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if len(line) == 0 || line[0] == ';' || line[0] == '#' {
				continue
			}
			return line, true
		}
		return "", false
	}

	var records []recordLine
	for {
		line, ok := next()
		if !ok {
			break
		}
		el, err := parseEntryLine(line, opts.Class)
		if err != nil {
			return nil, &LoadError{Line: lineNo, Err: err}
		}
		el.line = lineNo

		records = records[:0]
		for i := 0; i < el.answers+el.second; i++ {
			rrLine, ok := next()
			if !ok {
				if err := sc.Err(); err != nil {
					return nil, &LoadError{Line: lineNo, Err: err}
				}
				return nil, &LoadError{Line: el.line, Err: fmt.Errorf("%w: want %d records, specification ended after %d", ErrCountMismatch, el.answers+el.second, i)}
			}
			records = append(records, recordLine{text: rrLine, line: lineNo})
		}

		if err := b.add(el, records); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &LoadError{Line: lineNo, Err: err}
	}

	opts.Logger.Info("answer cache built",
		zap.Int("entries", b.table.Len()),
		zap.Int("buckets", len(b.table.buckets)),
		zap.String("class", dnsutils.QclassToString(opts.Class)),
	)
	return b.table, nil
}

type entryLine struct {
	line    int
	owner   string
	name    []byte
	qtype   uint16
	rcode   uint8
	answers int
	second  int
}

// recordLine is one record of an entry and its line in the specification.
type recordLine struct {
	text string
	line int
}

func parseEntryLine(line string, class uint16) (*entryLine, error) {
	f := strings.Fields(line)
	if len(f) != 6 {
		return nil, fmt.Errorf("%w: want 6 fields, got %d", ErrMalformedLine, len(f))
	}

	el := &entryLine{owner: dns.Fqdn(f[0])}
	if _, ok := dns.IsDomainName(el.owner); !ok {
		return nil, fmt.Errorf("%w: invalid owner name %q", ErrMalformedLine, f[0])
	}
	name, err := encodeName(el.owner)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid owner name %q, %v", ErrMalformedLine, f[0], err)
	}
	el.name = name

	c, ok := dns.StringToClass[strings.ToUpper(f[1])]
	if !ok {
		return nil, fmt.Errorf("%w: unknown class %q", ErrMalformedLine, f[1])
	}
	if c != class {
		return nil, fmt.Errorf("%w: %s, only %s is served", ErrUnsupportedClass, f[1], dnsutils.QclassToString(class))
	}

	if el.qtype, err = parseType(f[2]); err != nil {
		return nil, err
	}

	rcode, err := strconv.ParseUint(f[3], 10, 4)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid rcode %q", ErrMalformedLine, f[3])
	}
	el.rcode = uint8(rcode)

	if el.answers, err = parseCount(f[4]); err != nil {
		return nil, err
	}
	if el.second, err = parseCount(f[5]); err != nil {
		return nil, err
	}
	return el, nil
}

func parseType(s string) (uint16, error) {
	s = strings.ToUpper(s)
	if t, ok := dns.StringToType[s]; ok {
		return t, nil
	}
	if n, ok := strings.CutPrefix(s, "TYPE"); ok {
		if t, err := strconv.ParseUint(n, 10, 16); err == nil {
			return uint16(t), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrMalformedLine, s)
}

func parseCount(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid record count %q", ErrMalformedLine, s)
	}
	return int(n), nil
}

// scratchSize holds a full message plus one more record of maximum size,
// so rendering never runs out of buffer before the size check.
const scratchSize = 2 * dns.MaxMsgSize

// builder renders one entry at a time into scratch. It is the RecordSink
// for the records of the entry being rendered.
type builder struct {
	opts        BuildOptions
	table       *Table
	scratch     []byte
	compression map[string]int

	off       int // end of the rendered bytes
	offset0   int // end of the question, start of the entry data
	remaining [2]int
	offsets   []RecordOffset
	minTTL    uint32
}

var _ zone.RecordSink = (*builder)(nil)

// add renders one entry and inserts it. Errors are *LoadError pointing at
// the record line that failed, or at the entry line.
func (b *builder) add(el *entryLine, records []recordLine) error {
	if err := b.render(el, records); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return le
		}
		return &LoadError{Line: el.line, Err: err}
	}
	return nil
}

func (b *builder) render(el *entryLine, records []recordLine) error {
	clear(b.compression)
	b.offsets = b.offsets[:0]
	b.minTTL = math.MaxUint32
	b.remaining = [2]int{el.answers, el.second}

	// The first HeaderSize bytes of scratch stand in for the reply header.
	// Pointers rendered below are absolute, so the question of every reply
	// must start at the same offset and have the same length as this one.
	off, err := dns.PackDomainName(el.owner, b.scratch, dnsutils.HeaderSize, b.compression, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	binary.BigEndian.PutUint16(b.scratch[off:], el.qtype)
	binary.BigEndian.PutUint16(b.scratch[off+2:], b.opts.Class)
	b.offset0 = off + 4
	b.off = b.offset0

	// One record per line, so every record is collated on its own and a
	// failure is reported with its own line.
	for _, rl := range records {
		if err := b.opts.Collator.Collate(strings.NewReader(rl.text), el.owner, b); err != nil {
			return &LoadError{Line: rl.line, Err: err}
		}
	}
	if b.remaining[0] != 0 || b.remaining[1] != 0 {
		return fmt.Errorf("%w: %s declares %d answer and %d second batch records, got %d",
			ErrCountMismatch, el.owner, el.answers, el.second, len(b.offsets))
	}

	ttl := b.minTTL
	if len(b.offsets) == 0 {
		ttl = 0
	}
	e, err := newEntry(entryFields{
		qtype:   el.qtype,
		anCount: uint16(el.answers),
		nsCount: uint16(el.second),
		rcode:   el.rcode,
		ttl:     ttl,
	}, el.name, b.offsets, b.scratch[b.offset0:b.off])
	if err != nil {
		return err
	}
	if err := b.table.insert(e); err != nil {
		return fmt.Errorf("%w: %s %s", err, el.owner, dnsutils.QtypeToString(el.qtype))
	}
	return nil
}

func (b *builder) PushRecord(rr dns.RR) error {
	if c := rr.Header().Class; c != b.opts.Class {
		return fmt.Errorf("%w: record %s has class %s, only %s is served",
			ErrUnsupportedClass, rr.Header().Name, dnsutils.QclassToString(c), dnsutils.QclassToString(b.opts.Class))
	}
	switch {
	case b.remaining[0] > 0:
		b.remaining[0]--
	case b.remaining[1] > 0:
		b.remaining[1]--
	default:
		return fmt.Errorf("%w: more records than declared", ErrCountMismatch)
	}

	start := b.off
	off, err := dns.PackRR(rr, b.scratch, start, b.compression, true)
	if err != nil {
		return fmt.Errorf("failed to render record %s: %w", rr.Header().Name, err)
	}
	if off > dns.MaxMsgSize {
		return fmt.Errorf("%w: %s", ErrEntryTooLarge, rr.Header().Name)
	}
	typeOff, err := dnsutils.SkipName(b.scratch[:off], start)
	if err != nil {
		return fmt.Errorf("failed to locate type of rendered record %s: %w", rr.Header().Name, err)
	}

	b.offsets = append(b.offsets, RecordOffset{
		Owner: uint16(start - b.offset0),
		Type:  uint16(typeOff - b.offset0),
	})
	if ttl := rr.Header().Ttl; ttl < b.minTTL {
		b.minTTL = ttl
	}
	b.off = off
	return nil
}
