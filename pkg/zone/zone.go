// Package zone streams resource records parsed from master-file text into
// a RecordSink, one record at a time.
package zone

import (
	"fmt"
	"io"

	"github.com/miekg/dns"
)

// RecordSink receives records in the order they appear in the source.
// Returning an error stops the collation and is returned by Collate.
type RecordSink interface {
	PushRecord(rr dns.RR) error
}

// Collator parses records from r and pushes them into sink. Relative names
// in r are resolved against origin.
type Collator interface {
	Collate(r io.Reader, origin string, sink RecordSink) error
}

// ZoneCollator parses master-file syntax with miekg/dns.
type ZoneCollator struct {
	// File is only used in error messages.
	File string
}

var _ Collator = (*ZoneCollator)(nil)

func (c *ZoneCollator) Collate(r io.Reader, origin string, sink RecordSink) error {
	zp := dns.NewZoneParser(r, dns.Fqdn(origin), c.File)
	zp.SetIncludeAllowed(false)

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if err := sink.PushRecord(rr); err != nil {
			return err
		}
	}
	if err := zp.Err(); err != nil {
		return fmt.Errorf("failed to parse records: %w", err)
	}
	return nil
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(rr dns.RR) error

func (f SinkFunc) PushRecord(rr dns.RR) error { return f(rr) }
