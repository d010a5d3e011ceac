package answer_cache

import (
	"encoding/binary"

	"github.com/pmkol/anscache/pkg/dnsutils"
)

// Result is the outcome of HandleQuery.
type Result uint8

const (
	// Answered means a complete reply was written to the output buffer.
	Answered Result = iota
	// NotHandled means the query is well formed but outside what the
	// table serves: another opcode, not exactly one question, another
	// class, or a miss. The caller should resolve it some other way.
	NotHandled
	// Malformed means the query cannot be parsed or is itself a response.
	// The caller should drop it.
	Malformed
)

func (r Result) String() string {
	switch r {
	case Answered:
		return "answered"
	case NotHandled:
		return "not_handled"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Flags copied from the query into the reply.
const keptQueryFlags = dnsutils.OpcodeMask | dnsutils.FlagRD | dnsutils.FlagCD

// HandleQuery answers the raw query q from t and writes the reply to out.
// It returns the reply length when the result is Answered. out is not
// touched otherwise. HandleQuery never allocates and is safe to call
// concurrently.
//
// The reply is the query's ID and question, byte for byte, followed by the
// entry data. Copying the question verbatim keeps the compression pointers
// inside the data valid.
func HandleQuery(q []byte, t *Table, out []byte) (int, Result) {
	h, err := dnsutils.GetHeaderInfo(q)
	if err != nil || h.Response() {
		return 0, Malformed
	}
	if h.Flags&dnsutils.OpcodeMask != 0 || h.QDCount != 1 {
		return 0, NotHandled
	}

	nameEnd, err := dnsutils.ScanName(q, dnsutils.HeaderSize)
	if err != nil {
		return 0, Malformed
	}
	qEnd := nameEnd + 4
	if qEnd > len(q) {
		return 0, Malformed
	}
	qtype := binary.BigEndian.Uint16(q[nameEnd:])
	qclass := binary.BigEndian.Uint16(q[nameEnd+2:])
	if qclass != t.Class() {
		return 0, NotHandled
	}

	e := t.Find(q[dnsutils.HeaderSize:nameEnd], qtype)
	if e == nil {
		return 0, NotHandled
	}
	data := e.Data()
	n := qEnd + len(data)
	if data == nil || len(out) < n {
		return 0, NotHandled
	}

	copy(out[:6], q[:6])
	flags := h.Flags&keptQueryFlags | dnsutils.FlagQR | dnsutils.FlagRA | uint16(e.Rcode())
	if t.Authoritative() {
		flags |= dnsutils.FlagAA
	}
	binary.BigEndian.PutUint16(out[2:], flags)
	binary.BigEndian.PutUint16(out[6:], e.AnswerCount())
	binary.BigEndian.PutUint16(out[8:], e.AuthorityCount())
	binary.BigEndian.PutUint16(out[10:], e.AdditionalCount())
	copy(out[dnsutils.HeaderSize:qEnd], q[dnsutils.HeaderSize:qEnd])
	copy(out[qEnd:n], data)
	return n, Answered
}

// TruncateReply turns the reply in out[:n] built by HandleQuery into a
// reply with the TC bit set and no records, and returns its length.
func TruncateReply(out []byte, n int) int {
	if n < dnsutils.HeaderSize || n > len(out) {
		return 0
	}
	nameEnd, err := dnsutils.ScanName(out[:n], dnsutils.HeaderSize)
	if err != nil || nameEnd+4 > n {
		return 0
	}
	flags := binary.BigEndian.Uint16(out[2:]) | dnsutils.FlagTC
	binary.BigEndian.PutUint16(out[2:], flags)
	clear(out[6:dnsutils.HeaderSize])
	return nameEnd + 4
}
