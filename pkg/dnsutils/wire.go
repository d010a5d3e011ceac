package dnsutils

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"
)

var (
	ErrInvalidDNSMsg = errors.New("invalid dns message")
)

const (
	HeaderSize = 12

	// MaxNameLen is the maximum length of a domain name in wire format.
	MaxNameLen  = 255
	maxLabelLen = 63
)

// Header flag bits, as they appear in the second 16-bit word of the header.
const (
	FlagQR     uint16 = 1 << 15
	OpcodeMask uint16 = 0xF << 11
	FlagAA     uint16 = 1 << 10
	FlagTC     uint16 = 1 << 9
	FlagRD     uint16 = 1 << 8
	FlagRA     uint16 = 1 << 7
	FlagAD     uint16 = 1 << 5
	FlagCD     uint16 = 1 << 4
	RcodeMask  uint16 = 0xF
)

// HeaderInfo contains the fixed DNS header.
type HeaderInfo struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h HeaderInfo) Response() bool { return h.Flags&FlagQR != 0 }
func (h HeaderInfo) Opcode() int    { return int(h.Flags&OpcodeMask) >> 11 }
func (h HeaderInfo) Rcode() int     { return int(h.Flags & RcodeMask) }

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < HeaderSize {
		return HeaderInfo{}, ErrInvalidDNSMsg
	}
	return HeaderInfo{
		ID:      binary.BigEndian.Uint16(msg[0:2]),
		Flags:   binary.BigEndian.Uint16(msg[2:4]),
		QDCount: binary.BigEndian.Uint16(msg[4:6]),
		ANCount: binary.BigEndian.Uint16(msg[6:8]),
		NSCount: binary.BigEndian.Uint16(msg[8:10]),
		ARCount: binary.BigEndian.Uint16(msg[10:12]),
	}, nil
}

// ScanName walks an uncompressed name that starts at off and returns the
// offset just past its root label. Compression pointers, reserved label
// types, labels longer than 63 bytes and names longer than 255 bytes are
// rejected.
func ScanName(msg []byte, off int) (int, error) {
	start := off
	for {
		if off >= len(msg) {
			return 0, ErrInvalidDNSMsg
		}
		c := int(msg[off])
		if c == 0 {
			off++
			if off-start > MaxNameLen {
				return 0, ErrInvalidDNSMsg
			}
			return off, nil
		}
		if c > maxLabelLen { // pointer or reserved label type
			return 0, ErrInvalidDNSMsg
		}
		off += c + 1
		if off-start > MaxNameLen {
			return 0, ErrInvalidDNSMsg
		}
	}
}

// SkipName skips a possibly compressed name that starts at off.
func SkipName(msg []byte, off int) (int, error) {
	for {
		if off >= len(msg) {
			return 0, ErrInvalidDNSMsg
		}
		c := msg[off]
		if c == 0 {
			return off + 1, nil
		}
		if c&0xC0 == 0xC0 { // Pointer
			if off+2 > len(msg) {
				return 0, ErrInvalidDNSMsg
			}
			return off + 2, nil
		}
		if c&0xC0 != 0 { // Restricted label type (RFC 1682/1035)
			return 0, ErrInvalidDNSMsg
		}
		l := int(c)
		if off+1+l > len(msg) {
			return 0, ErrInvalidDNSMsg
		}
		off += l + 1
	}
}

// skipRR skips one resource record and returns its type and the offset
// of the next record.
func skipRR(msg []byte, off int) (rrType uint16, class uint16, next int, err error) {
	off, err = SkipName(msg, off)
	if err != nil {
		return 0, 0, 0, err
	}
	if off+10 > len(msg) {
		return 0, 0, 0, ErrInvalidDNSMsg
	}
	rrType = binary.BigEndian.Uint16(msg[off : off+2])
	class = binary.BigEndian.Uint16(msg[off+2 : off+4])
	rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
	next = off + 10 + rdLen
	if next > len(msg) {
		return 0, 0, 0, ErrInvalidDNSMsg
	}
	return rrType, class, next, nil
}

// GetUDPSize returns the UDP payload size the sender of the raw query
// accepts. It is the EDNS0 size from the OPT record if there is one,
// and never less than dns.MinMsgSize.
func GetUDPSize(msg []byte) int {
	h, err := GetHeaderInfo(msg)
	if err != nil || h.ARCount == 0 {
		return dns.MinMsgSize
	}

	off := HeaderSize
	for i := 0; i < int(h.QDCount); i++ {
		if off, err = SkipName(msg, off); err != nil {
			return dns.MinMsgSize
		}
		off += 4 // Type(2) + Class(2)
	}

	for i := 0; i < int(h.ANCount)+int(h.NSCount)+int(h.ARCount); i++ {
		rrType, class, next, err := skipRR(msg, off)
		if err != nil {
			return dns.MinMsgSize
		}
		if rrType == dns.TypeOPT {
			if int(class) < dns.MinMsgSize {
				return dns.MinMsgSize
			}
			return int(class)
		}
		off = next
	}
	return dns.MinMsgSize
}
