package dnsutils

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pmkol/anscache/pkg/pool"
)

// ReadRawMsgFromTCP reads one length-prefixed DNS message from c.
// The returned buffer holds the message and must be released by the caller.
func ReadRawMsgFromTCP(c io.Reader) (*pool.Buffer, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(hdr[:]))
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: tcp frame of %d bytes", ErrInvalidDNSMsg, length)
	}

	buf := pool.GetBuf(length)
	if _, err := io.ReadFull(c, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// WriteRawMsgToTCP writes b with its 2-byte length prefix in one write.
func WriteRawMsgToTCP(c io.Writer, b []byte) (int, error) {
	if len(b) > 0xFFFF {
		return 0, fmt.Errorf("%w: payload length %d overflows tcp frame", ErrInvalidDNSMsg, len(b))
	}
	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()

	wb := buf.Bytes()
	binary.BigEndian.PutUint16(wb[:2], uint16(len(b)))
	copy(wb[2:], b)
	return c.Write(wb)
}
