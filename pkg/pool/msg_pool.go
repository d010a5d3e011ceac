package pool

import (
	"sync"

	"github.com/miekg/dns"
)

var msgPool = sync.Pool{
	New: func() interface{} {
		return new(dns.Msg)
	},
}

// UnpackMsg unpacks b into a pooled *dns.Msg.
// On success the caller MUST call ReleaseMsg after use.
func UnpackMsg(b []byte) (*dns.Msg, error) {
	m := msgPool.Get().(*dns.Msg)
	if err := m.Unpack(b); err != nil {
		ReleaseMsg(m)
		return nil, err
	}
	return m, nil
}

// ReleaseMsg zeroes m and returns it to the pool.
// After calling ReleaseMsg, the caller MUST NOT access the msg.
func ReleaseMsg(m *dns.Msg) {
	*m = dns.Msg{}
	msgPool.Put(m)
}

// PackBuffer packs m into a buffer from the pool. The caller should
// Release buf once b is no longer used.
func PackBuffer(m *dns.Msg) (b []byte, buf *Buffer, err error) {
	buf = GetBuf(m.Len())
	b, err = m.PackBuffer(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return b, buf, nil
}
