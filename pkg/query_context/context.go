package query_context

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/dnsutils"
	"github.com/pmkol/anscache/pkg/pool"
)

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context carries one query from the listener to the handler and the
// response back. The query stays in wire format until something asks
// for the parsed message.
type Context struct {
	startTime time.Time
	rawQ      []byte
	q         *dns.Msg // lazy init
	id        uint32
	reqMeta   *RequestMeta

	r          *dns.Msg
	rawR       []byte
	rawRelease func()
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new query Context. rawQ must stay valid and
// unmodified until the Context is released.
func NewContext(rawQ []byte, meta *RequestMeta) *Context {
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		rawQ:      rawQ,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its query. It reads the wire query
// and never unpacks the whole message.
func (ctx *Context) String() string {
	h, err := dnsutils.GetHeaderInfo(ctx.rawQ)
	if err != nil {
		return fmt.Sprintf("invalid query %d", ctx.id)
	}
	name, off, err := dns.UnpackDomainName(ctx.rawQ, dnsutils.HeaderSize)
	if err != nil || off+4 > len(ctx.rawQ) {
		return fmt.Sprintf("unparsable query %d %d", h.ID, ctx.id)
	}
	return fmt.Sprintf("%s %s %s %d %d",
		name,
		dnsutils.QclassToString(binary.BigEndian.Uint16(ctx.rawQ[off+2:])),
		dnsutils.QtypeToString(binary.BigEndian.Uint16(ctx.rawQ[off:])),
		h.ID,
		ctx.id,
	)
}

// RawQ returns the query in wire format.
func (ctx *Context) RawQ() []byte {
	return ctx.rawQ
}

// Q unpacks the query on first use and returns it. The msg is owned by
// the Context and is recycled by Release.
func (ctx *Context) Q() (*dns.Msg, error) {
	if ctx.q != nil {
		return ctx.q, nil
	}
	q, err := pool.UnpackMsg(ctx.rawQ)
	if err != nil {
		return nil, err
	}
	ctx.q = q
	return q, nil
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// R returns the parsed response, if any.
func (ctx *Context) R() *dns.Msg {
	return ctx.r
}

// SetResponse stores the response r and drops any raw response.
func (ctx *Context) SetResponse(r *dns.Msg) {
	if r == nil {
		return
	}
	ctx.ReleaseRawR()
	ctx.r = r
}

// RawR returns the raw response.
func (ctx *Context) RawR() []byte {
	return ctx.rawR
}

// SetRawResponse stores the raw response b. release, if not nil, is
// called once b is no longer needed.
func (ctx *Context) SetRawResponse(b []byte, release func()) {
	if b == nil {
		return
	}
	ctx.ReleaseRawR()
	ctx.r = nil
	ctx.rawR = b
	ctx.rawRelease = release
}

// ReleaseRawR drops the raw response and returns its buffer.
func (ctx *Context) ReleaseRawR() {
	if f := ctx.rawRelease; f != nil {
		f()
	}
	ctx.rawR = nil
	ctx.rawRelease = nil
}

// Release recycles everything the Context owns. The Context must not be
// used afterwards.
func (ctx *Context) Release() {
	ctx.ReleaseRawR()
	if ctx.q != nil {
		pool.ReleaseMsg(ctx.q)
		ctx.q = nil
	}
	ctx.r = nil
}

// Id returns the Context id.
func (ctx *Context) Id() uint32 {
	return ctx.id
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
