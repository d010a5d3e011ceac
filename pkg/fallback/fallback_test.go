package fallback

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	C "github.com/pmkol/anscache/pkg/query_context"
)

func newQCtx(t *testing.T, name string, qtype uint16) *C.Context {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Id = 777
	b, err := q.Pack()
	require.NoError(t, err)
	return C.NewContext(b, nil)
}

type fakeUpstream struct {
	addr  string
	delay time.Duration
	rcode int
	ans   bool
	err   error
}

func (u *fakeUpstream) Address() string { return u.addr }

func (u *fakeUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	select {
	case <-time.After(u.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if u.err != nil {
		return nil, u.err
	}
	r := new(dns.Msg)
	r.SetRcode(q, u.rcode)
	if u.ans {
		rr, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 192.0.2.1")
		r.Answer = append(r.Answer, rr)
	}
	return r, nil
}

func TestResponder(t *testing.T) {
	_, err := NewResponder(16)
	assert.Error(t, err)
	_, err = NewResponder(-2)
	assert.Error(t, err)

	r, err := NewResponder(dns.RcodeRefused)
	require.NoError(t, err)
	qCtx := newQCtx(t, "example.com.", dns.TypeA)
	resp, err := r.Exchange(context.Background(), qCtx)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
	assert.Equal(t, uint16(777), resp.Id)
	assert.True(t, resp.Response)
	require.Len(t, resp.Ns, 1)
	assert.Equal(t, "example.com.", resp.Ns[0].Header().Name)

	drop, err := NewResponder(DropRcode)
	require.NoError(t, err)
	resp, err = drop.Exchange(context.Background(), qCtx)
	assert.NoError(t, err)
	assert.Nil(t, resp)

	_, err = r.Exchange(context.Background(), C.NewContext([]byte{1, 2, 3}, nil))
	assert.Error(t, err)
}

func TestExchangeParallel(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		upstreams []Upstream
		wantRcode int
		wantAns   bool
		wantErr   bool
	}{
		{"single", []Upstream{&fakeUpstream{addr: "a", ans: true}}, dns.RcodeSuccess, true, false},
		{"answer beats faster nodata", []Upstream{
			&fakeUpstream{addr: "a"},
			&fakeUpstream{addr: "b", delay: 20 * time.Millisecond, ans: true},
		}, dns.RcodeSuccess, true, false},
		{"first response when nobody answers", []Upstream{
			&fakeUpstream{addr: "a", rcode: dns.RcodeNameError},
			&fakeUpstream{addr: "b", delay: 20 * time.Millisecond, err: errBoom},
		}, dns.RcodeNameError, false, false},
		{"all failed", []Upstream{
			&fakeUpstream{addr: "a", err: errBoom},
			&fakeUpstream{addr: "b", err: errBoom},
		}, 0, false, true},
		{"none", nil, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qCtx := newQCtx(t, "example.com.", dns.TypeA)
			q, err := qCtx.Q()
			require.NoError(t, err)
			r, err := ExchangeParallel(context.Background(), qCtx, q, tt.upstreams, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAllFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRcode, r.Rcode)
			assert.Equal(t, tt.wantAns, len(r.Answer) > 0)
		})
	}
}

func TestForwarder(t *testing.T) {
	_, err := NewForwarder(ForwarderOpts{})
	assert.Error(t, err)

	f, err := NewForwarder(ForwarderOpts{
		Upstreams: []Upstream{&fakeUpstream{addr: "slow", delay: time.Second, ans: true}},
		Timeout:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = f.Exchange(context.Background(), newQCtx(t, "example.com.", dns.TypeA))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewUpstream(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"192.0.2.1", "udp://192.0.2.1:53", false},
		{"udp://192.0.2.1:5353", "udp://192.0.2.1:5353", false},
		{"tcp://dns.example", "tcp://dns.example:53", false},
		{"[2001:db8::1]", "udp://[2001:db8::1]:53", false},
		{"https://dns.example", "", true},
		{"tcp://", "", true},
	}
	for _, tt := range tests {
		u, err := NewUpstream(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, u.Address())
	}
}

func startTestDNSServer(t *testing.T, h dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	l, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		t.Skipf("tcp port not available: %v", err)
	}
	udpServer := &dns.Server{PacketConn: pc, Handler: h}
	tcpServer := &dns.Server{Listener: l, Handler: h}
	go udpServer.ActivateAndServe()
	go tcpServer.ActivateAndServe()
	t.Cleanup(func() {
		udpServer.Shutdown()
		tcpServer.Shutdown()
	})
	return pc.LocalAddr().String()
}

func TestForwarder_realUpstream(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, q *dns.Msg) {
		r := new(dns.Msg)
		r.SetReply(q)
		if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
			r.Truncated = true
		} else {
			rr, _ := dns.NewRR("example.com. 60 IN A 192.0.2.9")
			r.Answer = append(r.Answer, rr)
		}
		w.WriteMsg(r)
	})

	u, err := NewUpstream(addr)
	require.NoError(t, err)
	f, err := NewForwarder(ForwarderOpts{Upstreams: []Upstream{u}, Timeout: 2 * time.Second})
	require.NoError(t, err)

	r, err := f.Exchange(context.Background(), newQCtx(t, "example.com.", dns.TypeA))
	require.NoError(t, err)
	assert.Equal(t, uint16(777), r.Id)
	assert.False(t, r.Truncated)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "192.0.2.9", r.Answer[0].(*dns.A).A.String())
}
