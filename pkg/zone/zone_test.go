package zone

import (
	"errors"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneCollator(t *testing.T) {
	text := strings.Join([]string{
		"@ 300 IN A 192.0.2.1",
		"www 3600 IN AAAA 2001:db8::1",
		"example.org. 60 IN CNAME www",
	}, "\n")

	var got []dns.RR
	c := &ZoneCollator{}
	err := c.Collate(strings.NewReader(text), "example.org", SinkFunc(func(rr dns.RR) error {
		got = append(got, rr)
		return nil
	}))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "example.org.", got[0].Header().Name)
	assert.Equal(t, uint32(300), got[0].Header().Ttl)
	assert.Equal(t, "www.example.org.", got[1].Header().Name)
	assert.Equal(t, "2001:db8::1", got[1].(*dns.AAAA).AAAA.String())
	assert.Equal(t, "www.example.org.", got[2].(*dns.CNAME).Target)
}

func TestZoneCollator_sinkError(t *testing.T) {
	stop := errors.New("stop")
	n := 0
	c := &ZoneCollator{}
	err := c.Collate(strings.NewReader("@ IN A 192.0.2.1\n@ IN A 192.0.2.2\n"), "example.org.", SinkFunc(func(rr dns.RR) error {
		n++
		return stop
	}))
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestZoneCollator_parseError(t *testing.T) {
	c := &ZoneCollator{File: "answers.txt"}
	err := c.Collate(strings.NewReader("@ 300 IN A not-an-address\n"), "example.org.", SinkFunc(func(dns.RR) error {
		return nil
	}))
	assert.Error(t, err)
}
