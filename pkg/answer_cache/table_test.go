package answer_cache

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(t *testing.T, owner string, qtype uint16) *Entry {
	t.Helper()
	name, err := encodeName(owner)
	require.NoError(t, err)
	e, err := newEntry(entryFields{qtype: qtype}, name, nil, []byte{0xde, 0xad})
	require.NoError(t, err)
	return e
}

func TestTable_Find(t *testing.T) {
	tb := newTable(4, dns.ClassINET, false)
	a := testEntry(t, "example.com.", dns.TypeA)
	aaaa := testEntry(t, "example.com.", dns.TypeAAAA)
	require.NoError(t, tb.insert(a))
	require.NoError(t, tb.insert(aaaa))
	for i := 0; i < 32; i++ {
		require.NoError(t, tb.insert(testEntry(t, dns.Fqdn(string(rune('a'+i%26))+"x"+string(rune('a'+i/26))+".org"), dns.TypeA)))
	}
	assert.Equal(t, 34, tb.Len())

	upper, err := encodeName("EXAMPLE.Com.")
	require.NoError(t, err)
	assert.Same(t, a, tb.Find(upper, dns.TypeA))
	assert.Same(t, aaaa, tb.Find(upper, dns.TypeAAAA))
	assert.Same(t, a, tb.Find(a.Name(), dns.TypeA), "repeated finds return the same entry")
	assert.Nil(t, tb.Find(upper, dns.TypeMX))

	other, err := encodeName("example.net.")
	require.NoError(t, err)
	assert.Nil(t, tb.Find(other, dns.TypeA))

	n := 0
	tb.Range(func(*Entry) bool { n++; return true })
	assert.Equal(t, 34, n)
	n = 0
	tb.Range(func(*Entry) bool { n++; return false })
	assert.Equal(t, 1, n)
}

func TestTable_duplicate(t *testing.T) {
	tb := newTable(0, dns.ClassINET, false)
	assert.Len(t, tb.buckets, DefaultBucketCount)
	require.NoError(t, tb.insert(testEntry(t, "example.com.", dns.TypeA)))
	assert.ErrorIs(t, tb.insert(testEntry(t, "Example.COM.", dns.TypeA)), ErrDuplicateEntry)
	assert.Equal(t, 1, tb.Len())
}

func TestTable_nil(t *testing.T) {
	var tb *Table
	assert.Nil(t, tb.Find([]byte{0}, dns.TypeA))
	assert.Zero(t, tb.Len())
	assert.Zero(t, tb.Class())
	assert.False(t, tb.Authoritative())
	tb.Range(func(*Entry) bool { t.Fatal("range over nil table"); return false })
}

func TestHashKey(t *testing.T) {
	tb := newTable(1, dns.ClassINET, false)
	lower, _ := encodeName("www.example.org.")
	upper, _ := encodeName("WWW.EXAMPLE.ORG.")
	assert.Equal(t, hashKey(tb.seed, lower, dns.TypeA), hashKey(tb.seed, upper, dns.TypeA))
	assert.NotEqual(t, hashKey(tb.seed, lower, dns.TypeA), hashKey(tb.seed, lower, dns.TypeAAAA))

	assert.True(t, equalFold(lower, upper))
	assert.False(t, equalFold(lower, upper[:len(upper)-1]))
	assert.False(t, equalFold([]byte{1, '['}, []byte{1, '{'}))
}
