package answer_cache

import (
	"hash/maphash"

	"github.com/miekg/dns"

	"github.com/pmkol/anscache/pkg/dnsutils"
)

// encodeName returns the uncompressed wire form of an absolute name.
func encodeName(name string) ([]byte, error) {
	var buf [dnsutils.MaxNameLen + 1]byte
	n, err := dns.PackDomainName(dns.Fqdn(name), buf[:], 0, nil, false)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[:n]...), nil
}

// Length octets are at most 63, so every byte in 'A'..'Z' of a label
// sequence is label content and can be folded without decoding labels.
func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// equalFold reports whether two label sequences are equal under ASCII
// case folding.
func equalFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

// hashKey hashes a label sequence case-insensitively together with qtype.
// name longer than a valid wire name is truncated for hashing purposes
// only; equality is still checked on the full name.
func hashKey(seed maphash.Seed, name []byte, qtype uint16) uint64 {
	var buf [dnsutils.MaxNameLen + 2]byte
	n := copy(buf[:dnsutils.MaxNameLen], name)
	for i := 0; i < n; i++ {
		buf[i] = lowerASCII(buf[i])
	}
	buf[n] = byte(qtype >> 8)
	buf[n+1] = byte(qtype)
	return maphash.Bytes(seed, buf[:n+2])
}
