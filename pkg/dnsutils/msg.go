package dnsutils

import (
	"strconv"

	"github.com/miekg/dns"
)

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func RcodeToString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

// GenEmptyReply creates a reply to q that carries only rcode and a fake SOA
// in the authority section.
func GenEmptyReply(q *dns.Msg, rcode int) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(q, rcode)
	r.RecursionAvailable = true

	name := "."
	if len(q.Question) > 0 {
		name = q.Question[0].Name
	}

	r.Ns = []dns.RR{FakeSOA(name)}
	return r
}

// FakeSOA returns a static SOA record.
func FakeSOA(name string) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		Ns:      "fake-ns.anscache.invalid.",
		Mbox:    "fake-mbox.anscache.invalid.",
		Serial:  2026101500,
		Refresh: 1800,
		Retry:   900,
		Expire:  604800,
		Minttl:  86400,
	}
}
