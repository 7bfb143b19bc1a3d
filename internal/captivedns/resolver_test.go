package captivedns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/koltyakov/duckap/internal/domain"
	ilog "github.com/koltyakov/duckap/internal/log"
)

func newTestResolver(conn net.PacketConn) *Resolver {
	return New(conn, domain.DefaultGateway, ilog.Discard(), nil)
}

func unpack(t *testing.T, wire []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	if err := m.Unpack(wire); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	return m
}

func TestAnswerAlwaysReturnsGateway(t *testing.T) {
	t.Parallel()

	r := newTestResolver(nil)
	names := []string{".", "example.com.", "captive.apple.com.", "connectivitycheck.gstatic.com.", "does-not-exist.invalid.", "WiFi.Duck."}
	for _, name := range names {
		q := new(dns.Msg)
		q.SetQuestion(name, dns.TypeA)
		q.Id = 0xbeef
		wire, err := q.Pack()
		if err != nil {
			t.Fatal(err)
		}

		out, rcode := r.Answer(wire)
		if rcode != dns.RcodeSuccess {
			t.Fatalf("%s: unexpected rcode %d", name, rcode)
		}
		resp := unpack(t, out)
		if resp.Id != 0xbeef || !resp.Response || resp.Rcode != dns.RcodeSuccess {
			t.Fatalf("%s: bad header %+v", name, resp.MsgHdr)
		}
		if len(resp.Answer) != 1 {
			t.Fatalf("%s: expected one answer, got %d", name, len(resp.Answer))
		}
		a, ok := resp.Answer[0].(*dns.A)
		if !ok {
			t.Fatalf("%s: expected A record, got %T", name, resp.Answer[0])
		}
		if !a.A.Equal(net.IPv4(192, 168, 4, 1)) {
			t.Fatalf("%s: expected gateway address, got %s", name, a.A)
		}
		if a.Hdr.Ttl != 300 {
			t.Fatalf("%s: expected TTL 300, got %d", name, a.Hdr.Ttl)
		}
		if a.Hdr.Name != name {
			t.Fatalf("expected answer for %s, got %s", name, a.Hdr.Name)
		}
	}
}

func TestAnswerEveryQueryTypeWithGateway(t *testing.T) {
	t.Parallel()

	r := newTestResolver(nil)
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeMX, dns.TypeHTTPS, dns.TypeTXT} {
		q := new(dns.Msg)
		q.SetQuestion("example.com.", qtype)
		wire, _ := q.Pack()

		out, rcode := r.Answer(wire)
		resp := unpack(t, out)
		if rcode != dns.RcodeSuccess || resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
			t.Fatalf("qtype %d: rcode=%d answers=%d", qtype, resp.Rcode, len(resp.Answer))
		}
		a, ok := resp.Answer[0].(*dns.A)
		if !ok || !a.A.Equal(net.IPv4(192, 168, 4, 1)) || a.Hdr.Ttl != 300 || a.Hdr.Name != "example.com." {
			t.Fatalf("qtype %d: answer = %v", qtype, resp.Answer[0])
		}
	}
}

func TestAnswerMalformedQueryIsServFail(t *testing.T) {
	t.Parallel()

	r := newTestResolver(nil)

	// Header claims one question but the name is truncated.
	garbage := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 'e', 'x'}
	out, rcode := r.Answer(garbage)
	if rcode != dns.RcodeServerFailure {
		t.Fatalf("expected SERVFAIL, got %d", rcode)
	}
	resp := unpack(t, out)
	if resp.Id != 0x1234 || resp.Rcode != dns.RcodeServerFailure || !resp.RecursionDesired {
		t.Fatalf("unexpected failure header %+v", resp.MsgHdr)
	}

	multi := new(dns.Msg)
	multi.Id = 7
	multi.Question = []dns.Question{
		{Name: "a.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	wire, _ := multi.Pack()
	out, rcode = r.Answer(wire)
	if rcode != dns.RcodeServerFailure || unpack(t, out).Rcode != dns.RcodeServerFailure {
		t.Fatal("multi-question query must get SERVFAIL")
	}

	notify := new(dns.Msg)
	notify.SetNotify("example.com.")
	wire, _ = notify.Pack()
	if _, rcode := r.Answer(wire); rcode != dns.RcodeServerFailure {
		t.Fatal("non-QUERY opcode must get SERVFAIL")
	}
}

func TestAnswerDropsShortAndResponseDatagrams(t *testing.T) {
	t.Parallel()

	r := newTestResolver(nil)
	if out, _ := r.Answer([]byte{1, 2, 3}); out != nil {
		t.Fatal("datagram shorter than a header must be dropped")
	}

	resp := new(dns.Msg)
	resp.SetQuestion("example.com.", dns.TypeA)
	resp.Response = true
	wire, _ := resp.Pack()
	if out, _ := r.Answer(wire); out != nil {
		t.Fatal("responses must not be answered")
	}
}

func TestPollOnceIsNonBlockingAndAnswersOneQuery(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r := newTestResolver(conn)
	r.Start()
	defer r.Close()

	// Nothing pending: must return immediately.
	r.PollOnce()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.PollOnce()
			}
		}
	}()

	q := new(dns.Msg)
	q.SetQuestion("anything.local.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := client.Exchange(q, conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Answer) != 1 || resp.Answer[0].(*dns.A).A.String() != "192.168.4.1" {
		t.Fatalf("unexpected answer %v", resp.Answer)
	}
}
