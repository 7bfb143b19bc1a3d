// Package captivedns answers every DNS query with the device's own address.
//
// Datagrams are read by a background goroutine into a bounded queue; answers
// are produced only by PollOnce, which the control loop calls once per tick.
package captivedns

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/metrics"
)

const (
	headerSize   = 12
	maxDatagram  = 4096
	pendingLimit = 64
)

type datagram struct {
	addr net.Addr
	data []byte
}

// Resolver is the captive DNS responder.
type Resolver struct {
	conn    net.PacketConn
	gateway netip.Addr
	ttl     uint32
	log     *slog.Logger
	metrics *metrics.Metrics

	pending   chan datagram
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a resolver answering with gateway on conn.
func New(conn net.PacketConn, gateway netip.Addr, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		conn:    conn,
		gateway: gateway,
		ttl:     domain.CaptiveTTL,
		log:     logger,
		metrics: m,
		pending: make(chan datagram, pendingLimit),
		done:    make(chan struct{}),
	}
}

// Start launches the socket reader.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go r.readLoop()
}

func (r *Resolver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Debug("dns read failed", "err", err)
			continue
		}
		d := datagram{addr: addr, data: append([]byte(nil), buf[:n]...)}
		select {
		case r.pending <- d:
		default:
			r.metrics.DNSQuery(metrics.DNSDropped)
			r.log.Debug("dns queue full, dropping query", "from", addr.String())
		}
	}
}

// PollOnce answers at most one pending query. It never blocks and never
// reports an error; failures are logged and counted.
func (r *Resolver) PollOnce() {
	var d datagram
	select {
	case d = <-r.pending:
	default:
		return
	}

	resp, rcode := r.Answer(d.data)
	if resp == nil {
		r.metrics.DNSQuery(metrics.DNSDropped)
		return
	}
	if rcode == dns.RcodeServerFailure {
		r.metrics.DNSQuery(metrics.DNSServFail)
	} else {
		r.metrics.DNSQuery(metrics.DNSAnswered)
	}
	if _, err := r.conn.WriteTo(resp, d.addr); err != nil {
		r.log.Debug("dns write failed", "to", d.addr.String(), "err", err)
	}
}

// Answer builds the wire response for query. A nil response means the
// datagram is not worth answering (too short to carry an id, or itself a
// response).
func (r *Resolver) Answer(query []byte) ([]byte, int) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		if len(query) < headerSize {
			return nil, 0
		}
		return r.pack(servFailFromHeader(query)), dns.RcodeServerFailure
	}
	if req.Response {
		return nil, 0
	}
	if req.Opcode != dns.OpcodeQuery || len(req.Question) != 1 {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
		return r.pack(resp), dns.RcodeServerFailure
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = req.RecursionDesired
	// Every qtype gets the gateway A record. AAAA or HTTPS lookups that came
	// back empty would let a phone skip the portal check.
	q := req.Question[0]
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: r.ttl},
		A:   net.IP(r.gateway.AsSlice()),
	})
	return r.pack(resp), dns.RcodeSuccess
}

func (r *Resolver) pack(m *dns.Msg) []byte {
	out, err := m.Pack()
	if err != nil {
		r.log.Debug("dns pack failed", "err", err)
		return nil
	}
	return out
}

// servFailFromHeader answers a datagram that did not parse, echoing the id,
// opcode and RD bit so the client can match the failure to its query.
func servFailFromHeader(query []byte) *dns.Msg {
	m := new(dns.Msg)
	m.Id = binary.BigEndian.Uint16(query[0:2])
	m.Response = true
	m.Opcode = int(query[2]>>3) & 0x0F
	m.RecursionDesired = query[2]&0x01 != 0
	m.Rcode = dns.RcodeServerFailure
	return m
}

// Close stops the reader and closes the socket.
func (r *Resolver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}
