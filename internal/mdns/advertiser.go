// Package mdns advertises the device's HTTP service over multicast DNS so
// peers on the access point can find it without a unicast resolver.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const (
	// Port is the well-known mDNS port.
	Port = 5353

	serviceType  = "_http._tcp.local."
	servicesEnum = "_services._dns-sd._udp.local."
	recordTTL    = 120
	legacyTTL    = 10
	cacheFlush   = 1 << 15
)

var groupIPv4 = net.IPv4(224, 0, 0, 251)

// Service describes the advertised HTTP endpoint.
type Service struct {
	Host string
	Port int
	Addr netip.Addr
	Text []string
}

func (s Service) hostName() string     { return dns.Fqdn(strings.ToLower(s.Host) + ".local") }
func (s Service) instanceName() string { return s.Host + "." + serviceType }

// Advertiser answers mDNS questions about one service.
type Advertiser struct {
	svc  Service
	log  *slog.Logger
	conn *ipv4.PacketConn
	raw  net.PacketConn
}

// New builds an advertiser without a socket; [Advertiser.Respond] works on
// it directly.
func New(svc Service, logger *slog.Logger) *Advertiser {
	return &Advertiser{svc: svc, log: logger}
}

// Listen joins the mDNS group on the named interface (any interface when
// empty).
func Listen(iface string, svc Service, logger *slog.Logger) (*Advertiser, error) {
	raw, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", Port))
	if err != nil {
		return nil, fmt.Errorf("listen mdns: %w", err)
	}
	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("mdns interface %s: %w", iface, err)
		}
	}

	p := ipv4.NewPacketConn(raw)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: groupIPv4}); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("join mdns group: %w", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}
	_ = p.SetMulticastTTL(255)
	_ = p.SetMulticastLoopback(true)

	a := New(svc, logger)
	a.conn = p
	a.raw = raw
	return a, nil
}

// Records returns the full record set for the service.
func (a *Advertiser) Records() []dns.RR {
	return []dns.RR{a.ptr(), a.srv(), a.txt(), a.addr()}
}

// Respond builds a multicast response to an mDNS query, or nil when none of
// its questions concern this service.
func (a *Advertiser) Respond(query []byte) []byte {
	return a.respond(query, false)
}

// RespondLegacy answers a one-shot resolver querying from a port other than
// 5353. The reply echoes the query id and questions, drops the cache-flush
// bit and caps TTLs at ten seconds (RFC 6762 section 6.7).
func (a *Advertiser) RespondLegacy(query []byte) []byte {
	return a.respond(query, true)
}

func (a *Advertiser) respond(query []byte, legacy bool) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil || req.Response || req.Opcode != dns.OpcodeQuery {
		return nil
	}

	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	seen := map[string]bool{}
	add := func(section *[]dns.RR, rrs ...dns.RR) {
		for _, rr := range rrs {
			key := rr.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			*section = append(*section, rr)
		}
	}

	for _, q := range req.Question {
		name := strings.ToLower(q.Name)
		all := q.Qtype == dns.TypeANY
		switch {
		case name == servicesEnum && (q.Qtype == dns.TypePTR || all):
			add(&resp.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: servicesEnum, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: recordTTL},
				Ptr: serviceType,
			})
		case name == serviceType && (q.Qtype == dns.TypePTR || all):
			add(&resp.Answer, a.ptr())
			add(&resp.Extra, a.srv(), a.txt(), a.addr())
		case name == strings.ToLower(a.svc.instanceName()):
			if q.Qtype == dns.TypeSRV || all {
				add(&resp.Answer, a.srv())
				add(&resp.Extra, a.addr())
			}
			if q.Qtype == dns.TypeTXT || all {
				add(&resp.Answer, a.txt())
			}
		case name == a.svc.hostName() && (q.Qtype == dns.TypeA || all):
			add(&resp.Answer, a.addr())
		}
	}
	if len(resp.Answer) == 0 {
		return nil
	}
	if legacy {
		resp.Id = req.Id
		resp.Question = req.Question
		for _, rr := range append(append([]dns.RR{}, resp.Answer...), resp.Extra...) {
			h := rr.Header()
			h.Class &^= cacheFlush
			h.Ttl = min(h.Ttl, legacyTTL)
		}
	}
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}

// Run announces the service and answers queries until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	if a.conn == nil {
		return errors.New("mdns advertiser has no socket")
	}
	go func() {
		<-ctx.Done()
		_ = a.raw.Close()
	}()

	group := &net.UDPAddr{IP: groupIPv4, Port: Port}
	if err := a.announce(group); err != nil {
		a.log.Warn("mdns announce failed", "err", err)
	} else {
		a.log.Info("advertising service", "name", a.svc.instanceName(), "port", a.svc.Port)
	}

	buf := make([]byte, 9000)
	for {
		n, _, src, err := a.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log.Debug("mdns read failed", "err", err)
			continue
		}
		dst := net.Addr(group)
		legacy := false
		if udp, ok := src.(*net.UDPAddr); ok && udp.Port != Port {
			dst = udp
			legacy = true
		}
		resp := a.respond(buf[:n], legacy)
		if resp == nil {
			continue
		}
		if _, err := a.conn.WriteTo(resp, nil, dst); err != nil {
			a.log.Debug("mdns write failed", "err", err)
		}
	}
}

func (a *Advertiser) announce(group *net.UDPAddr) error {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Answer = a.Records()
	out, err := m.Pack()
	if err != nil {
		return err
	}
	_, err = a.conn.WriteTo(out, nil, group)
	return err
}

func (a *Advertiser) ptr() dns.RR {
	return &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: recordTTL},
		Ptr: a.svc.instanceName(),
	}
}

func (a *Advertiser) srv() dns.RR {
	return &dns.SRV{
		Hdr:    dns.RR_Header{Name: a.svc.instanceName(), Rrtype: dns.TypeSRV, Class: dns.ClassINET | cacheFlush, Ttl: recordTTL},
		Port:   uint16(a.svc.Port),
		Target: a.svc.hostName(),
	}
}

func (a *Advertiser) txt() dns.RR {
	txt := a.svc.Text
	if len(txt) == 0 {
		txt = []string{""}
	}
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: a.svc.instanceName(), Rrtype: dns.TypeTXT, Class: dns.ClassINET | cacheFlush, Ttl: recordTTL},
		Txt: txt,
	}
}

func (a *Advertiser) addr() dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: a.svc.hostName(), Rrtype: dns.TypeA, Class: dns.ClassINET | cacheFlush, Ttl: recordTTL},
		A:   net.IP(a.svc.Addr.AsSlice()),
	}
}
