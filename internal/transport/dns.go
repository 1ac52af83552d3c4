package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/NodePath81/netprobe/internal/util"
)

const DefaultDNSPort = 53

// DefaultQueryNames are queried when a DNS probe lists none. Popular names
// are likely to be cached by the resolver, so the round trip measures the
// path rather than recursion.
var DefaultQueryNames = []string{
	"amazon.com",
	"apple.com",
	"facebook.com",
	"google.com",
	"microsoft.com",
	"netflix.com",
	"snapchat.com",
	"tiktok.com",
	"youtube.com",
}

type DNSConfig struct {
	Server     string
	QueryNames []string
	Interface  string
	// Rand picks the query name; defaults to a time-seeded source.
	Rand *rand.Rand
}

// DNS measures the round trip of a plain A/IN query over UDP.
type DNS struct {
	server  string
	iface   string
	queries []*dns.Msg
	randMu  sync.Mutex
	rand    *rand.Rand
}

func NewDNS(cfg DNSConfig) (*DNS, error) {
	if cfg.Server == "" {
		return nil, errors.New("dns server must not be empty")
	}
	names := cfg.QueryNames
	if len(names) == 0 {
		names = DefaultQueryNames
	}
	queries := make([]*dns.Msg, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, errors.New("dns query name must not be empty")
		}
		if _, ok := dns.IsDomainName(name); !ok {
			return nil, fmt.Errorf("invalid dns query name %q", name)
		}
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeA)
		m.RecursionDesired = true
		queries = append(queries, m)
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DNS{
		server:  util.WithDefaultPort(cfg.Server, DefaultDNSPort),
		iface:   cfg.Interface,
		queries: queries,
		rand:    r,
	}, nil
}

// Server is the address queries are sent to, including the port.
func (d *DNS) Server() string {
	return d.server
}

func (d *DNS) Measure(ctx context.Context, timeout time.Duration) (Result, error) {
	start := time.Now()
	until := deadline(ctx, start, timeout)
	ctx, cancel := context.WithDeadline(ctx, until)
	defer cancel()

	client := &dns.Client{
		Net:     "udp",
		Timeout: until.Sub(start),
	}
	if d.iface != "" {
		host, _, err := net.SplitHostPort(d.server)
		if err != nil {
			return Result{}, &Error{Reason: ReasonProtocol, Err: err}
		}
		ip := net.ParseIP(host)
		src, err := interfaceAddr(d.iface, ip != nil && ip.To4() == nil)
		if err != nil {
			return Result{}, err
		}
		client.Dialer = &net.Dialer{LocalAddr: &net.UDPAddr{IP: src}}
	}

	query := d.pick()
	sent := query.Len()

	resp, rtt, err := client.ExchangeContext(ctx, query, d.server)
	if err != nil {
		return Result{}, wrap(err, sent)
	}
	if resp.Id != query.Id {
		return Result{}, &Error{Reason: ReasonProtocol, Err: dns.ErrId, BytesSent: sent}
	}
	return Result{RTT: rtt, BytesSent: sent, BytesReceived: resp.Len()}, nil
}

func (d *DNS) Close() error {
	return nil
}

func (d *DNS) pick() *dns.Msg {
	d.randMu.Lock()
	i := 0
	if len(d.queries) > 1 {
		i = d.rand.Intn(len(d.queries))
	}
	d.randMu.Unlock()
	m := d.queries[i].Copy()
	m.Id = dns.Id()
	return m
}
