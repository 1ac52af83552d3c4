package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	DefaultPayloadSize = 56
	icmpHeaderSize     = 8
	protoICMP          = 1
	protoICMPv6        = 58
	ipv6HeaderSize     = 40
)

var payloadPattern = []byte("netprobe")

type ICMPConfig struct {
	Target      string
	PayloadSize int
	// Privileged selects a raw socket; otherwise an unprivileged datagram
	// socket is used, which needs net.ipv4.ping_group_range on linux.
	Privileged bool
	// Interface, when set, binds the socket to that interface's address.
	Interface string
	Resolver  *net.Resolver
}

// ICMP sends one echo request per measurement and waits for the matching
// reply. The socket is kept open between measurements and reopened when the
// target address or source address changes.
type ICMP struct {
	cfg     ICMPConfig
	id      int
	seq     uint16
	payload []byte

	conn  *icmp.PacketConn
	dst   net.IP
	src   net.IP
	proto int
}

func NewICMP(cfg ICMPConfig) (*ICMP, error) {
	if cfg.Target == "" {
		return nil, errors.New("icmp target must not be empty")
	}
	if cfg.PayloadSize < 0 {
		return nil, fmt.Errorf("icmp payload size must be >= 0, got %d", cfg.PayloadSize)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = payloadPattern[i%len(payloadPattern)]
	}
	return &ICMP{
		cfg:     cfg,
		id:      rand.Intn(0xffff),
		payload: payload,
	}, nil
}

// PacketSize is the size of one echo request on the wire, without IP header.
func (p *ICMP) PacketSize() int {
	return len(p.payload) + icmpHeaderSize
}

func (p *ICMP) Measure(ctx context.Context, timeout time.Duration) (Result, error) {
	start := time.Now()
	until := deadline(ctx, start, timeout)
	if err := p.ensureConn(ctx, until); err != nil {
		return Result{}, err
	}

	p.seq++
	echoType, replyType := p.echoTypes()
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  int(p.seq),
			Data: p.payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return Result{}, &Error{Reason: ReasonProtocol, Err: err}
	}

	start = time.Now()
	if _, err := p.conn.WriteTo(wire, p.peerAddr()); err != nil {
		p.reset()
		return Result{}, wrap(err, 0)
	}
	sent := len(wire)
	if err := p.conn.SetReadDeadline(until); err != nil {
		p.reset()
		return Result{}, wrap(err, sent)
	}

	buf := make([]byte, 1500+len(p.payload))
	for {
		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				p.reset()
			}
			return Result{}, wrap(err, sent)
		}
		if !p.fromTarget(peer) {
			continue
		}
		parsed, err := icmp.ParseMessage(p.proto, buf[:n])
		if err != nil {
			continue
		}
		switch parsed.Type {
		case replyType:
			echo, ok := parsed.Body.(*icmp.Echo)
			if !ok || !p.matches(echo.ID, echo.Seq) {
				continue
			}
			return Result{RTT: time.Since(start), BytesSent: sent, BytesReceived: n}, nil
		case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
			body, ok := parsed.Body.(*icmp.DstUnreach)
			if !ok || !p.quotesOurs(body.Data) {
				continue
			}
			return Result{}, &Error{
				Reason:    ReasonUnreachable,
				Err:       fmt.Errorf("destination unreachable from %s", peer),
				BytesSent: sent,
			}
		}
	}
}

func (p *ICMP) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *ICMP) ensureConn(ctx context.Context, until time.Time) error {
	dst, err := p.resolve(ctx, until)
	if err != nil {
		return err
	}
	v6 := dst.To4() == nil
	var src net.IP
	if p.cfg.Interface != "" {
		src, err = interfaceAddr(p.cfg.Interface, v6)
		if err != nil {
			return err
		}
	}
	if p.conn != nil && dst.Equal(p.dst) && src.Equal(p.src) {
		return nil
	}
	p.reset()

	network, listen := p.network(v6, src)
	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		if isPermission(err) {
			return Fatal(fmt.Errorf("open %s socket: %w", network, err))
		}
		return &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("open %s socket: %w", network, err)}
	}
	p.conn = conn
	p.dst = dst
	p.src = src
	p.proto = protoICMP
	if v6 {
		p.proto = protoICMPv6
	}
	return nil
}

func (p *ICMP) resolve(ctx context.Context, until time.Time) (net.IP, error) {
	if ip := net.ParseIP(p.cfg.Target); ip != nil {
		return ip, nil
	}
	lookupCtx, cancel := context.WithDeadline(ctx, until)
	defer cancel()
	addrs, err := p.cfg.Resolver.LookupIPAddr(lookupCtx, p.cfg.Target)
	if err != nil {
		return nil, wrap(err, 0)
	}
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("no addresses for %s", p.cfg.Target)}
}

func (p *ICMP) network(v6 bool, src net.IP) (string, string) {
	listen := "0.0.0.0"
	if v6 {
		listen = "::"
	}
	if src != nil {
		listen = src.String()
	}
	switch {
	case !v6 && p.cfg.Privileged:
		return "ip4:icmp", listen
	case !v6:
		return "udp4", listen
	case p.cfg.Privileged:
		return "ip6:ipv6-icmp", listen
	default:
		return "udp6", listen
	}
}

func (p *ICMP) echoTypes() (icmp.Type, icmp.Type) {
	if p.proto == protoICMPv6 {
		return ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}
	return ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
}

func (p *ICMP) peerAddr() net.Addr {
	if p.cfg.Privileged {
		return &net.IPAddr{IP: p.dst}
	}
	return &net.UDPAddr{IP: p.dst}
}

// fromTarget filters datagram replies by peer. Raw sockets see errors sent
// by intermediate routers, so those rely on id and sequence matching alone.
func (p *ICMP) fromTarget(peer net.Addr) bool {
	addr, ok := peer.(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return true
	}
	return addr.IP.Equal(p.dst)
}

// matches compares identifiers. Datagram sockets get their echo ID
// rewritten by the kernel, so only the sequence number is compared there.
func (p *ICMP) matches(id, seq int) bool {
	if seq != int(p.seq) {
		return false
	}
	return !p.cfg.Privileged || id == p.id
}

// quotesOurs reports whether an error message quotes our last echo request.
// The quoted datagram is the original IP header followed by the first eight
// bytes of the ICMP message.
func (p *ICMP) quotesOurs(data []byte) bool {
	var offset int
	if p.proto == protoICMPv6 {
		offset = ipv6HeaderSize
	} else {
		if len(data) < 1 {
			return false
		}
		offset = int(data[0]&0x0f) * 4
	}
	if len(data) < offset+icmpHeaderSize {
		return false
	}
	quoted := data[offset:]
	id := int(binary.BigEndian.Uint16(quoted[4:6]))
	seq := int(binary.BigEndian.Uint16(quoted[6:8]))
	return p.matches(id, seq)
}

func (p *ICMP) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.dst = nil
	p.src = nil
}
