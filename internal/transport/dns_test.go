package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenQueries struct {
	mu    sync.Mutex
	names []string
	edns  bool
}

func (s *seenQueries) add(m *dns.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, m.Question[0].Name)
	if m.IsEdns0() != nil {
		s.edns = true
	}
}

func startDNSServer(t *testing.T, seen *seenQueries) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			seen.add(r)
			m := new(dns.Msg)
			m.SetReply(r)
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(192, 0, 2, 1),
			})
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSMeasureSuccess(t *testing.T) {
	seen := &seenQueries{}
	addr := startDNSServer(t, seen)

	tr, err := NewDNS(DNSConfig{Server: addr, QueryNames: []string{"example.com"}})
	require.NoError(t, err)
	defer tr.Close()

	res, err := tr.Measure(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Greater(t, res.RTT, time.Duration(0))
	assert.Greater(t, res.BytesSent, 0)
	assert.Greater(t, res.BytesReceived, res.BytesSent)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Equal(t, []string{"example.com."}, seen.names)
	assert.False(t, seen.edns)
}

func TestDNSPicksAmongQueryNames(t *testing.T) {
	seen := &seenQueries{}
	addr := startDNSServer(t, seen)

	names := []string{"a.example", "b.example", "c.example"}
	tr, err := NewDNS(DNSConfig{Server: addr, QueryNames: names, Rand: rand.New(rand.NewSource(7))})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		_, err := tr.Measure(context.Background(), time.Second)
		require.NoError(t, err)
	}
	seen.mu.Lock()
	defer seen.mu.Unlock()
	distinct := map[string]bool{}
	for _, n := range seen.names {
		distinct[n] = true
	}
	assert.Len(t, seen.names, 30)
	assert.Greater(t, len(distinct), 1)
	for n := range distinct {
		assert.Contains(t, []string{"a.example.", "b.example.", "c.example."}, n)
	}
}

func TestDNSTimeoutIsClassified(t *testing.T) {
	// A socket that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tr, err := NewDNS(DNSConfig{Server: pc.LocalAddr().String(), QueryNames: []string{"example.com"}})
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Measure(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ReasonTimeout, ReasonOf(err))
	assert.False(t, IsFatal(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Greater(t, te.BytesSent, 0)
}

func TestNewDNSDefaults(t *testing.T) {
	tr, err := NewDNS(DNSConfig{Server: "192.0.2.53"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:53", tr.Server())
	assert.Len(t, tr.queries, len(DefaultQueryNames))

	tr, err = NewDNS(DNSConfig{Server: "2001:db8::53"})
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::53]:53", tr.Server())

	_, err = NewDNS(DNSConfig{})
	assert.Error(t, err)
	_, err = NewDNS(DNSConfig{Server: "192.0.2.53", QueryNames: []string{""}})
	assert.Error(t, err)
}
