package control

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/publish"
)

const statusSchemaVersion = 1

type statusMessage struct {
	SchemaVersion int                `json:"schema_version"`
	Type          string             `json:"type"`
	Timestamp     int64              `json:"timestamp"`
	ClientID      string             `json:"client_id,omitempty"`
	Probes        []probe.Descriptor `json:"probes,omitempty"`
	Record        *publish.Record    `json:"record,omitempty"`
	Records       []publish.Record   `json:"records,omitempty"`
	Error         *statusError       `json:"error,omitempty"`
}

type statusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusHub is a publisher that keeps the latest record of every probe and
// streams new ones to websocket clients. Slow clients lose messages rather
// than stall the publisher.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	descs     []probe.Descriptor
	latest    map[probe.Identity]publish.Record
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

type statusClient struct {
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func newStatusClient() *statusClient {
	return &statusClient{id: uuid.NewString(), send: make(chan []byte, 32)}
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		latest:    make(map[probe.Identity]publish.Record),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.closeClients()
			return
		case <-h.stop:
			h.closeClients()
			return
		case msg := <-h.broadcast:
			data, _ := json.Marshal(msg)
			h.mu.Lock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) closeClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*statusClient]struct{})
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *StatusHub) Announce(_ context.Context, descriptors []probe.Descriptor) error {
	h.mu.Lock()
	h.descs = append([]probe.Descriptor(nil), descriptors...)
	h.mu.Unlock()
	h.Broadcast(h.message("probes", func(m *statusMessage) { m.Probes = descriptors }))
	return nil
}

func (h *StatusHub) Publish(_ context.Context, snap probe.Snapshot) error {
	rec := publish.NewRecord(snap)
	h.mu.Lock()
	h.latest[snap.Identity] = rec
	h.mu.Unlock()
	h.Broadcast(h.message("snapshot", func(m *statusMessage) { m.Record = &rec }))
	return nil
}

func (h *StatusHub) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

// Descriptors returns the last announced probe set.
func (h *StatusHub) Descriptors() []probe.Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]probe.Descriptor(nil), h.descs...)
}

// Latest returns the newest record of every probe, ordered by probe id.
func (h *StatusHub) Latest() []publish.Record {
	h.mu.Lock()
	out := make([]publish.Record, 0, len(h.latest))
	for _, rec := range h.latest {
		out = append(out, rec)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Probe < out[j].Probe })
	return out
}

func (h *StatusHub) message(typ string, fill func(*statusMessage)) statusMessage {
	msg := statusMessage{SchemaVersion: statusSchemaVersion, Type: typ, Timestamp: h.now().UnixMilli()}
	if fill != nil {
		fill(&msg)
	}
	return msg
}

// trySend queues data unless the client is closed or its queue is full.
func (c *statusClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *statusClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
