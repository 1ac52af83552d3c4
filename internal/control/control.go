package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NodePath81/netprobe/internal/config"
	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/publish"
	"github.com/NodePath81/netprobe/internal/scheduler"
	"github.com/NodePath81/netprobe/internal/util"
	"github.com/NodePath81/netprobe/internal/version"
)

const (
	maxRPCBodyBytes   = 1 << 20
	limiterTTL        = 5 * time.Minute
	runProbeTimeout   = 30 * time.Second
	wsTokenPrefix     = "netprobe-token."
	wsPrimaryProtocol = "netprobe"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Backend is the part of the scheduler the control plane drives.
type Backend interface {
	Status() scheduler.Status
	Descriptors() []probe.Descriptor
	Trigger(ctx context.Context, id probe.Identity) (probe.Snapshot, error)
}

type ControlServer struct {
	cfg       config.ControlConfig
	serviceID string
	backend   Backend
	hub       *StatusHub
	metrics   http.Handler
	reloadFn  func() error
	logger    util.Logger
	server    *http.Server
	limiter   *rateLimiter

	mu       sync.Mutex
	listener net.Listener
}

// NewControlServer wires the HTTP control plane. metrics may be nil when
// the Prometheus sink is disabled.
func NewControlServer(cfg config.Config, backend Backend, hub *StatusHub, metrics http.Handler, reloadFn func() error, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.NewLogger()
	}
	return &ControlServer{
		cfg:       cfg.Control,
		serviceID: cfg.Service.ID,
		backend:   backend,
		hub:       hub,
		metrics:   metrics,
		reloadFn:  reloadFn,
		logger:    logger,
		limiter:   newRateLimiter(cfg.Control.RateLimit, cfg.Control.RateBurst, limiterTTL),
	}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

// Start binds the listener synchronously so address errors surface to the
// caller, then serves until ctx ends.
func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Start succeeded.
func (c *ControlServer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type runProbeParams struct {
	Probe string `json:"probe"`
}

type statusResponse struct {
	ServiceID string           `json:"service_id"`
	Scheduler scheduler.Status `json:"scheduler"`
	Latest    []publish.Record `json:"latest"`
}

type identityResponse struct {
	ServiceID string   `json:"service_id"`
	Hostname  string   `json:"hostname"`
	IPs       []string `json:"ips"`
	Version   string   `json:"version"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "GetStatus":
		resp := statusResponse{
			ServiceID: c.serviceID,
			Scheduler: c.backend.Status(),
			Latest:    c.latest(),
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
	case "ListProbes":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.backend.Descriptors()})
	case "RunProbe":
		var params runProbeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		id, err := probe.ParseIdentity(strings.TrimSpace(params.Probe))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), runProbeTimeout)
		defer cancel()
		c.logger.Info("manual measurement triggered", "probe", id.String(), "source", "rpc")
		snap, err := c.backend.Trigger(ctx, id)
		if err != nil {
			c.logger.Warn("manual measurement failed", "probe", id.String(), "error", err)
			writeJSON(w, triggerStatus(err), rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: publish.NewRecord(snap)})
	case "Reload":
		if c.reloadFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "reload not available"})
			return
		}
		go func() {
			c.logger.Info("reload invoked", "source", "rpc")
			if err := c.reloadFn(); err != nil {
				c.logger.Error("reload failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func triggerStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownProbe):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, probe.ErrFailed), errors.Is(err, probe.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (c *ControlServer) latest() []publish.Record {
	if c.hub == nil {
		return nil
	}
	return c.hub.Latest()
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c.hub == nil {
		http.Error(w, "status stream disabled", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return c.originAllowed(r) },
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := newStatusClient()

	var closeOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.hub.Unregister(client)
		})
	}

	sendJSON := func(payload statusMessage) {
		data, _ := json.Marshal(payload)
		client.trySend(data)
	}
	sendInitial := func() {
		sendJSON(c.hub.message("probes", func(m *statusMessage) { m.Probes = c.backend.Descriptors() }))
		sendJSON(c.hub.message("snapshots", func(m *statusMessage) { m.Records = c.hub.Latest() }))
	}

	sendJSON(c.hub.message("hello", func(m *statusMessage) { m.ClientID = client.id }))
	sendInitial()
	c.hub.Register(client)
	c.logger.Debug("status client connected", "client", client.id, "remote", clientIP(r))

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			switch req.Type {
			case "refresh":
				sendInitial()
			default:
				sendJSON(c.hub.message("error", func(m *statusMessage) {
					m.Error = &statusError{Code: "unknown_type", Message: "type must be refresh"}
				}))
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name, _ := os.Hostname()
	resp := identityResponse{
		ServiceID: c.serviceID,
		Hostname:  name,
		IPs:       listActiveIPs(),
		Version:   version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	addrs := collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
	})
	if len(addrs) > 0 {
		return addrs
	}
	return collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0
	})
}

func collectIPs(ifaces []net.Interface, filter func(net.Interface) bool) []string {
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if !filter(iface) {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			if ip := addrToIP(addr); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

func addrToIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.IPNet:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	case *net.IPAddr:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	default:
		return ""
	}
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.ServeHTTP(w, r)
}

func (c *ControlServer) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStatusAuth(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, wsTokenPrefix)
		if !ok || encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c *ControlServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter keeps one token bucket per client address and forgets
// clients idle for longer than ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, k)
		}
	}
	cl := r.clients[key]
	if cl == nil {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	return cl.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
