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

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/metrics"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/NodePath81/nqprobe/internal/util"
	"github.com/NodePath81/nqprobe/internal/version"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "nqprobe-token."
	wsPrimaryProtocol = "nqprobe"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

var (
	// ErrUnknownTarget is returned by a Backend for a target name it does not have.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrTargetBusy is returned when a session for the target is already running.
	ErrTargetBusy = errors.New("target session already running")
)

// TargetStatus summarizes the scheduling state of one target.
type TargetStatus struct {
	Name       string         `json:"name"`
	Host       string         `json:"host"`
	Transport  string         `json:"transport"`
	Running    bool           `json:"running"`
	Runs       uint64         `json:"runs"`
	LastStatus session.Status `json:"last_status,omitempty"`
	LastRun    int64          `json:"last_run,omitempty"`
	NextRun    int64          `json:"next_run,omitempty"`
	MOS        float64        `json:"mos,omitempty"`
}

// Backend is the agent state the control server exposes.
type Backend interface {
	Status() []TargetStatus
	Latest() map[string]session.Report
	RunNow(target string) error
}

type ControlServer struct {
	fullCfg config.Config
	cfg     config.ControlConfig
	backend Backend
	metrics *metrics.Metrics
	hub     *StatusHub
	logger  util.Logger
	server  *http.Server
	limiter *rateLimiter
	started time.Time

	addrMu sync.Mutex
	addr   net.Addr
}

func NewControlServer(cfg config.Config, backend Backend, metrics *metrics.Metrics, hub *StatusHub, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.Discard()
	}
	return &ControlServer{
		fullCfg: cfg,
		cfg:     cfg.Control,
		backend: backend,
		metrics: metrics,
		hub:     hub,
		logger:  logger,
		limiter: newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
		started: time.Now(),
	}
}

// Handler returns the routed control API.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/healthz", c.handleHealth)
	mux.HandleFunc("/results", c.handleResults)
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.addrMu.Lock()
	c.addr = ln.Addr()
	c.addrMu.Unlock()
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (c *ControlServer) Addr() net.Addr {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	return c.addr
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
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

type runNowParams struct {
	Target string `json:"target"`
}

type statusResponse struct {
	Hostname      string         `json:"hostname"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Subscribers   int            `json:"subscribers"`
	Targets       []TargetStatus `json:"targets"`
}

type targetEntry struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Transport   string `json:"transport"`
	Count       int    `json:"count"`
	Timeout     string `json:"timeout"`
	Interval    string `json:"interval"`
	PayloadSize int    `json:"payload_size"`
	Port        int    `json:"port,omitempty"`
	TOS         int    `json:"tos,omitempty"`
}

// identityResponse tells a collector which agent it reached and which
// targets that agent probes.
type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
	Targets  []string `json:"targets"`
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
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getStatus()})
	case "ListTargets":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.listTargets()})
	case "RunNow":
		var params runNowParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		target := strings.TrimSpace(params.Target)
		if target == "" {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "target is required"})
			return
		}
		if err := c.backend.RunNow(target); err != nil {
			switch {
			case errors.Is(err, ErrUnknownTarget):
				writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "target not found"})
			case errors.Is(err, ErrTargetBusy):
				writeJSON(w, http.StatusConflict, rpcResponse{Ok: false, Error: err.Error()})
			default:
				writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: err.Error()})
			}
			return
		}
		c.logger.Info("manual session triggered", "target", target, "source", "rpc")
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (c *ControlServer) getStatus() statusResponse {
	return statusResponse{
		Hostname:      c.hostname(),
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Subscribers:   c.hub.Subscribers(),
		Targets:       c.backend.Status(),
	}
}

func (c *ControlServer) listTargets() []targetEntry {
	out := make([]targetEntry, 0, len(c.fullCfg.Targets))
	for _, t := range c.fullCfg.Targets {
		out = append(out, targetEntry{
			Name:        t.Name,
			Host:        t.Host,
			Transport:   t.Transport,
			Count:       t.Count,
			Timeout:     t.Timeout.Duration().String(),
			Interval:    t.IntervalDuration().String(),
			PayloadSize: t.PayloadSize.Int(),
			Port:        t.Port,
			TOS:         t.TOSValue(),
		})
	}
	return out
}

func (c *ControlServer) handleResults(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.backend.Latest()})
}

func (c *ControlServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
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
	client := &statusClient{send: make(chan []byte, 64)}

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	sendJSON := func(payload any) {
		select {
		case <-done:
			return
		default:
		}
		data, _ := json.Marshal(payload)
		select {
		case client.send <- data:
		default:
		}
	}
	sendSnapshot := func() {
		sendJSON(statusMessage{
			SchemaVersion: statusSchemaVersion,
			Type:          "snapshot",
			Timestamp:     time.Now().UnixMilli(),
			Reports:       c.backend.Latest(),
		})
	}
	sendError := func(code, message string) {
		sendJSON(statusMessage{
			SchemaVersion:      statusSchemaVersion,
			Type:               "error",
			Timestamp:          time.Now().UnixMilli(),
			statusErrorPayload: &statusErrorPayload{Code: code, Message: message},
		})
	}

	sendSnapshot()
	c.hub.Register(client)

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			closeConn()
			c.hub.Unregister(client)
		})
	}

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
				sendError("invalid_json", "message must be a json object")
				continue
			}
			switch req.Type {
			case "snapshot":
				sendSnapshot()
			default:
				sendError("unknown_type", "supported message types: snapshot")
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
	targets := make([]string, 0, len(c.fullCfg.Targets))
	for _, t := range c.fullCfg.Targets {
		targets = append(targets, t.Name)
	}
	resp := identityResponse{
		Hostname: c.hostname(),
		IPs:      probeSourceIPs(),
		Version:  version.Version,
		Targets:  targets,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func (c *ControlServer) hostname() string {
	name := strings.TrimSpace(c.fullCfg.Hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	return name
}

// probeSourceIPs lists addresses on non-loopback interfaces, preferring
// interfaces that are up. These are the addresses probes can leave from.
func probeSourceIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var up, all []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			all = append(all, ip.String())
			if iface.Flags&net.FlagUp != 0 {
				up = append(up, ip.String())
			}
		}
	}
	if len(up) > 0 {
		return up
	}
	return all
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
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
	if auth == "" {
		return "", false
	}
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
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
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

// rateLimiter keeps one token bucket per client, forgetting clients idle
// longer than ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
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
