// Package api serves the JSON HTTP endpoints and the WebSocket live feed.
package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"trading_arena/internal/config"
	"trading_arena/internal/core"
	"trading_arena/internal/market"
	"trading_arena/internal/player"
	"trading_arena/pkg/money"
)

// Server hosts the REST API, the WebSocket feed and optional static assets.
// It implements core.MarketListener so engine events reach the hub.
type Server struct {
	cfg     config.ServerConfig
	log     core.Logger
	hub     *Hub
	engine  *market.Engine
	players *player.Service
	clock   core.Clock

	upgrader      websocket.Upgrader
	ipLimiters    sync.Map // map[string]*rate.Limiter
	connSemaphore chan struct{}

	mu  sync.Mutex
	srv *http.Server
}

// NewServer wires the HTTP layer over the engine and player service.
func NewServer(cfg config.ServerConfig, eng *market.Engine, players *player.Service, hub *Hub, clock core.Clock, log core.Logger) *Server {
	if clock == nil {
		clock = core.RealClock{}
	}
	maxClients := cfg.MaxWSClients
	if maxClients <= 0 {
		maxClients = 1000
	}

	s := &Server{
		cfg:           cfg,
		log:           log.WithField("component", "api"),
		hub:           hub,
		engine:        eng,
		players:       players,
		clock:         clock,
		connSemaphore: make(chan struct{}, maxClients),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the routed handler with the CORS and caching middleware
// applied. Exposed separately so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/join", s.handleJoin)
	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("POST /api/trade", s.handleTrade)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/candles", s.handleCandles)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/ws", s.handleWebSocket)

	if s.cfg.EnableMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	serveStatic := false
	if s.cfg.StaticDir != "" {
		if _, err := os.Stat(filepath.Join(s.cfg.StaticDir, "index.html")); err == nil {
			serveStatic = true
		}
	}
	if serveStatic {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	} else {
		mux.HandleFunc("/", s.handleHome)
	}

	return s.withCommonHeaders(mux)
}

// withCommonHeaders applies CORS against the origin allow-list plus the
// no-store and nosniff headers every response carries.
func (s *Server) withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.log.Info("starting api server", "addr", s.cfg.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.log.Info("stopping api server")
	return s.srv.Shutdown(ctx)
}

// OnTrade implements core.MarketListener: fills stream to subscribers.
func (s *Server) OnTrade(code string, res core.TradeResult) {
	qty := res.RichOut
	if res.Side == core.SideSell {
		qty = res.RichIn
	}
	s.hub.Broadcast(Message{Type: TypeTrade, Data: TradeEvent{
		Code:       code,
		Side:       string(res.Side),
		TS:         res.TS,
		Qty:        money.Round8(qty),
		AvgPrice:   money.Round8(res.AvgPrice),
		PriceAfter: money.Round8(res.PriceAfter),
	}})
}

// OnTick implements core.MarketListener: every tick pushes the snapshot.
func (s *Server) OnTick(snap core.Snapshot) {
	s.hub.Broadcast(Message{Type: TypeSnapshot, Data: snap})
}

// ---------- WebSocket ----------

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.log.Warn("rejected websocket without origin", "remote_addr", r.RemoteAddr)
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return s.originAllowed(parsed.Scheme + "://" + parsed.Host)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WSRateLimit > 0 {
		ip := remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			s.log.Warn("websocket rate limit exceeded", "ip", ip)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		defer func() { <-s.connSemaphore }()
	default:
		s.log.Warn("websocket connection limit reached")
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)
	s.log.Info("websocket client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	// Greet with the current snapshot so the chart renders immediately.
	client.Send(Message{Type: TypeSnapshot, Data: s.engine.Snapshot()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
	s.log.Info("websocket client disconnected", "client_id", client.id)
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Warn("websocket write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The feed is one way; reads only service ping/pong and detect closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.WSRateLimit), s.cfg.WSRateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
