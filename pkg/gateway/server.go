// Package gateway is the subscriber-facing surface: REST reads and
// commands over gorilla/mux, streaming over gorilla/websocket backed by
// the event bus. The gateway holds no exchange state; every command goes
// through the engine manager and every read hits committed state.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/bus"
	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/engine"
	"github.com/flipside-exchange/flipside/pkg/metrics"
	"github.com/flipside-exchange/flipside/pkg/num"
)

// Config tunes the gateway surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SnapshotDepth  int
	TradeHistory   int

	// Websocket policy.
	WSIdleTimeout time.Duration
	WSMsgRate     float64 // inbound frames per second
	WSMsgBurst    float64
	WSChurnRate   float64 // subscribe/unsubscribe ops per second
	WSChurnBurst  float64
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"*"},
		SnapshotDepth:  20,
		TradeHistory:   100,
		WSIdleTimeout:  60 * time.Second,
		WSMsgRate:      10,
		WSMsgBurst:     20,
		WSChurnRate:    2,
		WSChurnBurst:   10,
	}
}

// Server handles REST and websocket traffic.
type Server struct {
	log     *zap.Logger
	cfg     Config
	mgr     *engine.Manager
	bus     *bus.Bus
	metrics *metrics.Collector
	router  *mux.Router
}

func NewServer(log *zap.Logger, cfg Config, mgr *engine.Manager, b *bus.Bus, coll *metrics.Collector) *Server {
	s := &Server{
		log:     log,
		cfg:     cfg,
		mgr:     mgr,
		bus:     b,
		metrics: coll,
		router:  mux.NewRouter(),
	}
	if coll != nil {
		b.OnDrop(func() { coll.WSDropped.Inc() })
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/users", s.handleCreateUser).Methods("POST")

	api.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	api.HandleFunc("/markets", s.auth(s.handleCreateMarket)).Methods("POST")
	api.HandleFunc("/markets/{id}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{id}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/markets/{id}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{id}/close", s.auth(s.handleCloseMarket)).Methods("POST")
	api.HandleFunc("/markets/{id}/resolve", s.auth(s.handleResolveMarket)).Methods("POST")
	api.HandleFunc("/markets/{id}/void", s.auth(s.handleVoidMarket)).Methods("POST")

	api.HandleFunc("/orders", s.auth(s.handleSubmitOrder)).Methods("POST")
	api.HandleFunc("/orders/cancel", s.auth(s.handleCancelOrder)).Methods("POST")

	api.HandleFunc("/me/balance", s.auth(s.handleGetBalance)).Methods("GET")
	api.HandleFunc("/me/positions", s.auth(s.handleGetPositions)).Methods("GET")
	api.HandleFunc("/me/orders", s.auth(s.handleGetOrders)).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: c.Handler(s.instrument(s.router)),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("gateway listening", zap.String("addr", s.cfg.ListenAddr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ============================================================================
// Auth
// ============================================================================

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// auth resolves the bearer token to a user id via the session store.
func (s *Server) auth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		userID, err := s.mgr.Store().ResolveSession(token)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "session lookup failed", err.Error())
			return
		}
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "unknown token", "")
			return
		}
		h(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	u, err := s.mgr.CreateUser(req.Name, account.Regular)
	if err != nil {
		s.respondReject(w, err)
		return
	}
	token := uuid.NewString()
	if err := s.mgr.CreateSession(u.ID, token); err != nil {
		respondError(w, http.StatusInternalServerError, "session creation failed", err.Error())
		return
	}
	b, _ := s.mgr.Accounts().BalanceOf(u.ID)
	respondJSON(w, CreateUserResponse{
		UserID:  u.ID,
		Name:    u.Name,
		Token:   token,
		Balance: b.Available.String(),
	})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.mgr.Markets().List()
	out := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		last, implied := s.marketQuote(m.ID)
		out = append(out, marketInfo(m, last, implied))
	}
	respondJSON(w, out)
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	m, err := s.mgr.CreateMarket(r.Context(), userID, id, req.Question, req.CloseTime)
	if err != nil {
		s.respondReject(w, err)
		return
	}
	respondJSON(w, marketInfo(m, 0, num.PriceScale/2))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.mgr.Markets().Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	last, implied := s.marketQuote(id)
	respondJSON(w, marketInfo(m, last, implied))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	depth := s.cfg.SnapshotDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}
	snap, err := s.mgr.Snapshot(id, depth)
	if err != nil {
		s.respondReject(w, err)
		return
	}
	resp := BookResponse{
		MarketID: snap.MarketID,
		Sequence: snap.Sequence,
		Bids:     levelViews(snap.Bids),
		Asks:     levelViews(snap.Asks),
	}
	if snap.LastPrice != 0 {
		resp.LastPrice = snap.LastPrice.String()
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.mgr.Markets().Exists(id) {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	limit := s.cfg.TradeHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	trades, err := s.mgr.Store().RecentTrades(id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade lookup failed", err.Error())
		return
	}
	out := make([]TradeInfo, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeInfo(t))
	}
	respondJSON(w, out)
}

func (s *Server) handleCloseMarket(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.mgr.CloseMarket(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		s.respondReject(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "CLOSED"})
}

func (s *Server) handleResolveMarket(w http.ResponseWriter, r *http.Request, userID string) {
	var req ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		respondError(w, http.StatusBadRequest, "outcome must be YES or NO", "")
		return
	}
	if err := s.mgr.ResolveMarket(r.Context(), userID, mux.Vars(r)["id"], outcome); err != nil {
		s.respondReject(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "RESOLVED", "outcome": outcome.String()})
}

func (s *Server) handleVoidMarket(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.mgr.VoidMarket(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		s.respondReject(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "CANCELLED"})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "side must be BUY or SELL", "")
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		respondError(w, http.StatusBadRequest, "kind must be LIMIT or MARKET", "")
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		respondError(w, http.StatusBadRequest, "outcome must be YES or NO", "")
		return
	}
	qty, err := num.ParseQuantity(req.Quantity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid quantity", err.Error())
		return
	}
	var price num.Price
	if kind == clob.Limit {
		price, err = num.ParsePrice(req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price", err.Error())
			return
		}
	}

	res, err := s.mgr.Submit(r.Context(), engine.SubmitRequest{
		MarketID: req.MarketID,
		UserID:   userID,
		Side:     side,
		Kind:     kind,
		Outcome:  outcome,
		Price:    price,
		Quantity: qty,
	})
	if err != nil {
		s.respondReject(w, err)
		return
	}
	resp := SubmitOrderResponse{Order: orderInfo(res.Order), Trades: make([]TradeInfo, 0, len(res.Trades))}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, tradeInfo(t))
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, userID string) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o, err := s.mgr.Cancel(r.Context(), userID, req.OrderID)
	if err != nil {
		s.respondReject(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, userID string) {
	b, err := s.mgr.Accounts().BalanceOf(userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "balance not found", err.Error())
		return
	}
	respondJSON(w, BalanceResponse{
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Total().String(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request, userID string) {
	positions := s.mgr.Accounts().PositionsOf(userID)
	out := make([]PositionInfo, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionInfo(p))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request, userID string) {
	orders, err := s.mgr.Store().LoadUserOrders(userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "order lookup failed", err.Error())
		return
	}
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderInfo(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// marketQuote derives the implied probability: last trade price, else the
// mid of the best bid and ask, else 0.50 on an empty or one-sided book.
func (s *Server) marketQuote(marketID string) (last, implied num.Price) {
	implied = num.PriceScale / 2
	snap, err := s.mgr.Snapshot(marketID, 1)
	if err != nil {
		return 0, implied
	}
	last = snap.LastPrice
	switch {
	case last != 0:
		implied = last
	case len(snap.Bids) > 0 && len(snap.Asks) > 0:
		implied = num.MidPrice(snap.Bids[0].Price, snap.Asks[0].Price)
	}
	return last, implied
}

// ============================================================================
// Responses
// ============================================================================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}

// respondReject maps rejection codes onto HTTP statuses.
func (s *Server) respondReject(w http.ResponseWriter, err error) {
	rej := clob.AsReject(err)
	if rej == nil {
		s.log.Error("internal error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	status := http.StatusBadRequest
	switch rej.Code {
	case clob.RejectUnknownMarket, clob.RejectUnknownOrder, clob.RejectUnknownUser:
		status = http.StatusNotFound
	case clob.RejectNotOwner, clob.RejectNotAdmin:
		status = http.StatusForbidden
	case clob.RejectMarketNotOpen, clob.RejectNotCancellable:
		status = http.StatusConflict
	case clob.RejectRateLimited:
		status = http.StatusTooManyRequests
	case clob.RejectLedgerConflict:
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, string(rej.Code), rej.Detail)
}
