package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"batch-exchange/internal/db"
	"batch-exchange/internal/engine"
	"batch-exchange/internal/model"
	"batch-exchange/internal/ws"
)

type Server struct {
	store   *db.Store
	manager *engine.Manager
	hub     *ws.Hub
	secret  []byte
	log     *zap.SugaredLogger
}

func NewServer(store *db.Store, mgr *engine.Manager, hub *ws.Hub, secret string, log *zap.SugaredLogger) *Server {
	return &Server{store: store, manager: mgr, hub: hub, secret: []byte(secret), log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/wallets", s.listWallets)
		r.Get("/api/wallets/{asset}", s.getWallet)

		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/state", s.marketState)
		r.Get("/api/markets/{id}/batches/{batch}", s.getBatch)

		r.Post("/api/markets/{id}/orders", s.placeOrder)
		r.Get("/api/markets/{id}/orders", s.listOrders)
		r.Get("/api/markets/{id}/orders/{order}", s.getOrder)
		r.Delete("/api/markets/{id}/orders/{order}", s.cancelOrder)
		r.Post("/api/markets/{id}/orders/{order}/settle", s.settleOrder)
		r.Get("/api/markets/{id}/orders/{order}/fill", s.getFill)

		r.Post("/api/markets/{id}/clear", s.clearBatch)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/pause", s.setPaused)
			r.Post("/api/admin/markets/{id}/params", s.setParams)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ───────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallets ──────────────────────────────────────────

func (s *Server) listWallets(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallets, err := s.store.ListWallets(r.Context(), uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if wallets == nil {
		wallets = []model.Wallet{}
	}
	json200(w, wallets)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	asset := chi.URLParam(r, "asset")
	wallet, err := s.store.GetWallet(r.Context(), uid, asset)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, wallet)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mkt, err := s.store.GetMarket(r.Context(), id)
	if err != nil || mkt == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, mkt)
}

// marketState serves the engine's live view rather than the persisted row,
// so in-flight batch accumulators are visible.
func (s *Server) marketState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eng, ok := s.manager.GetEngine(id)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, eng.Snapshot())
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batchID, err := strconv.ParseUint(chi.URLParam(r, "batch"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid batch id")
		return
	}
	b, err := s.store.GetBatch(r.Context(), id, batchID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if b == nil {
		jsonErr(w, 404, "batch not cleared")
		return
	}
	json200(w, b)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	order, err := eng.PlaceOrder(r.Context(), uid, req)
	if err != nil {
		engineErr(w, err)
		return
	}
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(order)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	orders, err := s.store.GetUserOrders(r.Context(), marketID, uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	orderID, err := strconv.ParseUint(chi.URLParam(r, "order"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid order id")
		return
	}
	o, err := s.store.GetOrder(r.Context(), marketID, orderID)
	if err != nil || o == nil {
		jsonErr(w, 404, "order not found")
		return
	}
	json200(w, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	orderID, err := strconv.ParseUint(chi.URLParam(r, "order"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid order id")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	if err := eng.CancelOrder(r.Context(), orderID, uid); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "cancelled"})
}

func (s *Server) settleOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	orderID, err := strconv.ParseUint(chi.URLParam(r, "order"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid order id")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	fill, err := eng.SettleOrder(r.Context(), uid, orderID)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, fill)
}

func (s *Server) getFill(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	orderID, err := strconv.ParseUint(chi.URLParam(r, "order"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "invalid order id")
		return
	}
	f, err := s.store.GetFill(r.Context(), marketID, orderID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if f == nil {
		jsonErr(w, 404, "order not settled")
		return
	}
	json200(w, f)
}

// ── Clearing ─────────────────────────────────────────

func (s *Server) clearBatch(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.ClearBatchReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, 400, "invalid json")
			return
		}
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}

	// Callers may omit the membership; look up the live batch members.
	if len(req.OrderIDs) == 0 {
		snap := eng.Snapshot()
		ids, err := s.store.OpenOrderIDs(r.Context(), marketID, snap.CurrentBatchID)
		if err != nil {
			jsonErr(w, 500, err.Error())
			return
		}
		req.OrderIDs = ids
	}

	batch, err := eng.ClearBatch(r.Context(), uid, req.OrderIDs)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, batch)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req struct {
		Slug                string `json:"slug"`
		BaseAsset           string `json:"base_asset"`
		QuoteAsset          string `json:"quote_asset"`
		BatchDuration       uint64 `json:"batch_duration"`
		MinClearSpacing     uint64 `json:"min_clear_spacing"`
		FeeBps              uint16 `json:"fee_bps"`
		ProtocolFeeBps      uint16 `json:"protocol_fee_bps"`
		KeeperFeeBps        uint16 `json:"keeper_fee_bps"`
		MaxNotionalPerBatch uint64 `json:"max_notional_per_batch"`
		MaxNotionalPerUser  uint64 `json:"max_notional_per_user"`
		MaxOrdersPerUser    uint32 `json:"max_orders_per_user"`
		MaxOrdersGlobal     uint32 `json:"max_orders_global"`
		MaxPriceMoveBps     uint16 `json:"max_price_move_bps"`
		KeeperRestricted    bool   `json:"keeper_restricted"`
		Keeper              string `json:"keeper"`
		MinBaseOrder        uint64 `json:"min_base_order"`
		MinQuoteOrder       uint64 `json:"min_quote_order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Slug == "" || req.BaseAsset == "" || req.QuoteAsset == "" {
		jsonErr(w, 400, "slug, base_asset and quote_asset required")
		return
	}
	if req.BatchDuration == 0 {
		jsonErr(w, 400, "batch_duration must be > 0")
		return
	}
	if req.MinClearSpacing == 0 {
		req.MinClearSpacing = req.BatchDuration
	}
	if req.MinBaseOrder == 0 {
		req.MinBaseOrder = 1
	}
	if req.MinQuoteOrder == 0 {
		req.MinQuoteOrder = 1
	}
	if req.Keeper == "" {
		req.Keeper = uid
	}

	mkt, err := s.store.CreateMarket(r.Context(), &model.Market{
		Slug:                req.Slug,
		Authority:           uid,
		BaseAsset:           req.BaseAsset,
		QuoteAsset:          req.QuoteAsset,
		BatchDuration:       req.BatchDuration,
		MinClearSpacing:     req.MinClearSpacing,
		CurrentBatchID:      1,
		NextOrderID:         1,
		FeeBps:              req.FeeBps,
		ProtocolFeeBps:      req.ProtocolFeeBps,
		KeeperFeeBps:        req.KeeperFeeBps,
		MaxNotionalPerBatch: req.MaxNotionalPerBatch,
		MaxNotionalPerUser:  req.MaxNotionalPerUser,
		MaxOrdersPerUser:    req.MaxOrdersPerUser,
		MaxOrdersGlobal:     req.MaxOrdersGlobal,
		MaxPriceMoveBps:     req.MaxPriceMoveBps,
		KeeperRestricted:    req.KeeperRestricted,
		Keeper:              req.Keeper,
		MinBaseOrder:        req.MinBaseOrder,
		MinQuoteOrder:       req.MinQuoteOrder,
	})
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	if err := s.store.AppendEvent(r.Context(), &mkt.ID, "MarketCreated", mkt); err != nil {
		s.log.Warnw("market created event", "err", err)
	}

	// StartEngine hands mkt to the engine goroutine as its live state, so
	// respond with a copy taken before anything can mutate it.
	resp := *mkt
	if _, err := s.manager.StartEngine(r.Context(), mkt); err != nil {
		s.log.Errorw("start engine", "market", mkt.ID, "err", err)
	}

	w.WriteHeader(201)
	json.NewEncoder(w).Encode(&resp)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	var req struct {
		Paused bool  `json:"paused"`
		Reason uint8 `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	if err := eng.SetPaused(r.Context(), uid, req.Paused, req.Reason); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]any{"paused": req.Paused, "reason": req.Reason})
}

func (s *Server) setParams(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	var req model.MarketParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "market not found")
		return
	}
	if err := eng.SetParams(r.Context(), uid, req); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "updated"})
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Asset  string `json:"asset"`
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || req.Asset == "" || req.Amount == 0 {
		jsonErr(w, 400, "user_id, asset and amount > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, req.Asset, req.Amount)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, wallet)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 100
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	marketID := r.URL.Query().Get("market_id")
	var mp *string
	if marketID != "" {
		mp = &marketID
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	paused := 0
	var feesAccrued uint64
	for _, m := range markets {
		if m.Paused {
			paused++
		}
		feesAccrued += m.FeesAccrued
	}

	json200(w, map[string]any{
		"total_markets":  len(markets),
		"paused_markets": paused,
		"fees_accrued":   feesAccrued,
	})
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// engineErr maps engine failures onto HTTP status codes.
func engineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrOrderNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, engine.ErrNotOwner),
		errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrKeeperOnly):
		jsonErr(w, 403, err.Error())
	case errors.Is(err, engine.ErrMarketPaused),
		errors.Is(err, engine.ErrBatchNotReady),
		errors.Is(err, engine.ErrPriceBand),
		errors.Is(err, engine.ErrBatchClosed),
		errors.Is(err, engine.ErrBatchNotCleared),
		errors.Is(err, engine.ErrBatchMismatch),
		errors.Is(err, engine.ErrOrderCancelled),
		errors.Is(err, engine.ErrOrderSettled),
		errors.Is(err, engine.ErrBudgetExhausted):
		jsonErr(w, 409, err.Error())
	case errors.Is(err, engine.ErrUserNotionalCap),
		errors.Is(err, engine.ErrUserOrderCap),
		errors.Is(err, engine.ErrBatchNotionalCap),
		errors.Is(err, engine.ErrGlobalOrderCap):
		jsonErr(w, 429, err.Error())
	case errors.Is(err, db.ErrInsufficientFunds):
		jsonErr(w, 400, err.Error())
	case errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrDustOrder),
		errors.Is(err, engine.ErrStaleUserBatch),
		errors.Is(err, engine.ErrInvalidFee):
		jsonErr(w, 400, err.Error())
	default:
		jsonErr(w, 500, err.Error())
	}
}
