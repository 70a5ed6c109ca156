package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"gigflow/address"
	"gigflow/admin"
	"gigflow/auth"
	"gigflow/indexdb"
	"gigflow/market"
	"gigflow/master"
	"gigflow/network"
	"gigflow/order"
	"gigflow/protocol"
	"gigflow/user"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
	ctxKeyWallet ctxKey = "wallet"
)

const maxBodyBytes = 1 << 20

// Marketplace is the slice of *market.Market the HTTP layer uses.
type Marketplace interface {
	Send(ctx context.Context, req market.Request) ([]network.Transaction, error)
	MasterAddress() address.Address
	Master() (master.Master, error)
	Category(name string) (master.Category, error)
	Orders() ([]order.Order, error)
	Order(index uint64) (order.Order, error)
	Admin(index uint64) (admin.Admin, error)
	User(index uint64) (user.User, error)
}

// OrderIndex serves filtered order listings.
type OrderIndex interface {
	List(ctx context.Context, f indexdb.Filter) ([]indexdb.OrderRow, error)
}

type Server struct {
	authService *auth.Service
	market      Marketplace
	orders      OrderIndex
	envelope    *jsonschema.Schema
	feed        *Feed
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/messages", s.requireAuth(http.HandlerFunc(s.handleMessages)))
	mux.HandleFunc("/api/master", s.handleMaster)
	mux.HandleFunc("/api/templates", s.handleTemplates)
	mux.HandleFunc("/api/categories/", s.handleCategory)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/orders/", s.handleOrder)
	mux.HandleFunc("/api/admins/", s.handleAdmin)
	mux.HandleFunc("/api/users/", s.handleUser)
	if s.feed != nil {
		mux.Handle("/api/feed", s.feed)
	}
	return withRequestID(mux)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		ctx = context.WithValue(ctx, ctxKeyWallet, claims.Wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
	Wallet   string `json:"wallet"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Role:     string(u.Role),
		Wallet:   u.Wallet.String(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	u, err := s.authService.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrRoleNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		if strings.Contains(err.Error(), "required") || strings.Contains(err.Error(), "invalid role") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Errorw("register", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*u))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		log.Errorw("login", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

type messageResponse struct {
	QueryID      uint64                `json:"queryId"`
	Success      bool                  `json:"success"`
	ExitCode     protocol.ExitCode     `json:"exitCode"`
	Exit         string                `json:"exit,omitempty"`
	Error        string                `json:"error,omitempty"`
	Transactions []network.Transaction `json:"transactions"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	wallet, ok := r.Context().Value(ctxKeyWallet).(address.Address)
	if !ok || wallet.IsZero() {
		writeError(w, http.StatusUnauthorized, "missing wallet")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.envelope.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var to address.Address
	if env.To != "" {
		if to, err = address.Parse(env.To); err != nil {
			writeError(w, http.StatusBadRequest, "invalid recipient")
			return
		}
	}
	body, err := protocol.DecodeBody(env.Op, env.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qid := env.QueryID
	txs, err := s.market.Send(r.Context(), market.Request{
		From:    wallet,
		To:      to,
		Op:      env.Op,
		QueryID: qid,
		Value:   env.Value,
		Body:    body,
	})
	if err != nil {
		switch {
		case errors.Is(err, network.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			log.Errorw("send message", "op", env.Op, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := messageResponse{Success: true, Transactions: txs}
	if len(txs) > 0 {
		resp.QueryID = txs[0].QueryID
	}
	status := http.StatusOK
	if err := market.Result(txs); err != nil {
		code := protocol.CodeOf(err)
		resp.Success = false
		resp.ExitCode = code
		resp.Exit = code.String()
		resp.Error = err.Error()
		status = statusForExit(code)
	}
	writeJSON(w, status, resp)
}

func statusForExit(code protocol.ExitCode) int {
	switch code {
	case protocol.ExitUnauthorized, protocol.ExitAllAdminRestriction:
		return http.StatusForbidden
	case protocol.ExitNotFound, protocol.ExitCategoryNotFound, protocol.ExitFreelancerNotFound, protocol.ExitUnknownLanguage:
		return http.StatusNotFound
	case protocol.ExitInsufficientValue:
		return http.StatusPaymentRequired
	case protocol.ExitInvalidArgument, protocol.ExitUnknownOp:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.market.Master()
	if err != nil {
		log.Errorw("load master", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": s.market.MasterAddress().String(),
		"state":   st,
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, market.TemplateHashes())
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/categories/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "category name required")
		return
	}
	c, err := s.market.Category(name)
	if err != nil {
		s.writeLookupError(w, "category", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	f := indexdb.Filter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Customer: q.Get("customer"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	var (
		items []indexdb.OrderRow
		err   error
	)
	if s.orders != nil {
		items, err = s.orders.List(r.Context(), f)
	} else {
		items, err = s.listFromMarket(f)
	}
	if err != nil {
		log.Errorw("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []indexdb.OrderRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// listFromMarket answers listings from actor state when no index is configured.
func (s *Server) listFromMarket(f indexdb.Filter) ([]indexdb.OrderRow, error) {
	orders, err := s.market.Orders()
	if err != nil {
		return nil, err
	}
	var out []indexdb.OrderRow
	for _, o := range orders {
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		if f.Category != "" && o.Category != f.Category {
			continue
		}
		if f.Customer != "" && o.Customer.String() != f.Customer {
			continue
		}
		row := indexdb.OrderRow{
			Index:     o.Index,
			Address:   address.Derive(protocol.TemplateOrder, s.market.MasterAddress(), o.Index).String(),
			Status:    string(o.Status),
			Category:  o.Category,
			Customer:  o.Customer.String(),
			Price:     uint64(o.Price),
			Deadline:  o.Deadline,
			Responses: o.ResponsesCount,
		}
		if !o.Freelancer.IsZero() {
			row.Freelancer = o.Freelancer.String()
		}
		out = append(out, row)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	idx, ok := indexFromPath(w, r, "/api/orders/")
	if !ok {
		return
	}
	o, err := s.market.Order(idx)
	if err != nil {
		s.writeLookupError(w, "order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	idx, ok := indexFromPath(w, r, "/api/admins/")
	if !ok {
		return
	}
	a, err := s.market.Admin(idx)
	if err != nil {
		s.writeLookupError(w, "admin", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	idx, ok := indexFromPath(w, r, "/api/users/")
	if !ok {
		return
	}
	u, err := s.market.User(idx)
	if err != nil {
		s.writeLookupError(w, "user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func indexFromPath(w http.ResponseWriter, r *http.Request, prefix string) (uint64, bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return 0, false
	}
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	idx, err := strconv.ParseUint(raw, 10, 64)
	if raw == "" || err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return 0, false
	}
	return idx, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, market.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	log.Errorw("lookup", "what", what, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
