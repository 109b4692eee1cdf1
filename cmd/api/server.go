package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowflow/admin"
	"escrowflow/auth"
	"escrowflow/broker"
	"escrowflow/escrow"
	"escrowflow/settlement"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type escrowService interface {
	Initialize(ctx context.Context, buyerID string, params escrow.CreateParams, amount int64) (escrow.Record, error)
	Agree(ctx context.Context, callerID, id string) (escrow.Record, error)
	Cancel(ctx context.Context, callerID, id string) (escrow.Record, error)
	AddComment(ctx context.Context, callerID, id string, timestamp int64, message string) (escrow.Comment, error)
	AttachProof(ctx context.Context, callerID, id string, proof []byte) (escrow.Record, error)
}

type escrowReader interface {
	Record(ctx context.Context, id string) (escrow.Record, error)
	Comments(ctx context.Context, id string) ([]escrow.Comment, error)
	Transfer(ctx context.Context, id string) (*settlement.Transfer, error)
}

type brokerService interface {
	GetByID(ctx context.Context, id string) (broker.Profile, error)
	List(ctx context.Context, limit int) ([]broker.Profile, error)
}

type adminService interface {
	Replace(ctx context.Context, callerID, newAdmin string) error
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService   authService
	escrowService escrowService
	escrowReader  escrowReader
	brokerService brokerService
	adminService  adminService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/escrows", s.requireAuth(s.handleEscrows))
	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))
	mux.HandleFunc("/api/admin", s.requireAuth(s.handleAdmin))
	mux.HandleFunc("/api/brokers", s.handleBrokers)
	mux.HandleFunc("/api/brokers/", s.handleBroker)
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           acct.ID,
		"email":        acct.Email,
		"display_name": acct.DisplayName,
		"role":         acct.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"account_id": result.Account.ID,
		"role":       result.Account.Role,
	})
}

type createEscrowRequest struct {
	ID      string  `json:"id"`
	Seller  string  `json:"seller"`
	Broker  *string `json:"broker"`
	Product string  `json:"product"`
	Price   int64   `json:"price"`
	Amount  int64   `json:"amount"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	rec, err := s.escrowService.Initialize(r.Context(), callerID(r), escrow.CreateParams{
		ID:       req.ID,
		SellerID: req.Seller,
		BrokerID: req.Broker,
		Product:  req.Product,
		Price:    req.Price,
	}, req.Amount)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/escrows/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleEscrowGet(w, r, id)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleEscrowAction(w, r, id, parts[1])
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.escrowReader.Record(r.Context(), id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	comments, err := s.escrowReader.Comments(r.Context(), id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	transfer, err := s.escrowReader.Transfer(r.Context(), id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	resp := escrowDetailResponse{
		escrowResponse: toEscrowResponse(rec),
		Comments:       make([]commentResponse, 0, len(comments)),
	}
	for _, c := range comments {
		resp.Comments = append(resp.Comments, commentResponse{
			Timestamp: c.Timestamp,
			RoleCode:  int16(c.RoleCode),
			Message:   c.Message,
		})
	}
	if transfer != nil {
		resp.Transfer = &transferResponse{
			ID:          transfer.ID,
			Destination: transfer.Destination,
			Amount:      transfer.Amount,
			Reason:      string(transfer.Reason),
			Status:      string(transfer.Status),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type commentRequest struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type proofRequest struct {
	Proof string `json:"proof"`
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request, id, action string) {
	caller := callerID(r)

	switch action {
	case "agree":
		rec, err := s.escrowService.Agree(r.Context(), caller, id)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(rec))
	case "cancel":
		rec, err := s.escrowService.Cancel(r.Context(), caller, id)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(rec))
	case "comments":
		var req commentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		c, err := s.escrowService.AddComment(r.Context(), caller, id, req.Timestamp, req.Message)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, commentResponse{
			Timestamp: c.Timestamp,
			RoleCode:  int16(c.RoleCode),
			Message:   c.Message,
		})
	case "proof":
		var req proofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		rec, err := s.escrowService.AttachProof(r.Context(), caller, id, []byte(req.Proof))
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(rec))
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

type setAdminRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req setAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := s.adminService.Replace(r.Context(), callerID(r), req.Identity); err != nil {
		if errors.Is(err, admin.ErrOnlyAdmin) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": req.Identity})
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	profiles, err := s.brokerService.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list brokers failed")
		return
	}

	items := make([]brokerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toBrokerResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/brokers/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing broker id")
		return
	}

	profile, err := s.brokerService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "broker not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "fetch broker failed")
		return
	}
	writeJSON(w, http.StatusOK, toBrokerResponse(profile))
}

type escrowResponse struct {
	ID         string  `json:"id"`
	Buyer      string  `json:"buyer"`
	Seller     string  `json:"seller"`
	Broker     *string `json:"broker,omitempty"`
	Product    string  `json:"product"`
	Price      int64   `json:"price"`
	State      string  `json:"state"`
	HasProof   bool    `json:"hasProof"`
	TimeMarker *string `json:"timeMarker,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

type commentResponse struct {
	Timestamp int64  `json:"timestamp"`
	RoleCode  int16  `json:"roleCode"`
	Message   string `json:"message"`
}

type transferResponse struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
}

type escrowDetailResponse struct {
	escrowResponse
	Comments []commentResponse `json:"comments"`
	Transfer *transferResponse `json:"transfer,omitempty"`
}

type brokerResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Contact   string `json:"contact"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"createdAt"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	resp := escrowResponse{
		ID:        rec.ID,
		Buyer:     rec.BuyerID,
		Seller:    rec.SellerID,
		Broker:    rec.BrokerID,
		Product:   rec.Product,
		Price:     rec.Price,
		State:     string(rec.State),
		HasProof:  len(rec.Proof) > 0,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.TimeMarker != nil {
		marker := rec.TimeMarker.UTC().Format(time.RFC3339)
		resp.TimeMarker = &marker
	}
	return resp
}

func toBrokerResponse(p broker.Profile) brokerResponse {
	return brokerResponse{
		ID:        p.ID,
		Name:      p.Name,
		Contact:   p.Contact,
		Verified:  p.Verified,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrProofRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, escrow.ErrAlreadyFinished),
		errors.Is(err, escrow.ErrCancelAlreadyRequested),
		errors.Is(err, escrow.ErrCancelPending),
		errors.Is(err, escrow.ErrProofAlreadyAttached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrTooEarly):
		writeError(w, http.StatusTooEarly, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
