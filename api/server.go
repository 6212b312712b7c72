// Package api is the merchant-facing REST surface. Requests authenticate with
// the signed-request scheme (key id, timestamp, nonce, HMAC signature),
// mutations may carry an Idempotency-Key, and every key is rate limited per
// minute. All money amounts cross the wire as decimal strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/stablepay/bpgw/audit"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/store"
	"github.com/stablepay/bpgw/wallet"
)

// Store is the persistence surface the handlers need.
type Store interface {
	APIKeyByID(ctx context.Context, id string) (*gateway.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	AddressByID(ctx context.Context, id string) (*gateway.PaymentAddress, error)
	TransactionByID(ctx context.Context, id string) (*gateway.Transaction, error)
	ListTransactions(ctx context.Context, f store.TxFilter) ([]gateway.Transaction, error)
	AuditTrail(ctx context.Context, entityKind, entityID string, limit int) ([]audit.Entry, error)
	InsertEndpoint(ctx context.Context, e *gateway.WebhookEndpoint) error
	EndpointByID(ctx context.Context, id string) (*gateway.WebhookEndpoint, error)
	EndpointsByMerchant(ctx context.Context, merchantID string) ([]gateway.WebhookEndpoint, error)
	DisableEndpoint(ctx context.Context, id string) error
}

// Wallet issues payment addresses.
type Wallet interface {
	Issue(ctx context.Context, req wallet.IssueRequest) (*gateway.PaymentAddress, error)
}

// Refunds creates operator refunds.
type Refunds interface {
	InitiateManual(ctx context.Context, paymentID string, amount decimal.Decimal, to, reason, actor string) (*gateway.Transaction, error)
}

// Watcher admits new addresses to chain monitoring.
type Watcher interface {
	Watch(addr common.Address)
}

// SecretVault opens stored API secrets.
type SecretVault interface {
	Decrypt(blob string) ([]byte, error)
}

// Server hosts the REST listener.
type Server struct {
	store   Store
	wallet  Wallet
	refunds Refunds
	watcher Watcher
	vault   SecretVault
	auditor audit.Log
	redis   *redis.Client

	listen        string
	ratePerMinute int
	maxRetries    int

	localMu     sync.Mutex
	localNonces map[string]time.Time
	localCounts map[string]int
	localWindow int64

	log log.Logger
	now func() time.Time
}

// New wires the server. A nil Redis client degrades nonce, idempotency and
// rate limiting to in-process state.
func New(st Store, w Wallet, rf Refunds, watcher Watcher, vault SecretVault, auditor audit.Log, rdb *redis.Client, cfg *config.Config, lg log.Logger) *Server {
	return &Server{
		store:         st,
		wallet:        w,
		refunds:       rf,
		watcher:       watcher,
		vault:         vault,
		auditor:       auditor,
		redis:         rdb,
		listen:        cfg.API.Listen,
		ratePerMinute: cfg.API.RateLimitPerMinute,
		maxRetries:    cfg.Webhook.MaxRetries,
		localNonces:   make(map[string]time.Time),
		localCounts:   make(map[string]int),
		log:           lg,
		now:           time.Now,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit)
	v1.Use(s.authenticate)
	v1.Use(s.idempotency)

	v1.HandleFunc("/payment-addresses", s.handleCreateAddress).Methods(http.MethodPost)
	v1.HandleFunc("/payment-addresses/{id}", s.handleGetAddress).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/audit", s.handleTransactionAudit).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/refunds", s.handleCreateRefund).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleCreateEndpoint).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleListEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.handleDisableEndpoint).Methods(http.MethodDelete)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.listen,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("REST listener up", "addr", s.listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAddressRequest struct {
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	LifetimeSeconds int64  `json:"lifetimeSeconds"`
}

func (s *Server) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	var req createAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "amount must be a decimal string")
		return
	}
	addr, err := s.wallet.Issue(r.Context(), wallet.IssueRequest{
		MerchantID: merchantID(r),
		Expected:   amount,
		Currency:   req.Currency,
		Lifetime:   time.Duration(req.LifetimeSeconds) * time.Second,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.watcher.Watch(addr.Common())
	s.writeJSON(w, http.StatusCreated, addressView(addr))
}

func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.store.AddressByID(r.Context(), mux.Vars(r)["id"])
	if err != nil || addr.MerchantID != merchantID(r) {
		s.writeError(w, http.StatusNotFound, "not_found", "payment address not found")
		return
	}
	s.writeJSON(w, http.StatusOK, addressView(addr))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	txs, err := s.store.ListTransactions(r.Context(), store.TxFilter{
		MerchantID: merchantID(r),
		Kind:       gateway.TxKind(q.Get("kind")),
		Status:     gateway.TxStatus(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]map[string]interface{}, len(txs))
	for i := range txs {
		views[i] = txView(&txs[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
}

// ownTransaction loads a transaction and enforces tenancy.
func (s *Server) ownTransaction(w http.ResponseWriter, r *http.Request) *gateway.Transaction {
	tx, err := s.store.TransactionByID(r.Context(), mux.Vars(r)["id"])
	if err != nil || tx.MerchantID != merchantID(r) {
		s.writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return nil
	}
	return tx
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if tx := s.ownTransaction(w, r); tx != nil {
		s.writeJSON(w, http.StatusOK, txView(tx))
	}
}

func (s *Server) handleTransactionAudit(w http.ResponseWriter, r *http.Request) {
	tx := s.ownTransaction(w, r)
	if tx == nil {
		return
	}
	trail, err := s.store.AuditTrail(r.Context(), audit.EntityTransaction, tx.ID, 100)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	entries := make([]map[string]interface{}, len(trail))
	for i, e := range trail {
		entries[i] = map[string]interface{}{
			"action":    e.Action,
			"prevState": e.PrevState,
			"newState":  e.NewState,
			"actor":     e.Actor,
			"detail":    e.Detail,
			"createdAt": e.CreatedAt.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries})
}

type createRefundRequest struct {
	Amount  string `json:"amount"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	tx := s.ownTransaction(w, r)
	if tx == nil {
		return
	}
	var req createRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "amount must be a decimal string")
			return
		}
	}
	refund, err := s.refunds.InitiateManual(r.Context(), tx.ID, amount, req.Address, req.Reason, merchantID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, txView(refund))
}

type createEndpointRequest struct {
	URL    string          `json:"url"`
	Events []gateway.Event `json:"events"`
	Secret string          `json:"secret"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "url is required")
		return
	}
	now := s.now().UTC()
	ep := &gateway.WebhookEndpoint{
		ID:         uuid.NewString(),
		MerchantID: merchantID(r),
		URL:        req.URL,
		Events:     req.Events,
		Secret:     req.Secret,
		Status:     gateway.EndpointActive,
		MaxRetries: s.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertEndpoint(r.Context(), ep); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, endpointView(ep))
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.store.EndpointsByMerchant(r.Context(), merchantID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]map[string]interface{}, len(eps))
	for i := range eps {
		views[i] = endpointView(&eps[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": views})
}

func (s *Server) handleDisableEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.EndpointByID(r.Context(), mux.Vars(r)["id"])
	if err != nil || ep.MerchantID != merchantID(r) {
		s.writeError(w, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	if err := s.store.DisableEndpoint(r.Context(), ep.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Response views. Internal fields (HD paths, encrypted keys, secrets) never
// leave the process.

func addressView(a *gateway.PaymentAddress) map[string]interface{} {
	v := map[string]interface{}{
		"id":             a.ID,
		"address":        a.Address,
		"status":         a.Status,
		"currency":       a.Currency,
		"expectedAmount": a.Expected.String(),
		"createdAt":      a.CreatedAt.Format(time.RFC3339),
	}
	if a.ExpiresAt != nil {
		v["expiresAt"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

func txView(t *gateway.Transaction) map[string]interface{} {
	v := map[string]interface{}{
		"id":            t.ID,
		"kind":          t.Kind,
		"status":        t.Status,
		"currency":      t.Currency,
		"amount":        t.Amount.String(),
		"confirmations": t.Confirmations,
		"createdAt":     t.CreatedAt.Format(time.RFC3339),
	}
	if t.TxHash != "" {
		v["txHash"] = t.TxHash
	}
	if t.ToAddress != "" {
		v["toAddress"] = t.ToAddress
	}
	if t.SettlementTxHash != "" {
		v["settlementTxHash"] = t.SettlementTxHash
	}
	return v
}

func endpointView(e *gateway.WebhookEndpoint) map[string]interface{} {
	return map[string]interface{}{
		"id":        e.ID,
		"url":       e.URL,
		"events":    e.Events,
		"status":    e.Status,
		"createdAt": e.CreatedAt.Format(time.RFC3339),
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrUnknownAddress):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, gateway.ErrDuplicateTx), errors.Is(err, gateway.ErrAddressExists):
		s.writeError(w, http.StatusConflict, "conflict", err.Error())
	case gateway.IsRetriable(err):
		s.log.Warn("Request failed on degraded dependency", "err", err)
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry shortly")
	default:
		s.writeError(w, http.StatusUnprocessableEntity, "invalid", err.Error())
	}
}
