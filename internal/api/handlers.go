/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers parse requests, call the workflow engine with the authenticated
 * caller and map domain errors onto HTTP statuses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For service logic, models, and domain errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/app"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service *app.Service
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service) *EscrowHandlers {
	return &EscrowHandlers{service: service}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type disputeCreatedResponse struct {
	DisputeID     uuid.UUID            `json:"dispute_id"`
	TransactionID uuid.UUID            `json:"transaction_id"`
	Status        domain.DisputeStatus `json:"status"`
}

func (h *EscrowHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := h.service.Deposit(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "deposit", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *EscrowHandlers) PaymentHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.Pay(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *EscrowHandlers) HoldHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.HoldRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tx, err := h.service.Hold(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *EscrowHandlers) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}
	var req domain.ReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TransactionID = id

	result, err := h.service.RequestRelease(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *EscrowHandlers) ReleaseScoreHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}

	preview, err := h.service.ReleaseScore(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(w, "release_score", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *EscrowHandlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	tx, err := h.service.CancelTransaction(r.Context(), caller, id, req.Reason)
	if err != nil {
		h.writeServiceError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *EscrowHandlers) CreateDisputeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}
	var req domain.CreateDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TransactionID = id

	dispute, err := h.service.CreateDispute(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "create_dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeCreatedResponse{
		DisputeID:     dispute.ID,
		TransactionID: dispute.TransactionID,
		Status:        dispute.Status,
	})
}

func (h *EscrowHandlers) ListDisputesHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}

	disputes, err := h.service.ListDisputes(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(w, "list_disputes", err)
		return
	}
	if disputes == nil {
		disputes = []domain.EscrowDispute{}
	}
	writeJSON(w, http.StatusOK, disputes)
}

func (h *EscrowHandlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	var req domain.ResolveDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DisputeID = id

	result, err := h.service.ResolveDispute(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *EscrowHandlers) GetMyAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), caller, caller.ID)
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *EscrowHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ownerID, ok := pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), caller, ownerID)
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *EscrowHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ownerID := caller.ID
	if raw := strings.TrimSpace(r.URL.Query().Get("owner_id")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", "invalid owner_id")
			return
		}
		ownerID = parsed
	}
	opts := domain.TransactionListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}

	txs, err := h.service.ListTransactions(r.Context(), caller, ownerID, opts)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	if txs == nil {
		txs = []domain.EscrowTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *EscrowHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), caller, id)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *EscrowHandlers) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.CreateInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	invoice, err := h.service.CreateInvoice(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "create_invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, invoice)
}

func (h *EscrowHandlers) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing caller")
		return domain.Caller{}, false
	}
	return caller, true
}

func (h *EscrowHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	kind := domain.ErrorKind(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		writeError(w, status, kind, "internal server error")
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=reject kind=%s err=%v", endpoint, kind, err)
	writeError(w, status, kind, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTransactionNotFound), errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrDisputeNotFound), errors.Is(err, domain.ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDuplicateDispute),
		errors.Is(err, domain.ErrDisputeOpen), errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrPaymentReferenceInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentVerificationFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "invalid request body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}
