/*
handlers.go - HTTP API handlers for the balance ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, caller resolution, and delegates to ledger.Engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                   Open account (returns a token)
    DELETE /api/me                         Close the caller's account

  Balance and movements (caller from bearer token):
    GET    /api/me/balance                 Cash, revolving debt, currency
    POST   /api/me/movements               Apply a debit or credit
    GET    /api/me/movements               Paginated history
                                           ?page=1&per_page=10&kind=debit
    POST   /api/me/credit-card/payments    Pay down revolving debt

REQUEST FLOW:
  1. Resolve caller (auth.go)
  2. Decode and shape-validate the body (dto.go tags)
  3. Call the engine
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with:
  - 400: invalid_input, insufficient_funds, no_debt
  - 401: missing or invalid token
  - 404: not_found
  - 500: persistence_failure (details never include storage errors)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/banking-ledger/ledger"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339

	defaultPerPage = 10
	maxBodyBytes   = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Auth   *Authenticator
	Store  Pinger
	Log    logrus.FieldLogger

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, auth *Authenticator, store Pinger, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine:   engine,
		Auth:     auth,
		Store:    store,
		Log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.Log.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// OpenAccount registers a user with its balance record.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	na := ledger.NewAccount{
		Name:     req.Name,
		Surname:  req.Surname,
		Email:    req.Email,
		Phone:    req.Phone,
		Currency: req.Currency,
	}
	if req.InitialCash != nil {
		na.InitialCash = *req.InitialCash
	}

	acct, err := h.Engine.OpenAccount(r.Context(), na)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	var token string
	if len(h.Auth.secret) > 0 {
		token, err = h.Auth.IssueToken(acct.User.ID)
		if err != nil {
			h.Log.WithError(err).Error("failed to issue token")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue token", nil)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct, token))
}

// CloseAccount deletes the caller's user, balance and ledger.
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())
	if err := h.Engine.CloseAccount(r.Context(), userID); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCE AND MOVEMENT ENDPOINTS
// =============================================================================

// GetBalance returns the caller's balance record.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())
	b, err := h.Engine.Balance(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b.UserID, b.CashAmount, b.RevolvingDebt, b.Currency))
}

// ApplyMovement applies a debit or credit for the caller.
func (h *Handler) ApplyMovement(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	var req ApplyMovementRequest
	if !h.decode(w, r, &req) {
		return
	}

	mr := ledger.MovementRequest{
		Kind:   ledger.Kind(req.Kind),
		Amount: req.Amount,
		Reason: req.Reason,
		Metadata: ledger.Metadata{
			Category:  req.Category,
			Method:    req.Method,
			Reference: req.Reference,
			Notes:     req.Notes,
		},
	}
	if req.Date != "" {
		// Shape already checked by the datetime tag.
		mr.Date, _ = time.Parse(dateLayout, req.Date)
	}

	res, err := h.Engine.ApplyMovement(r.Context(), userID, mr)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementResultDTO(res))
}

// ListMovements returns one page of the caller's history.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	q := ledger.MovementQuery{Page: 1, PerPage: defaultPerPage}
	values := r.URL.Query()

	var err error
	if s := values.Get("page"); s != "" {
		if q.Page, err = strconv.Atoi(s); err != nil {
			writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "page must be an integer", nil)
			return
		}
	}
	if s := values.Get("per_page"); s != "" {
		if q.PerPage, err = strconv.Atoi(s); err != nil {
			writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "per_page must be an integer", nil)
			return
		}
	}
	if s := strings.TrimSpace(values.Get("kind")); s != "" {
		k := ledger.Kind(strings.ToLower(s))
		q.Kind = &k
	}

	page, err := h.Engine.ListMovements(r.Context(), userID, q)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementPageDTO(page))
}

// PayCreditCard pays down the caller's revolving debt.
func (h *Handler) PayCreditCard(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	var req PayCreditCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "amount: required", map[string]string{"amount": "required"})
		return
	}

	res, err := h.Engine.PayCreditCard(r.Context(), userID, *req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaydownDTO(res))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs its validation tags. It
// writes the 400 reply itself and reports whether the handler may go on.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[jsonFieldName(fe)] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "validation failed", details)
			return false
		}
		writeError(w, http.StatusBadRequest, string(ledger.KindInvalidInput), "validation failed", nil)
		return false
	}
	return true
}

// jsonFieldName maps a validator field to the snake_case JSON key.
func jsonFieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "InitialCash":
		return "initial_cash"
	case "Date":
		return "payment_date"
	default:
		return strings.ToLower(fe.Field())
	}
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindInvalidInput, ledger.KindInsufficientFunds, ledger.KindNoDebt:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := StatusFor(kind)

	var details any
	var inputErr *ledger.InputError
	var fundsErr *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &inputErr):
		details = map[string]string{inputErr.Field: inputErr.Message}
	case errors.As(err, &fundsErr):
		details = map[string]string{
			"available": ledger.FormatMoney(fundsErr.Available),
			"requested": ledger.FormatMoney(fundsErr.Requested),
		}
	}

	writeError(w, status, string(kind), err.Error(), details)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
