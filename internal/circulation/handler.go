// internal/circulation/handler.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"bookwise/internal/catalog"
	"bookwise/internal/membership"
	"bookwise/internal/storage"
	"bookwise/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdempotencyHeader lets clients retry a borrow without risking a duplicate
// denial for a loan they already got.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyStore remembers which loan a client key produced.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)
	Remember(ctx context.Context, key string, loanID uuid.UUID) error
}

type Handler struct {
	service  Service
	idem     IdempotencyStore
	validate *validator.Validate
	log      zerolog.Logger
}

type HandlerOption func(*Handler)

func WithIdempotency(store IdempotencyStore) HandlerOption {
	return func(h *Handler) { h.idem = store }
}

func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  service,
		validate: newValidator(),
		log:      logger.Component("http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the lending endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.HandleBorrow)
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Get("/loans/{loanID}/history", h.HandleHistory)
	r.Post("/loans/{loanID}/return", h.HandleReturn)
	r.Get("/titles/{titleID}/availability", h.HandleAvailability)
}

type borrowRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	TitleID string `json:"title_id" validate:"required,uuid"`
}

type deniedResponse struct {
	Denied  bool         `json:"denied"`
	Reason  DenialReason `json:"reason"`
	Message string       `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return
	}
	userID, titleID := uuid.MustParse(req.UserID), uuid.MustParse(req.TitleID)

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.idem != nil {
		key = "borrow:" + userID.String() + ":" + key
		if loan, ok := h.replay(r.Context(), key); ok {
			if loan.TitleID != titleID {
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency key already used for a different title"})
				return
			}
			writeJSON(w, http.StatusOK, loan)
			return
		}
	}

	result, err := h.service.Borrow(r.Context(), userID, titleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.Denied() {
		writeJSON(w, http.StatusUnprocessableEntity, deniedResponse{
			Denied:  true,
			Reason:  result.Verdict.Reason,
			Message: result.Verdict.Reason.Message(),
		})
		return
	}

	if key != "" && h.idem != nil {
		if err := h.idem.Remember(r.Context(), key, result.Loan.ID); err != nil {
			h.log.Warn().Err(err).Str("loan_id", result.Loan.ID.String()).Msg("could not store idempotency key")
		}
	}
	writeJSON(w, http.StatusCreated, result.Loan)
}

// replay returns the loan an earlier request with the same key created.
// Store failures fall through to a normal borrow.
func (h *Handler) replay(ctx context.Context, key string) (Loan, bool) {
	loanID, ok, err := h.idem.Lookup(ctx, key)
	if err != nil {
		h.log.Warn().Err(err).Msg("idempotency lookup failed")
		return Loan{}, false
	}
	if !ok {
		return Loan{}, false
	}
	loan, err := h.service.GetLoan(ctx, loanID)
	if err != nil {
		h.log.Warn().Err(err).Str("loan_id", loanID.String()).Msg("idempotency key points at unreadable loan")
		return Loan{}, false
	}
	return loan, true
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}

	loan, err := h.service.ReturnLoan(r.Context(), loanID)
	if errors.Is(err, ErrReleasePending) {
		// The return itself is recorded; reconciliation fixes the count.
		writeJSON(w, http.StatusAccepted, loan)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	events, err := h.service.LoanHistory(r.Context(), loanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathUUID(w, r, "titleID")
	if !ok {
		return
	}
	availability, err := h.service.Availability(r.Context(), titleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrLoanNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "loan not found"})
	case errors.Is(err, catalog.ErrTitleNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "title not found"})
	case errors.Is(err, membership.ErrMemberNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
	case errors.Is(err, ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "loan is already returned"})
	case errors.Is(err, ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflicting request in progress, please retry"})
	case errors.Is(err, storage.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable"})
	default:
		h.log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "uuid":
			msgs = append(msgs, field+" must be a UUID")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
