package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/middleware"
	api "licensecore/pkg/contracts/api/v1"
)

// ActivationService is implemented by *services.ActivationService.
type ActivationService interface {
	AdminEnabled() bool
	Redeem(ctx context.Context, req api.RedeemRequest) (*api.RedeemResponse, error)
	ClientStatus(ctx context.Context) (*api.ClientActivationResponse, error)
	IssueCodes(ctx context.Context, req api.IssueCodesRequest) ([]api.ActivationCodeResponse, error)
	ListCodes(ctx context.Context, req api.ListCodesRequest) ([]api.ActivationCodeResponse, error)
	GetCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error)
	RevokeCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error)
	ExtendCode(ctx context.Context, code string, days int) (*api.ActivationCodeResponse, error)
	Stats(ctx context.Context) (*api.LedgerStatsResponse, error)
	ExportCodes(ctx context.Context, req api.ExportCodesRequest) (*api.ExportResponse, error)
}

// ActivationHandler serves code redemption and, when enabled, ledger
// administration.
type ActivationHandler struct {
	service    ActivationService
	guard      AttemptLimiter
	adminToken string
	respond    responder
	query      *middleware.QueryParamValidator
	logger     *slog.Logger
}

// NewActivationHandler creates an activation handler. guard may be nil.
func NewActivationHandler(service ActivationService, guard AttemptLimiter, adminToken string, errHandler *apperrors.ErrorHandler, validator Validator, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{
		service:    service,
		guard:      guard,
		adminToken: adminToken,
		respond:    responder{errors: errHandler, validator: validator},
		query:      middleware.NewQueryParamValidator(errHandler),
		logger:     logger.With(slog.String("handler", "activation")),
	}
}

// Routes returns the activation router. Admin routes are only mounted when
// the service allows administration.
func (h *ActivationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/redeem", h.Redeem)
	r.Get("/status", h.ClientStatus)

	if h.service.AdminEnabled() {
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(h.logger, h.adminToken))
			r.Use(middleware.AuditLog(h.logger))

			r.Post("/codes", h.IssueCodes)
			r.Get("/codes", h.ListCodes)
			r.Get("/codes/{code}", h.GetCode)
			r.Post("/codes/{code}/revoke", h.RevokeCode)
			r.Post("/codes/{code}/extend", h.ExtendCode)
			r.Get("/stats", h.Stats)
			r.Post("/export", h.Export)
		})
	}
	return r
}

// Redeem handles POST /api/activation/redeem
func (h *ActivationHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	client := middleware.ClientIP(r)
	if !allowAttempt(w, r, h.guard, client) {
		return
	}

	var req api.RedeemRequest
	if !h.respond.decode(w, r, &req) {
		return
	}

	resp, err := h.service.Redeem(r.Context(), req)
	if h.guard != nil {
		h.guard.RecordAttempt(r.Context(), client, err == nil)
	}
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// ClientStatus handles GET /api/activation/status
func (h *ActivationHandler) ClientStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ClientStatus(r.Context())
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// IssueCodes handles POST /api/activation/codes. An empty body issues one
// code with the configured defaults.
func (h *ActivationHandler) IssueCodes(w http.ResponseWriter, r *http.Request) {
	var req api.IssueCodesRequest
	if r.ContentLength != 0 {
		if !h.respond.decode(w, r, &req) {
			return
		}
	}

	codes, err := h.service.IssueCodes(r.Context(), req)
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, codes)
}

// ListCodes handles GET /api/activation/codes?status=&search=&limit=
func (h *ActivationHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := api.ListCodesRequest{Status: q.Get("status"), Search: q.Get("search")}
	if !h.respond.validate(w, r, req) {
		return
	}
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 100000, 0)
	if !ok {
		return
	}

	codes, err := h.service.ListCodes(r.Context(), req)
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	render.JSON(w, r, codes)
}

// GetCode handles GET /api/activation/codes/{code}
func (h *ActivationHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// RevokeCode handles POST /api/activation/codes/{code}/revoke
func (h *ActivationHandler) RevokeCode(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.RevokeCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// ExtendCode handles POST /api/activation/codes/{code}/extend
func (h *ActivationHandler) ExtendCode(w http.ResponseWriter, r *http.Request) {
	var req api.ExtendCodeRequest
	if !h.respond.decode(w, r, &req) {
		return
	}

	resp, err := h.service.ExtendCode(r.Context(), chi.URLParam(r, "code"), req.Days)
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Stats handles GET /api/activation/stats
func (h *ActivationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Stats(r.Context())
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Export handles POST /api/activation/export
func (h *ActivationHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req api.ExportCodesRequest
	if r.ContentLength != 0 {
		if !h.respond.decode(w, r, &req) {
			return
		}
	}

	resp, err := h.service.ExportCodes(r.Context(), req)
	if err != nil {
		h.respond.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}
