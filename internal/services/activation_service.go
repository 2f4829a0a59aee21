package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"licensecore/internal/activation"
	"licensecore/internal/config"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/exporter"
	"licensecore/internal/infrastructure"
	"licensecore/internal/security"
	api "licensecore/pkg/contracts/api/v1"
)

// Ledger is the part of *activation.Ledger the service needs.
type Ledger interface {
	IssueBatch(ctx context.Context, n, validityDays, maxUses int) ([]activation.Code, error)
	RedeemDetailed(ctx context.Context, code, device string) (*activation.Redemption, error)
	Revoke(ctx context.Context, code string) error
	Extend(ctx context.Context, code string, extraDays int) (activation.Code, error)
	Get(ctx context.Context, code string) (activation.Code, error)
	List(ctx context.Context) ([]activation.Code, error)
	Stats(ctx context.Context) (activation.Stats, error)
}

// ActivationClient is the part of *activation.Client the service needs.
type ActivationClient interface {
	Activate(ctx context.Context, code string) (bool, error)
	Check(ctx context.Context) bool
	Record() (*activation.ClientRecord, error)
}

// ActivationOptions configures an ActivationService.
type ActivationOptions struct {
	Ledger              Ledger
	Client              ActivationClient
	Fingerprint         security.FingerprintProvider
	AdminEnabled        bool
	DefaultValidityDays int
	DefaultMaxUses      int
	// Paths locates the exports directory. Exports are refused when nil.
	Paths  *config.Paths
	Logger *slog.Logger
}

// ActivationService redeems activation codes and administers the ledger.
type ActivationService struct {
	ledger       Ledger
	client       ActivationClient
	fingerprint  security.FingerprintProvider
	adminEnabled bool
	defaultDays  int
	defaultUses  int
	paths        *config.Paths
	now          func() time.Time
	logger       *slog.Logger
}

// NewActivationService creates an activation service.
func NewActivationService(opts ActivationOptions) *ActivationService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	days, uses := opts.DefaultValidityDays, opts.DefaultMaxUses
	if days <= 0 {
		days = 365
	}
	if uses <= 0 {
		uses = 1
	}
	return &ActivationService{
		ledger:       opts.Ledger,
		client:       opts.Client,
		fingerprint:  opts.Fingerprint,
		adminEnabled: opts.AdminEnabled,
		defaultDays:  days,
		defaultUses:  uses,
		paths:        opts.Paths,
		now:          time.Now,
		logger:       logger.With(slog.String("service", "activation")),
	}
}

// AdminEnabled reports whether ledger administration is allowed.
func (s *ActivationService) AdminEnabled() bool {
	return s.adminEnabled
}

// Redeem redeems req.Code for req.DeviceID. Without a device the code is
// redeemed for this machine and remembered in the client record.
func (s *ActivationService) Redeem(ctx context.Context, req api.RedeemRequest) (*api.RedeemResponse, error) {
	if s.ledger == nil {
		return nil, ErrServiceUnavailable
	}
	traceID := requestTraceID(ctx)
	masked := infrastructure.MaskSecret(req.Code)

	if req.DeviceID == "" && s.client != nil {
		alreadyBound := s.boundToLocal(ctx, req.Code)
		ok, err := s.client.Activate(ctx, req.Code)
		if !ok {
			s.logRejected(ctx, traceID, masked, err)
			return nil, rejection(err)
		}
		code, _ := activation.NormalizeCode(req.Code)
		return &api.RedeemResponse{
			Success:      true,
			Code:         code,
			AlreadyBound: alreadyBound,
			Message:      "Activation successful",
		}, nil
	}

	device := req.DeviceID
	if device == "" && s.fingerprint != nil {
		device = s.fingerprint.Fingerprint().String()
	}
	res, err := s.ledger.RedeemDetailed(ctx, req.Code, device)
	if err != nil {
		s.logRejected(ctx, traceID, masked, err)
		return nil, rejection(err)
	}

	s.logger.InfoContext(ctx, "activation code redeemed",
		slog.String("trace_id", traceID),
		slog.String("operation", "redeem"),
		slog.String("code", masked),
		slog.String("device", infrastructure.ShortFingerprint(device)),
		slog.Bool("already_bound", res.AlreadyBound))

	return &api.RedeemResponse{
		Success:      true,
		Code:         res.Code.Code,
		AlreadyBound: res.AlreadyBound,
		Message:      "Activation successful",
	}, nil
}

// ClientStatus reports the stored redemption of this machine, re-validated
// against the ledger.
func (s *ActivationService) ClientStatus(ctx context.Context) (*api.ClientActivationResponse, error) {
	if s.client == nil {
		return nil, ErrServiceUnavailable
	}
	rec, err := s.client.Record()
	if err != nil {
		s.logger.WarnContext(ctx, "activation record unreadable",
			slog.String("trace_id", requestTraceID(ctx)),
			slog.String("error", err.Error()))
		return &api.ClientActivationResponse{Message: apperrors.UserMessage(apperrors.KindOf(err))}, nil
	}
	if rec == nil {
		return &api.ClientActivationResponse{Message: apperrors.UserMessage(apperrors.KindNone)}, nil
	}

	resp := &api.ClientActivationResponse{
		Activated:   s.client.Check(ctx),
		Code:        infrastructure.MaskSecret(rec.Code),
		ActivatedAt: &rec.ActivatedAt,
	}
	if resp.Activated {
		resp.Message = "Activated"
	} else {
		resp.Message = "The stored activation is no longer valid"
	}
	return resp, nil
}

// IssueCodes issues req.Count codes (default 1) with configured defaults for
// zero fields.
func (s *ActivationService) IssueCodes(ctx context.Context, req api.IssueCodesRequest) ([]api.ActivationCodeResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	count, days, uses := req.Count, req.ValidityDays, req.MaxUses
	if count <= 0 {
		count = 1
	}
	if days <= 0 {
		days = s.defaultDays
	}
	if uses <= 0 {
		uses = s.defaultUses
	}

	codes, err := s.ledger.IssueBatch(ctx, count, days, uses)
	if err != nil {
		return nil, fmt.Errorf("issue activation codes: %w", err)
	}
	s.logger.InfoContext(ctx, "activation codes issued",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("operation", "issue"),
		slog.Int("count", len(codes)),
		slog.Int("validity_days", days),
		slog.Int("max_uses", uses))
	return CodeResponses(codes), nil
}

// ListCodes lists the ledger, filtered by status and a fuzzy search term.
func (s *ActivationService) ListCodes(ctx context.Context, req api.ListCodesRequest) ([]api.ActivationCodeResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	codes, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list activation codes: %w", err)
	}
	filter := activation.Filter{Status: activation.Status(req.Status), Search: req.Search}
	return CodeResponses(filter.Apply(codes)), nil
}

// GetCode returns one ledger entry.
func (s *ActivationService) GetCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	c, err := s.ledger.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	resp := CodeResponse(c)
	return &resp, nil
}

// RevokeCode revokes a code and returns its new state.
func (s *ActivationService) RevokeCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	if err := s.ledger.Revoke(ctx, code); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "activation code revoked",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("operation", "revoke"),
		slog.String("code", infrastructure.MaskSecret(code)))
	return s.GetCode(ctx, code)
}

// ExtendCode prolongs an active code by days.
func (s *ActivationService) ExtendCode(ctx context.Context, code string, days int) (*api.ActivationCodeResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	c, err := s.ledger.Extend(ctx, code, days)
	if err != nil {
		return nil, err
	}
	resp := CodeResponse(c)
	return &resp, nil
}

// Stats summarizes the ledger.
func (s *ActivationService) Stats(ctx context.Context) (*api.LedgerStatsResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	st, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	return &api.LedgerStatsResponse{
		Total:   st.Total,
		Active:  st.Active,
		Expired: st.Expired,
		Revoked: st.Revoked,
		Used:    st.Used,
		Damaged: st.Damaged,
	}, nil
}

// ExportCodes writes the whole ledger, including revoked and expired codes,
// to the exports directory.
func (s *ActivationService) ExportCodes(ctx context.Context, req api.ExportCodesRequest) (*api.ExportResponse, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	if s.paths == nil {
		return nil, ErrServiceUnavailable
	}
	format, err := exporter.ParseFormat(req.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	name := req.FileName
	if name == "" {
		name = exporter.DefaultFileName(s.now(), format)
	}

	codes, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list activation codes: %w", err)
	}
	path, err := exporter.ExportLedger(s.paths, codes, name, format)
	if err != nil {
		return nil, fmt.Errorf("export activation codes: %w", err)
	}
	if format == exporter.FormatAuto {
		format = exporter.FormatCSV
		if strings.EqualFold(filepath.Ext(path), ".xlsx") {
			format = exporter.FormatXLSX
		}
	}

	s.logger.InfoContext(ctx, "activation codes exported",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("operation", "export"),
		slog.String("path", path),
		slog.Int("rows", len(codes)))
	return &api.ExportResponse{Path: path, Format: string(format), Rows: len(codes)}, nil
}

// CodeResponse converts a ledger entry to its API form.
func CodeResponse(c activation.Code) api.ActivationCodeResponse {
	devices := c.Devices
	if devices == nil {
		devices = []string{}
	}
	return api.ActivationCodeResponse{
		Code:      c.Code,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt.UTC().Truncate(time.Second),
		ExpiresAt: c.ExpiresAt.UTC().Truncate(time.Second),
		MaxUses:   c.MaxUses,
		UsedCount: c.UsedCount,
		Remaining: c.Remaining(),
		Devices:   devices,
	}
}

// CodeResponses converts a list of ledger entries.
func CodeResponses(codes []activation.Code) []api.ActivationCodeResponse {
	out := make([]api.ActivationCodeResponse, 0, len(codes))
	for _, c := range codes {
		out = append(out, CodeResponse(c))
	}
	return out
}

func (s *ActivationService) requireAdmin() error {
	if !s.adminEnabled {
		return ErrAdminDisabled
	}
	if s.ledger == nil {
		return ErrServiceUnavailable
	}
	return nil
}

func (s *ActivationService) boundToLocal(ctx context.Context, code string) bool {
	if s.fingerprint == nil {
		return false
	}
	c, err := s.ledger.Get(ctx, code)
	return err == nil && c.IsBound(s.fingerprint.Fingerprint().String())
}

func (s *ActivationService) logRejected(ctx context.Context, traceID, masked string, err error) {
	s.logger.WarnContext(ctx, "activation code rejected",
		slog.String("trace_id", traceID),
		slog.String("operation", "redeem"),
		slog.String("code", masked),
		slog.String("kind", string(apperrors.KindOf(err))))
}

// rejection makes sure a failed redemption always carries a kind.
func rejection(err error) error {
	if err == nil {
		return apperrors.NewKindError(apperrors.KindInvalidFormat, "activation code rejected", nil)
	}
	return err
}
