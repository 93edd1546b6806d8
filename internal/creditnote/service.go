package creditnote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

const idempotencyModule = "credit_notes"

// RepositoryPort defines data access methods for credit notes.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	InvoiceBalance(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, decimal.Decimal, error)
	GetCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error)
	ListCreditNotes(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]CreditNote, int, error)
	ListOverIssued(ctx context.Context) ([]OverIssue, error)
}

// TxRepository exposes the operations that must share one transaction.
type TxRepository interface {
	// LockInvoice loads the invoice and holds a row lock until commit.
	LockInvoice(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, error)
	SumActiveCredit(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (decimal.Decimal, error)
	NextNumber(ctx context.Context, tenantID uuid.UUID, at time.Time) (string, error)
	InsertCreditNote(ctx context.Context, note CreditNote) (int64, error)
	LockCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error)
	CancelCreditNote(ctx context.Context, note CreditNote) error
}

// RateResolver resolves the VAT rate of a tenant.
type RateResolver interface {
	VATRate(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error)
}

// IdempotencyGuard rejects replayed requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, tenantID uuid.UUID, key, module string) error
	Delete(ctx context.Context, tenantID uuid.UUID, key, module string) error
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsRecorder counts credit note outcomes.
type MetricsRecorder interface {
	ObserveCreditNote(action, outcome string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Policy  CancellationPolicy
	Logger  *slog.Logger
	Metrics MetricsRecorder
	Now     func() time.Time
}

// Service handles credit note business logic.
type Service struct {
	repo        RepositoryPort
	rates       RateResolver
	audit       AuditRecorder
	idempotency IdempotencyGuard
	policy      CancellationPolicy
	logger      *slog.Logger
	metrics     MetricsRecorder
	now         func() time.Time
}

// NewService builds Service instance. rates, audit and idem may be nil.
func NewService(repo RepositoryPort, rates RateResolver, audit AuditRecorder, idem IdempotencyGuard, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        repo,
		rates:       rates,
		audit:       audit,
		idempotency: idem,
		policy:      cfg.Policy,
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         now,
	}
}

// Issue validates and persists a new active credit note. The balance is
// checked once for early feedback and again under the invoice row lock; a
// request that passed the first check but fails the second lost a race and
// returns ErrConcurrentOverIssue.
func (s *Service) Issue(ctx context.Context, input IssueInput) (CreditNote, error) {
	note, err := s.issue(ctx, input)
	s.observe("issue", err)
	if err != nil {
		s.logger.Warn("issue credit note rejected",
			slog.Any("error", err),
			slog.String("tenant", input.TenantID.String()),
			slog.Int64("invoice_id", input.InvoiceID),
			slog.String("amount", input.Amount.String()))
		return CreditNote{}, err
	}
	s.logger.Info("credit note issued",
		slog.String("tenant", note.TenantID.String()),
		slog.String("number", note.Number),
		slog.Int64("invoice_id", note.InvoiceID),
		slog.String("amount", note.Amount.StringFixed(money.Scale)))
	return note, nil
}

func (s *Service) issue(ctx context.Context, input IssueInput) (CreditNote, error) {
	if input.TenantID == uuid.Nil {
		return CreditNote{}, shared.ErrTenantRequired
	}
	if input.InvoiceID <= 0 {
		return CreditNote{}, ErrInvoiceNotFound
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return CreditNote{}, ErrReasonRequired
	}
	amount := money.Round(input.Amount)
	if !amount.IsPositive() {
		return CreditNote{}, ErrInvalidAmount
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	insertedKey := false
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.TenantID, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return CreditNote{}, ErrDuplicateRequest
			}
			return CreditNote{}, fmt.Errorf("creditnote: idempotency: %w", err)
		}
		insertedKey = true
	}

	note, err := s.persist(ctx, input, amount, reason)
	if err != nil {
		if insertedKey {
			if delErr := s.idempotency.Delete(ctx, input.TenantID, key, idempotencyModule); delErr != nil {
				s.logger.Warn("release idempotency key",
					slog.Any("error", delErr),
					slog.String("tenant", input.TenantID.String()),
					slog.String("key", key))
			}
		}
		return CreditNote{}, err
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: note.TenantID,
			ActorID:  note.CreatedBy,
			Action:   "credit_note.issued",
			Entity:   "credit_note",
			EntityID: strconv.FormatInt(note.ID, 10),
			Meta: map[string]any{
				"number":     note.Number,
				"invoice_id": note.InvoiceID,
				"amount":     note.Amount.StringFixed(money.Scale),
				"vat":        note.VAT.StringFixed(money.Scale),
			},
			At: note.CreatedAt,
		}); err != nil {
			s.logger.Warn("audit credit note issue", slog.Any("error", err), slog.Int64("id", note.ID))
		}
	}
	return note, nil
}

func (s *Service) persist(ctx context.Context, input IssueInput, amount decimal.Decimal, reason string) (CreditNote, error) {
	rate, err := s.vatRate(ctx, input.TenantID)
	if err != nil {
		return CreditNote{}, err
	}

	inv, issued, err := s.repo.InvoiceBalance(ctx, input.TenantID, input.InvoiceID)
	if err != nil {
		return CreditNote{}, err
	}
	if !inv.Status.Issued() {
		return CreditNote{}, ErrInvoiceNotIssued
	}
	if _, err := CheckEligibilityAtRate(inv.Total, issued, amount, rate); err != nil {
		return CreditNote{}, err
	}

	var created CreditNote
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockInvoice(ctx, input.TenantID, input.InvoiceID)
		if err != nil {
			return err
		}
		if !locked.Status.Issued() {
			return ErrInvoiceNotIssued
		}
		issued, err := tx.SumActiveCredit(ctx, input.TenantID, input.InvoiceID)
		if err != nil {
			return err
		}
		eligibility, err := CheckEligibilityAtRate(locked.Total, issued, amount, rate)
		if err != nil {
			var balanceErr *BalanceError
			if errors.As(err, &balanceErr) {
				return fmt.Errorf("%w: available %s", ErrConcurrentOverIssue, balanceErr.Available.StringFixed(money.Scale))
			}
			return err
		}
		now := s.now()
		number, err := tx.NextNumber(ctx, input.TenantID, now)
		if err != nil {
			return err
		}
		note := CreditNote{
			TenantID:  input.TenantID,
			Number:    number,
			InvoiceID: locked.ID,
			Amount:    eligibility.Breakdown.Total,
			Base:      eligibility.Breakdown.Base,
			VAT:       eligibility.Breakdown.VAT,
			VATRate:   rate,
			Reason:    reason,
			Status:    StatusActive,
			CreatedBy: input.ActorID,
			CreatedAt: now,
		}
		id, err := tx.InsertCreditNote(ctx, note)
		if err != nil {
			return err
		}
		note.ID = id
		created = note
		return nil
	})
	if err != nil {
		return CreditNote{}, err
	}
	return created, nil
}

func (s *Service) vatRate(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	if s.rates == nil {
		return tax.DefaultVATRate, nil
	}
	rate, err := s.rates.VATRate(ctx, tenantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("creditnote: resolve vat rate: %w", err)
	}
	return rate, nil
}

// Cancel moves an active credit note to cancelled when policy allows it.
func (s *Service) Cancel(ctx context.Context, input CancelInput) (CreditNote, error) {
	note, err := s.cancel(ctx, input)
	s.observe("cancel", err)
	if err != nil {
		s.logger.Warn("cancel credit note rejected",
			slog.Any("error", err),
			slog.String("tenant", input.TenantID.String()),
			slog.Int64("id", input.ID))
		return CreditNote{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: note.TenantID,
			ActorID:  note.CancelledBy,
			Action:   "credit_note.cancelled",
			Entity:   "credit_note",
			EntityID: strconv.FormatInt(note.ID, 10),
			Meta:     map[string]any{"number": note.Number, "reason": note.CancelReason},
			At:       *note.CancelledAt,
		}); err != nil {
			s.logger.Warn("audit credit note cancel", slog.Any("error", err), slog.Int64("id", note.ID))
		}
	}
	return note, nil
}

func (s *Service) cancel(ctx context.Context, input CancelInput) (CreditNote, error) {
	if input.TenantID == uuid.Nil {
		return CreditNote{}, shared.ErrTenantRequired
	}
	if input.ID <= 0 {
		return CreditNote{}, ErrNotFound
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return CreditNote{}, ErrReasonRequired
	}
	current, err := s.repo.GetCreditNote(ctx, input.TenantID, input.ID)
	if err != nil {
		return CreditNote{}, err
	}

	var cancelled CreditNote
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, input.TenantID, current.InvoiceID)
		if err != nil {
			return err
		}
		note, err := tx.LockCreditNote(ctx, input.TenantID, input.ID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckCancel(note, inv); err != nil {
			return err
		}
		now := s.now()
		note.Status = StatusCancelled
		note.CancelReason = reason
		note.CancelledBy = input.ActorID
		note.CancelledAt = &now
		if err := tx.CancelCreditNote(ctx, note); err != nil {
			return err
		}
		cancelled = note
		return nil
	})
	if err != nil {
		return CreditNote{}, err
	}
	return cancelled, nil
}

// Get returns a credit note by id.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error) {
	if tenantID == uuid.Nil {
		return CreditNote{}, shared.ErrTenantRequired
	}
	return s.repo.GetCreditNote(ctx, tenantID, id)
}

// List returns a page of credit notes with pagination metadata.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]CreditNote, shared.Pagination, error) {
	if tenantID == uuid.Nil {
		return nil, shared.Pagination{}, shared.ErrTenantRequired
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, ErrInvalidStatus
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	notes, total, err := s.repo.ListCreditNotes(ctx, tenantID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return notes, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Balance computes the refundable balance of an invoice.
func (s *Service) Balance(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (InvoiceBalance, error) {
	if tenantID == uuid.Nil {
		return InvoiceBalance{}, shared.ErrTenantRequired
	}
	inv, issued, err := s.repo.InvoiceBalance(ctx, tenantID, invoiceID)
	if err != nil {
		return InvoiceBalance{}, err
	}
	return InvoiceBalance{
		Invoice:   inv,
		Issued:    issued,
		Available: AvailableBalance(inv.Total, issued),
	}, nil
}

// FindOverIssued lists invoices whose active credit notes exceed their total.
func (s *Service) FindOverIssued(ctx context.Context) ([]OverIssue, error) {
	return s.repo.ListOverIssued(ctx)
}

func (s *Service) observe(action string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCreditNote(action, Outcome(err))
}

// Outcome classifies err into a low-cardinality metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConcurrentOverIssue):
		return "concurrent_over_issue"
	case errors.Is(err, ErrExceedsAvailableBalance):
		return "exceeds_available_balance"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrCancellationBlocked):
		return "cancellation_blocked"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvoiceNotFound):
		return "not_found"
	case errors.Is(err, ErrInvoiceNotIssued), errors.Is(err, ErrReasonRequired), errors.Is(err, shared.ErrTenantRequired):
		return "rejected"
	default:
		return "error"
	}
}

// Check runs the eligibility rule at the tenant VAT rate without touching
// stored credit notes.
func (s *Service) Check(ctx context.Context, tenantID uuid.UUID, invoiceTotal, issuedSum, amount decimal.Decimal) (Eligibility, error) {
	rate, err := s.vatRate(ctx, tenantID)
	if err != nil {
		return Eligibility{}, err
	}
	return CheckEligibilityAtRate(invoiceTotal, issuedSum, amount, rate)
}
