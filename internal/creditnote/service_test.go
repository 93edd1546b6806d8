package creditnote

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

type serviceFixture struct {
	repo    *memoryRepo
	audit   *fakeAudit
	idem    *fakeIdempotency
	metrics *fakeMetrics
	svc     *Service
	tenant  uuid.UUID
}

func newServiceFixture(t *testing.T, policy CancellationPolicy) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:    newMemoryRepo(),
		audit:   &fakeAudit{},
		idem:    newFakeIdempotency(),
		metrics: newFakeMetrics(),
		tenant:  uuid.New(),
	}
	f.svc = NewService(f.repo, nil, f.audit, f.idem, ServiceConfig{
		Policy:  policy,
		Logger:  discardLogger(),
		Metrics: f.metrics,
		Now:     func() time.Time { return fixedNow },
	})
	return f
}

func (f *serviceFixture) issue(t *testing.T, invoiceID int64, amount string) (CreditNote, error) {
	t.Helper()
	return f.svc.Issue(context.Background(), IssueInput{
		TenantID:  f.tenant,
		InvoiceID: invoiceID,
		Amount:    amt(amount),
		Reason:    "returned goods",
		ActorID:   7,
	})
}

func TestServiceIssuePersistsDecomposedNote(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)

	note, err := f.issue(t, 1, "400")
	require.NoError(t, err)
	require.Equal(t, int64(1), note.ID)
	require.Equal(t, "CN-202503-00001", note.Number)
	require.Equal(t, StatusActive, note.Status)
	requireAmount(t, "400", note.Amount)
	requireAmount(t, "347.83", note.Base)
	requireAmount(t, "52.17", note.VAT)
	requireAmount(t, "0.15", note.VATRate)
	require.Equal(t, int64(7), note.CreatedBy)
	require.Equal(t, fixedNow, note.CreatedAt)

	second, err := f.issue(t, 1, "100")
	require.NoError(t, err)
	require.Equal(t, "CN-202503-00002", second.Number)

	balance, err := f.svc.Balance(context.Background(), f.tenant, 1)
	require.NoError(t, err)
	requireAmount(t, "500", balance.Issued)
	requireAmount(t, "500", balance.Available)

	require.Len(t, f.audit.logs, 2)
	require.Equal(t, "credit_note.issued", f.audit.logs[0].Action)
	require.Equal(t, "1", f.audit.logs[0].EntityID)
	require.Equal(t, f.tenant, f.audit.logs[0].TenantID)
	require.Equal(t, 2, f.metrics.count("issue/ok"))
}

func TestServiceIssueRejectsAmountAboveAvailable(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)

	_, err := f.issue(t, 1, "600")
	require.NoError(t, err)
	_, err = f.issue(t, 1, "500")
	require.ErrorIs(t, err, ErrExceedsAvailableBalance)

	var balanceErr *BalanceError
	require.True(t, errors.As(err, &balanceErr))
	requireAmount(t, "400", balanceErr.Available)

	require.Equal(t, 1, f.repo.countNotes())
	require.Equal(t, 1, f.metrics.count("issue/exceeds_available_balance"))
}

func TestServiceIssueValidatesInput(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	f.repo.addInvoice(f.tenant, 2, "1000", InvoiceDraft)
	ctx := context.Background()

	_, err := f.issue(t, 1, "0")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.issue(t, 1, "-10")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.issue(t, 99, "10")
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	_, err = f.issue(t, 2, "10")
	require.ErrorIs(t, err, ErrInvoiceNotIssued)

	_, err = f.svc.Issue(ctx, IssueInput{TenantID: f.tenant, InvoiceID: 1, Amount: amt("10"), Reason: "  "})
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = f.svc.Issue(ctx, IssueInput{InvoiceID: 1, Amount: amt("10"), Reason: "x"})
	require.ErrorIs(t, err, shared.ErrTenantRequired)

	// Another tenant cannot see the invoice.
	_, err = f.svc.Issue(ctx, IssueInput{TenantID: uuid.New(), InvoiceID: 1, Amount: amt("10"), Reason: "x"})
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	require.Zero(t, f.repo.countNotes())
	require.Empty(t, f.audit.logs)
}

func TestServiceIssueUsesTenantRate(t *testing.T) {
	repo := newMemoryRepo()
	tenant := uuid.New()
	repo.addInvoice(tenant, 1, "500", InvoiceDue)
	svc := NewService(repo, fakeRates{rate: amt("0.05")}, nil, nil, ServiceConfig{Logger: discardLogger(), Now: func() time.Time { return fixedNow }})

	note, err := svc.Issue(context.Background(), IssueInput{TenantID: tenant, InvoiceID: 1, Amount: amt("105"), Reason: "discount"})
	require.NoError(t, err)
	requireAmount(t, "100", note.Base)
	requireAmount(t, "5", note.VAT)
	requireAmount(t, "0.05", note.VATRate)

	failing := NewService(repo, fakeRates{err: errors.New("redis down")}, nil, nil, ServiceConfig{Logger: discardLogger()})
	_, err = failing.Issue(context.Background(), IssueInput{TenantID: tenant, InvoiceID: 1, Amount: amt("5"), Reason: "discount"})
	require.ErrorContains(t, err, "redis down")
	require.Equal(t, "error", Outcome(err))
}

func TestServiceIssueIdempotencyKey(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	input := IssueInput{TenantID: f.tenant, InvoiceID: 1, Amount: amt("100"), Reason: "damaged", IdempotencyKey: "req-1"}

	_, err := f.svc.Issue(context.Background(), input)
	require.NoError(t, err)
	_, err = f.svc.Issue(context.Background(), input)
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.Equal(t, 1, f.repo.countNotes())
	require.Equal(t, 1, f.metrics.count("issue/duplicate"))

	// A failed request releases its key so the client can retry.
	failed := IssueInput{TenantID: f.tenant, InvoiceID: 1, Amount: amt("5000"), Reason: "damaged", IdempotencyKey: "req-2"}
	_, err = f.svc.Issue(context.Background(), failed)
	require.ErrorIs(t, err, ErrExceedsAvailableBalance)
	failed.Amount = amt("50")
	_, err = f.svc.Issue(context.Background(), failed)
	require.NoError(t, err)
}

func TestServiceIssueLogsFailedKeyRelease(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	f.idem.deleteErr = errors.New("postgres down")
	var logs bytes.Buffer
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, nil))

	_, err := f.svc.Issue(context.Background(), IssueInput{
		TenantID: f.tenant, InvoiceID: 1, Amount: amt("5000"), Reason: "damaged", IdempotencyKey: "req-9",
	})
	require.ErrorIs(t, err, ErrExceedsAvailableBalance)
	require.Contains(t, logs.String(), "release idempotency key")
	require.Contains(t, logs.String(), "postgres down")
	require.Contains(t, logs.String(), "req-9")
}

func TestServiceConcurrentIssueNeverOverIssues(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)

	// Hold both requests after their pre-check read so each sees issued = 0.
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.repo.afterBalanceRead = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.issue(t, 1, "600")
		}(i)
	}
	wg.Wait()

	var succeeded, raced int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrentOverIssue):
			raced++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, raced)
	require.Equal(t, 1, f.repo.countNotes())
	require.Equal(t, 1, f.metrics.count("issue/concurrent_over_issue"))

	f.repo.afterBalanceRead = nil
	balance, err := f.svc.Balance(context.Background(), f.tenant, 1)
	require.NoError(t, err)
	requireAmount(t, "400", balance.Available)

	over, err := f.svc.FindOverIssued(context.Background())
	require.NoError(t, err)
	require.Empty(t, over)
}

func TestServiceCancelBlockedForIssuedInvoice(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	note, err := f.issue(t, 1, "100")
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: note.ID, Reason: "typo", ActorID: 3})
	require.ErrorIs(t, err, ErrCancellationBlocked)
	stored, err := f.svc.Get(context.Background(), f.tenant, note.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, stored.Status)
	require.Equal(t, 1, f.metrics.count("cancel/cancellation_blocked"))
}

func TestServiceCancelFreesBalance(t *testing.T) {
	f := newServiceFixture(t, CancellationPolicy{})
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	note, err := f.issue(t, 1, "1000")
	require.NoError(t, err)

	_, err = f.issue(t, 1, "1")
	require.ErrorIs(t, err, ErrExceedsAvailableBalance)

	cancelled, err := f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: note.ID, Reason: "typo", ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "typo", cancelled.CancelReason)
	require.Equal(t, int64(3), cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	requireAmount(t, "1000", cancelled.Amount)

	_, err = f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: note.ID, Reason: "again"})
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: note.ID})
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: 404, Reason: "x"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.issue(t, 1, "1000")
	require.NoError(t, err)
	require.Equal(t, "credit_note.cancelled", f.audit.logs[1].Action)
}

func TestServiceCancelAllowedOnDraftInvoiceUnderDefaultPolicy(t *testing.T) {
	f := newServiceFixture(t, DefaultCancellationPolicy())
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	note, err := f.issue(t, 1, "100")
	require.NoError(t, err)

	f.repo.setInvoiceStatus(f.tenant, 1, InvoiceDraft)
	cancelled, err := f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: note.ID, Reason: "reverted"})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
}

func TestServiceList(t *testing.T) {
	f := newServiceFixture(t, CancellationPolicy{})
	f.repo.addInvoice(f.tenant, 1, "1000", InvoiceDue)
	f.repo.addInvoice(f.tenant, 2, "1000", InvoicePaid)
	for _, inv := range []int64{1, 1, 2} {
		_, err := f.issue(t, inv, "10")
		require.NoError(t, err)
	}
	_, err := f.svc.Cancel(context.Background(), CancelInput{TenantID: f.tenant, ID: 1, Reason: "dup"})
	require.NoError(t, err)

	notes, page, err := f.svc.List(context.Background(), f.tenant, ListFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 3)
	require.Equal(t, 3, page.Total)
	require.Equal(t, 20, page.PerPage)

	notes, _, err = f.svc.List(context.Background(), f.tenant, ListFilter{InvoiceID: 1, Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, int64(2), notes[0].ID)

	notes, page, err = f.svc.List(context.Background(), f.tenant, ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, 2, page.TotalPages)

	_, _, err = f.svc.List(context.Background(), f.tenant, ListFilter{Status: "void"})
	require.ErrorIs(t, err, ErrInvalidStatus)

	notes, _, err = f.svc.List(context.Background(), uuid.New(), ListFilter{})
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestServiceFindOverIssued(t *testing.T) {
	repo := newMemoryRepo()
	tenant := uuid.New()
	repo.addInvoice(tenant, 1, "100", InvoiceDue)
	repo.addInvoice(tenant, 2, "100", InvoiceDue)
	repo.notes[1] = CreditNote{ID: 1, TenantID: tenant, InvoiceID: 1, Amount: amt("80"), Status: StatusActive}
	repo.notes[2] = CreditNote{ID: 2, TenantID: tenant, InvoiceID: 1, Amount: amt("80"), Status: StatusActive}
	repo.notes[3] = CreditNote{ID: 3, TenantID: tenant, InvoiceID: 2, Amount: amt("80"), Status: StatusActive}
	repo.notes[4] = CreditNote{ID: 4, TenantID: tenant, InvoiceID: 2, Amount: amt("80"), Status: StatusCancelled}
	svc := NewService(repo, nil, nil, nil, ServiceConfig{})

	over, err := svc.FindOverIssued(context.Background())
	require.NoError(t, err)
	require.Len(t, over, 1)
	require.Equal(t, int64(1), over[0].InvoiceID)
	requireAmount(t, "160", over[0].Issued)
}

func TestServiceCheckUsesResolvedRate(t *testing.T) {
	svc := NewService(newMemoryRepo(), fakeRates{rate: amt("0.10")}, nil, nil, ServiceConfig{})
	res, err := svc.Check(context.Background(), uuid.New(), amt("1000"), amt("0"), amt("110"))
	require.NoError(t, err)
	requireAmount(t, "10", res.Breakdown.VAT)
}

func TestOutcomeLabels(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "exceeds_available_balance", Outcome(&BalanceError{}))
	require.Equal(t, "invalid_amount", Outcome(ErrInvalidAmount))
	require.Equal(t, "not_found", Outcome(ErrInvoiceNotFound))
	require.Equal(t, "rejected", Outcome(ErrInvoiceNotIssued))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestFormatNumber(t *testing.T) {
	require.Equal(t, "CN-202503-00042", FormatNumber(fixedNow, 42))
	require.Equal(t, "CN-202412-00001", FormatNumber(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), 1))
}
