package creditnote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

type invoiceKey struct {
	tenant uuid.UUID
	id     int64
}

// memoryRepo keeps committed state in maps. WithTx holds txMu for the whole
// callback, which plays the part of the invoice row lock.
type memoryRepo struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	invoices map[invoiceKey]Invoice
	notes    map[int64]CreditNote
	seq      map[string]int64
	nextID   int64

	// afterBalanceRead runs after InvoiceBalance took its snapshot.
	afterBalanceRead func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: map[invoiceKey]Invoice{},
		notes:    map[int64]CreditNote{},
		seq:      map[string]int64{},
	}
}

func (m *memoryRepo) addInvoice(tenant uuid.UUID, id int64, total string, status InvoiceStatus) Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := Invoice{
		ID:       id,
		TenantID: tenant,
		Number:   fmt.Sprintf("INV-%04d", id),
		Total:    decimal.RequireFromString(total),
		Status:   status,
	}
	m.invoices[invoiceKey{tenant, id}] = inv
	return inv
}

func (m *memoryRepo) setInvoiceStatus(tenant uuid.UUID, id int64, status InvoiceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[invoiceKey{tenant, id}]
	inv.Status = status
	m.invoices[invoiceKey{tenant, id}] = inv
}

func (m *memoryRepo) activeSum(tenant uuid.UUID, invoiceID int64) decimal.Decimal {
	var amounts []decimal.Decimal
	for _, n := range m.notes {
		if n.TenantID == tenant && n.InvoiceID == invoiceID && n.Status == StatusActive {
			amounts = append(amounts, n.Amount)
		}
	}
	return money.Sum(amounts...)
}

func (m *memoryRepo) countNotes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx := &memoryTx{repo: m, inserts: map[int64]CreditNote{}, updates: map[int64]CreditNote{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range tx.inserts {
		m.notes[id] = n
	}
	for id, n := range tx.updates {
		m.notes[id] = n
	}
	for k, v := range tx.seq {
		m.seq[k] = v
	}
	return nil
}

func (m *memoryRepo) InvoiceBalance(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, decimal.Decimal, error) {
	m.mu.Lock()
	inv, ok := m.invoices[invoiceKey{tenantID, invoiceID}]
	issued := m.activeSum(tenantID, invoiceID)
	hook := m.afterBalanceRead
	m.mu.Unlock()
	if !ok {
		return Invoice{}, decimal.Zero, ErrInvoiceNotFound
	}
	if hook != nil {
		hook()
	}
	return inv, issued, nil
}

func (m *memoryRepo) GetCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.TenantID != tenantID {
		return CreditNote{}, ErrNotFound
	}
	return n, nil
}

func (m *memoryRepo) ListCreditNotes(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]CreditNote, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []CreditNote
	for id := int64(1); id <= m.nextID; id++ {
		n, ok := m.notes[id]
		if !ok || n.TenantID != tenantID {
			continue
		}
		if filter.InvoiceID > 0 && n.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		matched = append(matched, n)
	}
	start := shared.Offset(filter.Page, filter.PerPage)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *memoryRepo) ListOverIssued(ctx context.Context) ([]OverIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OverIssue
	for key, inv := range m.invoices {
		issued := m.activeSum(key.tenant, key.id)
		if issued.GreaterThan(inv.Total) {
			out = append(out, OverIssue{TenantID: key.tenant, InvoiceID: inv.ID, Number: inv.Number, Total: inv.Total, Issued: issued})
		}
	}
	return out, nil
}

type memoryTx struct {
	repo    *memoryRepo
	inserts map[int64]CreditNote
	updates map[int64]CreditNote
	seq     map[string]int64
}

func (t *memoryTx) LockInvoice(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	inv, ok := t.repo.invoices[invoiceKey{tenantID, invoiceID}]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memoryTx) SumActiveCredit(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (decimal.Decimal, error) {
	t.repo.mu.Lock()
	sum := t.repo.activeSum(tenantID, invoiceID)
	t.repo.mu.Unlock()
	for _, n := range t.inserts {
		if n.TenantID == tenantID && n.InvoiceID == invoiceID {
			sum = sum.Add(n.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) NextNumber(ctx context.Context, tenantID uuid.UUID, at time.Time) (string, error) {
	key := tenantID.String() + ":" + at.UTC().Format("200601")
	if t.seq == nil {
		t.seq = map[string]int64{}
	}
	t.repo.mu.Lock()
	current, ok := t.seq[key]
	if !ok {
		current = t.repo.seq[key]
	}
	t.repo.mu.Unlock()
	current++
	t.seq[key] = current
	return FormatNumber(at, current), nil
}

func (t *memoryTx) InsertCreditNote(ctx context.Context, note CreditNote) (int64, error) {
	t.repo.mu.Lock()
	t.repo.nextID++
	id := t.repo.nextID
	t.repo.mu.Unlock()
	note.ID = id
	t.inserts[id] = note
	return id, nil
}

func (t *memoryTx) LockCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	n, ok := t.repo.notes[id]
	if !ok || n.TenantID != tenantID {
		return CreditNote{}, ErrNotFound
	}
	return n, nil
}

func (t *memoryTx) CancelCreditNote(ctx context.Context, note CreditNote) error {
	t.updates[note.ID] = note
	return nil
}

type fakeRates struct {
	rate decimal.Decimal
	err  error
}

func (f fakeRates) VATRate(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeIdempotency struct {
	mu        sync.Mutex
	keys      map[string]bool
	deleteErr error
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: map[string]bool{}}
}

func (f *fakeIdempotency) CheckAndInsert(ctx context.Context, tenantID uuid.UUID, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID.String() + module + key
	if f.keys[k] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[k] = true
	return nil
}

func (f *fakeIdempotency) Delete(ctx context.Context, tenantID uuid.UUID, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.keys, tenantID.String()+module+key)
	return nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counts: map[string]int{}}
}

func (f *fakeMetrics) ObserveCreditNote(action, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[action+"/"+outcome]++
}

func (f *fakeMetrics) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

var fixedNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t testing.TB, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(amt(want)), "want %s, got %s", want, got)
}
