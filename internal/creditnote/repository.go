package creditnote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

// Repository provides PostgreSQL backed persistence for credit notes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

const creditNoteColumns = `id, tenant_id, number, invoice_id, amount, base, vat, vat_rate, reason, status,
	created_by, created_at, cancel_reason, cancelled_by, cancelled_at`

// WithTx wraps callback in a read-committed transaction. Callers serialise
// on the invoice through TxRepository.LockInvoice.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// InvoiceBalance loads an invoice and the sum of its active credit notes.
func (r *Repository) InvoiceBalance(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, decimal.Decimal, error) {
	var inv Invoice
	var total, issued pgtype.Numeric
	err := r.pool.QueryRow(ctx, `SELECT i.id, i.tenant_id, i.number, i.total, i.status,
	COALESCE((SELECT SUM(c.amount) FROM credit_notes c
		WHERE c.tenant_id = i.tenant_id AND c.invoice_id = i.id AND c.status = 'active'), 0)
FROM sales_invoices i WHERE i.tenant_id = $1 AND i.id = $2`, tenantID, invoiceID).
		Scan(&inv.ID, &inv.TenantID, &inv.Number, &total, &inv.Status, &issued)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, decimal.Zero, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, decimal.Zero, fmt.Errorf("creditnote: invoice balance: %w", err)
	}
	inv.Total = db.Decimal(total)
	return inv, db.Decimal(issued), nil
}

// GetCreditNote retrieves a credit note by ID.
func (r *Repository) GetCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+creditNoteColumns+` FROM credit_notes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanCreditNote(row)
}

// ListCreditNotes returns a filtered page of credit notes and the total count.
func (r *Repository) ListCreditNotes(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]CreditNote, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.InvoiceID > 0 {
		args = append(args, filter.InvoiceID)
		where += ` AND invoice_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += ` AND status = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM credit_notes`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("creditnote: count: %w", err)
	}

	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("creditnote: list: %w", err)
	}
	defer rows.Close()
	var notes []CreditNote
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			return nil, 0, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return notes, total, nil
}

// ListOverIssued returns invoices whose active credit notes exceed the total.
func (r *Repository) ListOverIssued(ctx context.Context) ([]OverIssue, error) {
	rows, err := r.pool.Query(ctx, `SELECT i.tenant_id, i.id, i.number, i.total, SUM(c.amount)
FROM sales_invoices i
JOIN credit_notes c ON c.tenant_id = i.tenant_id AND c.invoice_id = i.id AND c.status = 'active'
GROUP BY i.tenant_id, i.id, i.number, i.total
HAVING SUM(c.amount) > i.total
ORDER BY i.tenant_id, i.id`)
	if err != nil {
		return nil, fmt.Errorf("creditnote: over-issue scan: %w", err)
	}
	defer rows.Close()
	var out []OverIssue
	for rows.Next() {
		var item OverIssue
		var total, issued pgtype.Numeric
		if err := rows.Scan(&item.TenantID, &item.InvoiceID, &item.Number, &total, &issued); err != nil {
			return nil, err
		}
		item.Total = db.Decimal(total)
		item.Issued = db.Decimal(issued)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txRepo) LockInvoice(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (Invoice, error) {
	var inv Invoice
	var total pgtype.Numeric
	err := t.tx.QueryRow(ctx, `SELECT id, tenant_id, number, total, status FROM sales_invoices
WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, invoiceID).
		Scan(&inv.ID, &inv.TenantID, &inv.Number, &total, &inv.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("creditnote: lock invoice: %w", err)
	}
	inv.Total = db.Decimal(total)
	return inv, nil
}

func (t *txRepo) SumActiveCredit(ctx context.Context, tenantID uuid.UUID, invoiceID int64) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_notes
WHERE tenant_id = $1 AND invoice_id = $2 AND status = 'active'`, tenantID, invoiceID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("creditnote: sum active: %w", err)
	}
	return db.Decimal(sum), nil
}

func (t *txRepo) NextNumber(ctx context.Context, tenantID uuid.UUID, at time.Time) (string, error) {
	period := at.UTC().Format("200601")
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO credit_note_sequences (tenant_id, period, last_value) VALUES ($1, $2, 1)
ON CONFLICT (tenant_id, period) DO UPDATE SET last_value = credit_note_sequences.last_value + 1
RETURNING last_value`, tenantID, period).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("creditnote: next number: %w", err)
	}
	return FormatNumber(at, seq), nil
}

func (t *txRepo) InsertCreditNote(ctx context.Context, note CreditNote) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO credit_notes (tenant_id, number, invoice_id, amount, base, vat, vat_rate, reason, status, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		note.TenantID, note.Number, note.InvoiceID,
		db.Numeric(note.Amount), db.Numeric(note.Base), db.Numeric(note.VAT), db.Numeric(note.VATRate),
		note.Reason, note.Status, nullableInt8(note.CreatedBy), note.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creditnote: insert: %w", err)
	}
	return id, nil
}

func (t *txRepo) LockCreditNote(ctx context.Context, tenantID uuid.UUID, id int64) (CreditNote, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+creditNoteColumns+` FROM credit_notes WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	return scanCreditNote(row)
}

func (t *txRepo) CancelCreditNote(ctx context.Context, note CreditNote) error {
	tag, err := t.tx.Exec(ctx, `UPDATE credit_notes SET status = $1, cancel_reason = $2, cancelled_by = $3, cancelled_at = $4
WHERE tenant_id = $5 AND id = $6 AND status = 'active'`,
		note.Status, note.CancelReason, nullableInt8(note.CancelledBy), note.CancelledAt, note.TenantID, note.ID)
	if err != nil {
		return fmt.Errorf("creditnote: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// FormatNumber renders the document number of the seq-th note in a month.
func FormatNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("CN-%s-%05d", at.UTC().Format("200601"), seq)
}

func scanCreditNote(row pgx.Row) (CreditNote, error) {
	var note CreditNote
	var amount, base, vat, rate pgtype.Numeric
	var createdBy, cancelledBy pgtype.Int8
	var cancelReason pgtype.Text
	var cancelledAt pgtype.Timestamptz
	err := row.Scan(&note.ID, &note.TenantID, &note.Number, &note.InvoiceID,
		&amount, &base, &vat, &rate, &note.Reason, &note.Status,
		&createdBy, &note.CreatedAt, &cancelReason, &cancelledBy, &cancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CreditNote{}, ErrNotFound
	}
	if err != nil {
		return CreditNote{}, fmt.Errorf("creditnote: scan: %w", err)
	}
	note.Amount = db.Decimal(amount)
	note.Base = db.Decimal(base)
	note.VAT = db.Decimal(vat)
	note.VATRate = db.Decimal(rate)
	note.CreatedBy = createdBy.Int64
	note.CancelledBy = cancelledBy.Int64
	note.CancelReason = cancelReason.String
	if cancelledAt.Valid {
		note.CancelledAt = &cancelledAt.Time
	}
	return note, nil
}

func nullableInt8(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: v > 0}
}
