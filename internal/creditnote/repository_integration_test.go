//go:build integration

package creditnote

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
	"github.com/odyssey-erp/odyssey-credit/migrations"
)

// Run with: ODYSSEY_TEST_PG_DSN=postgres://... go test -tags integration ./internal/creditnote/
func TestRepositoryParallelIssueAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("ODYSSEY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ODYSSEY_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.New(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = migrations.Up(ctx, pool)
	require.NoError(t, err)

	tenant := uuid.New()
	var invoiceID int64
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO sales_invoices (tenant_id, number, total, status) VALUES ($1, $2, 1000, 'due') RETURNING id`,
		tenant, "INV-"+tenant.String()[:8]).Scan(&invoiceID))

	svc := NewService(NewRepository(pool), nil, shared.NewAuditLogger(pool), shared.NewIdempotencyStore(pool),
		ServiceConfig{Policy: DefaultCancellationPolicy(), Logger: discardLogger()})

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Issue(ctx, IssueInput{
				TenantID: tenant, InvoiceID: invoiceID, Amount: amt("600"), Reason: "returned goods",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrentOverIssue), errors.Is(err, ErrExceedsAvailableBalance):
			rejected++
		default:
			t.Fatalf("unexpected issue error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, rejected)

	balance, err := svc.Balance(ctx, tenant, invoiceID)
	require.NoError(t, err)
	require.True(t, balance.Issued.Equal(amt("600")), "issued %s", balance.Issued)
	require.True(t, balance.Available.Equal(amt("400")), "available %s", balance.Available)

	var active int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_notes WHERE tenant_id = $1 AND invoice_id = $2 AND status = 'active'`,
		tenant, invoiceID).Scan(&active))
	require.Equal(t, 1, active)
}
