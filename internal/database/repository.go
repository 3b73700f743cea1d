package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// InsertCostRecord stores a completed request's cost record.
func (db *DB) InsertCostRecord(ctx context.Context, rec *models.CostRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO cost_records (
			id, tenant_id, provider_id, tier, input_tokens, output_tokens,
			cost_usd, latency_ms, cached, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.TenantID, rec.ProviderID, rec.Tier, rec.InputTokens,
		rec.OutputTokens, rec.CostUSD, rec.LatencyMs, rec.Cached, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting cost record: %w", err)
	}
	return nil
}

// RecentCostRecords returns the most recent N cost records, optionally
// filtered by tenant.
func (db *DB) RecentCostRecords(ctx context.Context, tenantID string, limit int) ([]models.CostRecord, error) {
	query := `
		SELECT id, tenant_id, provider_id, tier, input_tokens, output_tokens,
		       cost_usd, latency_ms, cached, created_at
		FROM cost_records`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, tenantID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cost records: %w", err)
	}
	defer rows.Close()

	var results []models.CostRecord
	for rows.Next() {
		var r models.CostRecord
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.ProviderID, &r.Tier, &r.InputTokens,
			&r.OutputTokens, &r.CostUSD, &r.LatencyMs, &r.Cached, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning cost record: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// TenantSpendSince returns a tenant's summed spend for records created at
// or after the given time. Used to rehydrate in-memory windows on startup.
func (db *DB) TenantSpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var spend float64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("querying tenant spend: %w", err)
	}
	return spend, nil
}

// UpsertTenantBudget creates or updates a tenant's budget limits.
func (db *DB) UpsertTenantBudget(ctx context.Context, tenantID string, dailyUSD, monthlyUSD float64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO tenant_budgets (tenant_id, daily_limit_usd, monthly_limit_usd)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET daily_limit_usd = EXCLUDED.daily_limit_usd,
		    monthly_limit_usd = EXCLUDED.monthly_limit_usd,
		    updated_at = NOW()
	`, tenantID, dailyUSD, monthlyUSD)
	if err != nil {
		return fmt.Errorf("upserting tenant budget: %w", err)
	}
	return nil
}

// TenantBudgetRow is a stored budget limit pair.
type TenantBudgetRow struct {
	TenantID        string  `json:"tenant_id"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
}

// ListTenantBudgets returns all stored tenant budgets.
func (db *DB) ListTenantBudgets(ctx context.Context) ([]TenantBudgetRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT tenant_id, daily_limit_usd, monthly_limit_usd
		FROM tenant_budgets ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenant budgets: %w", err)
	}
	defer rows.Close()

	var results []TenantBudgetRow
	for rows.Next() {
		var b TenantBudgetRow
		if err := rows.Scan(&b.TenantID, &b.DailyLimitUSD, &b.MonthlyLimitUSD); err != nil {
			return nil, fmt.Errorf("scanning tenant budget: %w", err)
		}
		results = append(results, b)
	}
	return results, rows.Err()
}
