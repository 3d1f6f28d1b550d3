package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

const commissionColumns = `
	order_id, currency, order_total_minor, rate_percent, amount_minor,
	beneficiary_role, status, accrued_at, settled_at`

type commissionRepository struct {
	db *sql.DB
}

// NewCommissionRepository создаёт PostgreSQL-реализацию CommissionRepository.
func NewCommissionRepository(store *Store) domain.CommissionRepository {
	return &commissionRepository{db: store.DB()}
}

// Insert создаёт запись один раз на заказ; при повторе возвращает существующую.
func (r *commissionRepository) Insert(entry domain.CommissionEntry) (domain.CommissionEntry, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if entry.Status == "" {
		entry.Status = domain.CommissionStatusPending
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO commission_entries (`+commissionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO NOTHING
	`,
		entry.OrderID, entry.Currency, entry.OrderTotalMinor, entry.RatePercent, entry.AmountMinor,
		entry.BeneficiaryRole, string(entry.Status), entry.AccruedAt.UTC(), entry.SettledAt,
	)
	if err != nil {
		return domain.CommissionEntry{}, false, fmt.Errorf("insert commission entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.CommissionEntry{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := r.getByOrder(ctx, r.db, entry.OrderID, false)
		return existing, false, err
	}

	return entry, true, nil
}

func (r *commissionRepository) GetByOrder(orderID string) (domain.CommissionEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getByOrder(ctx, r.db, orderID, false)
}

func (r *commissionRepository) ListAccruedBetween(from, to time.Time) ([]domain.CommissionEntry, error) {
	return r.list(`
		SELECT `+commissionColumns+`
		FROM commission_entries
		WHERE accrued_at >= $1 AND accrued_at < $2
		ORDER BY accrued_at DESC, order_id DESC
	`, from.UTC(), to.UTC())
}

func (r *commissionRepository) List(limit, offset int) ([]domain.CommissionEntry, error) {
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + commissionColumns + `
		FROM commission_entries
		ORDER BY accrued_at DESC, order_id DESC
	`
	if limit > 0 {
		return r.list(query+" LIMIT $1 OFFSET $2", limit, offset)
	}
	return r.list(query+" OFFSET $1", offset)
}

func (r *commissionRepository) ListByStatus(status domain.CommissionStatus) ([]domain.CommissionEntry, error) {
	return r.list(`
		SELECT `+commissionColumns+`
		FROM commission_entries
		WHERE status = $1
		ORDER BY accrued_at DESC, order_id DESC
	`, string(status))
}

func (r *commissionRepository) MarkSettled(orderID string, at time.Time) (domain.CommissionEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommissionEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := r.getByOrder(ctx, tx, orderID, true)
	if err != nil {
		return domain.CommissionEntry{}, err
	}
	if entry.Status == domain.CommissionStatusSettled {
		return entry, domain.ErrCommissionSettled
	}

	settledAt := at.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE commission_entries
		SET status = $2, settled_at = $3
		WHERE order_id = $1
	`, orderID, string(domain.CommissionStatusSettled), settledAt); err != nil {
		return domain.CommissionEntry{}, fmt.Errorf("settle commission entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CommissionEntry{}, fmt.Errorf("commit settle commission: %w", err)
	}

	entry.Status = domain.CommissionStatusSettled
	entry.SettledAt = &settledAt
	return entry, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *commissionRepository) getByOrder(ctx context.Context, q queryRower, orderID string, forUpdate bool) (domain.CommissionEntry, error) {
	query := `SELECT ` + commissionColumns + ` FROM commission_entries WHERE order_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	entry, err := scanCommission(q.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CommissionEntry{}, domain.ErrCommissionNotFound
		}
		return domain.CommissionEntry{}, fmt.Errorf("select commission entry: %w", err)
	}
	return entry, nil
}

func (r *commissionRepository) list(query string, args ...any) ([]domain.CommissionEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commission entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.CommissionEntry, 0)
	for rows.Next() {
		entry, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commission entries: %w", err)
	}

	return entries, nil
}

func scanCommission(row rowScanner) (domain.CommissionEntry, error) {
	var (
		entry     domain.CommissionEntry
		status    string
		settledAt sql.NullTime
	)
	if err := row.Scan(
		&entry.OrderID, &entry.Currency, &entry.OrderTotalMinor, &entry.RatePercent, &entry.AmountMinor,
		&entry.BeneficiaryRole, &status, &entry.AccruedAt, &settledAt,
	); err != nil {
		return domain.CommissionEntry{}, err
	}

	entry.Status = domain.CommissionStatus(status)
	entry.AccruedAt = entry.AccruedAt.UTC()
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		entry.SettledAt = &at
	}
	return entry, nil
}

var _ domain.CommissionRepository = (*commissionRepository)(nil)
