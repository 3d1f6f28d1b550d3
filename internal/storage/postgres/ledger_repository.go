package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт PostgreSQL-реализацию LedgerRepository.
// Уникальность (provider, event_id) обеспечивает первичный ключ ledger_events.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB()}
}

func (r *ledgerRepository) TryApply(provider domain.Provider, eventID string, kind domain.PaymentEventKind, receivedAt time.Time) (domain.LedgerRecord, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.LedgerRecord{}, domain.ErrEventIDRequired
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_events (provider, event_id, event_kind, received_at, outcome)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, string(provider), eventID, string(kind), receivedAt.UTC(), string(domain.LedgerOutcomeAccepted))
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("insert ledger event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := r.get(ctx, provider, eventID)
		if err != nil {
			return domain.LedgerRecord{}, err
		}
		return existing, domain.ErrAlreadyApplied
	}

	return domain.LedgerRecord{
		Provider:   provider,
		EventID:    eventID,
		EventKind:  kind,
		ReceivedAt: receivedAt.UTC(),
		Outcome:    domain.LedgerOutcomeAccepted,
	}, nil
}

func (r *ledgerRepository) RecordOutcome(provider domain.Provider, eventID string, outcome domain.LedgerOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_events
		SET order_id = $3,
		    outcome = $4,
		    resulting_order_status = $5,
		    resulting_payment_status = $6,
		    detail = $7,
		    applied_at = $8
		WHERE provider = $1
		  AND event_id = $2
		  AND outcome = $9
	`,
		string(provider), eventID,
		outcome.OrderID,
		string(outcome.Outcome),
		string(outcome.ResultingOrderStatus),
		string(outcome.ResultingPaymentStatus),
		outcome.Detail,
		time.Now().UTC(),
		string(domain.LedgerOutcomeAccepted),
	)
	if err != nil {
		return fmt.Errorf("record ledger outcome: %w", err)
	}

	return r.explainMiss(ctx, res, provider, eventID)
}

func (r *ledgerRepository) Get(provider domain.Provider, eventID string) (domain.LedgerRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.get(ctx, provider, eventID)
}

// Release удаляет запись, пока у неё нет итога, чтобы провайдер мог повторить доставку.
func (r *ledgerRepository) Release(provider domain.Provider, eventID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ledger_events
		WHERE provider = $1
		  AND event_id = $2
		  AND outcome = $3
	`, string(provider), eventID, string(domain.LedgerOutcomeAccepted))
	if err != nil {
		return fmt.Errorf("release ledger event: %w", err)
	}

	return r.explainMiss(ctx, res, provider, eventID)
}

// explainMiss превращает 0 затронутых строк в доменную ошибку.
func (r *ledgerRepository) explainMiss(ctx context.Context, res sql.Result, provider domain.Provider, eventID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := r.get(ctx, provider, eventID); err != nil {
		return err
	}
	return domain.ErrLedgerOutcomeRecorded
}

func (r *ledgerRepository) get(ctx context.Context, provider domain.Provider, eventID string) (domain.LedgerRecord, error) {
	var (
		record                      domain.LedgerRecord
		providerName, kind, outcome string
		orderStatus, paymentStatus  string
		appliedAt                   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT provider, event_id, event_kind, received_at, applied_at,
		       order_id, outcome, resulting_order_status, resulting_payment_status, detail
		FROM ledger_events
		WHERE provider = $1 AND event_id = $2
	`, string(provider), eventID).Scan(
		&providerName, &record.EventID, &kind, &record.ReceivedAt, &appliedAt,
		&record.OrderID, &outcome, &orderStatus, &paymentStatus, &record.Detail,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerRecord{}, domain.ErrLedgerRecordNotFound
		}
		return domain.LedgerRecord{}, fmt.Errorf("select ledger event: %w", err)
	}

	record.Provider = domain.Provider(providerName)
	record.EventKind = domain.PaymentEventKind(kind)
	record.Outcome = domain.LedgerOutcomeType(outcome)
	record.ResultingOrderStatus = domain.OrderStatus(orderStatus)
	record.ResultingPaymentStatus = domain.PaymentStatus(paymentStatus)
	record.ReceivedAt = record.ReceivedAt.UTC()
	if appliedAt.Valid {
		record.AppliedAt = appliedAt.Time.UTC()
	}

	return record, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
