package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	predicates := map[string]func(error) bool{
		"version_conflict":   IsVersionConflict,
		"illegal_transition": IsIllegalTransition,
		"already_applied":    IsAlreadyApplied,
	}

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "bare conflict", err: ErrOrderVersionConflict, want: "version_conflict"},
		{name: "joined conflict", err: errors.Join(ErrOrderVersionConflict, errors.New("order o-1 v3")), want: "version_conflict"},
		{name: "wrapped transition", err: fmt.Errorf("%w: refunded event on order o-1", ErrIllegalTransition), want: "illegal_transition"},
		{name: "wrapped duplicate", err: fmt.Errorf("ledger: %w", ErrAlreadyApplied), want: "already_applied"},
		{name: "unknown kind", err: ErrUnknownEventKind},
		{name: "not found", err: ErrOrderNotFound},
		{name: "nil", err: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for name, match := range predicates {
				assert.Equal(t, name == tc.want, match(tc.err), "predicate %s", name)
			}
		})
	}
}

func TestSentinelMessagesAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrOrderIDRequired, ErrCustomerRequired, ErrCurrencyRequired, ErrItemsRequired,
		ErrItemQtyInvalid, ErrItemPriceInvalid, ErrLineTotalMismatch, ErrSubtotalMismatch,
		ErrDiscountInvalid, ErrSurchargeNegative, ErrRefundExceedsCapture,
		ErrOrderNotFound, ErrOrderAlreadyExists, ErrOrderVersionConflict,
		ErrIllegalTransition, ErrUnknownEventKind,
		ErrAlreadyApplied, ErrLedgerRecordNotFound, ErrLedgerOutcomeRecorded, ErrEventIDRequired,
		ErrCommissionNotFound, ErrCommissionSettled,
		ErrInventoryUnavailable, ErrCouponInvalid, ErrOutboxPublish,
	}

	seen := make(map[string]bool, len(sentinels))
	for _, err := range sentinels {
		msg := err.Error()
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "duplicate sentinel message %q", msg)
		seen[msg] = true
	}
}
