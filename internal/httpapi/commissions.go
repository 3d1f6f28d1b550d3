package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
)

const (
	defaultDailyBuckets   = 30
	defaultMonthlyBuckets = 12
	defaultPageSize       = 50
)

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", orders.ErrInvalidRequest, key)
	}
	return n, nil
}

// timeQuery принимает RFC 3339 или дату YYYY-MM-DD.
func timeQuery(r *http.Request, key string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", orders.ErrInvalidRequest, key)
	}
	return t.UTC(), nil
}

func (h *handlers) commissionSummary(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	to, err := timeQuery(r, "to", now)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	from, err := timeQuery(r, "from", to.AddDate(0, 0, -30))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	summary, err := h.deps.Commissions.Summary(r.Context(), from, to)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (h *handlers) commissionDaily(w http.ResponseWriter, r *http.Request) {
	h.buckets(w, r, defaultDailyBuckets, h.deps.Commissions.Daily)
}

func (h *handlers) commissionMonthly(w http.ResponseWriter, r *http.Request) {
	h.buckets(w, r, defaultMonthlyBuckets, h.deps.Commissions.Monthly)
}

func (h *handlers) buckets(w http.ResponseWriter, r *http.Request, def int, load func(ctx context.Context, n int) ([]commission.Bucket, error)) {
	n, err := intQuery(r, "n", def)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	buckets, err := load(r.Context(), n)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, buckets)
}

func (h *handlers) commissionOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries, err := h.deps.Commissions.ByOrder(r.Context(), limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newCommissionViews(entries))
}

func (h *handlers) commissionPending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Commissions.Pending(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newCommissionViews(entries))
}

func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	entry, err := h.deps.Commissions.Settle(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newCommissionView(entry))
}

type rateBody struct {
	Role    string          `json:"role"`
	Percent decimal.Decimal `json:"percent"`
}

func (h *handlers) setRate(w http.ResponseWriter, r *http.Request) {
	var body rateBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if body.Role == "" {
		writeError(w, h.logger, &orders.ValidationError{Fields: map[string]string{"role": "is required"}})
		return
	}
	table, err := h.deps.Commissions.SetRate(body.Role, body.Percent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rates := make(map[string]string, len(table.Roles()))
	for _, role := range table.Roles() {
		rate, _ := table.Resolve(role)
		rates[role] = rate.String()
	}
	writeData(w, http.StatusOK, map[string]any{"rates": rates})
}
