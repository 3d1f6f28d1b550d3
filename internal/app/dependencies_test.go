package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/httpapi"
	"github.com/vladislavdragonenkov/reconciler/internal/provider/gatewayb"
	"github.com/vladislavdragonenkov/reconciler/internal/service/inventory"
)

const gatewayBSecret = "gw-b-webhook-secret"

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func newTestDependencies(t *testing.T, cfg Config) *Dependencies {
	t.Helper()
	deps, err := NewDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, deps.Close()) })
	return deps
}

func TestNewDependenciesMemory(t *testing.T) {
	deps := newTestDependencies(t, validConfig())

	assert.NotNil(t, deps.Repos.Orders)
	assert.NotNil(t, deps.Repos.Ledger)
	assert.NotNil(t, deps.Repos.Commissions)
	assert.NotNil(t, deps.Repos.Outbox)
	assert.NotNil(t, deps.Repos.Timeline)
	assert.Nil(t, deps.Repos.Store)
	assert.NotNil(t, deps.Engine)
	assert.NotNil(t, deps.Orders)
	assert.NotNil(t, deps.Verifier)
	assert.IsType(t, &inventory.MemoryStock{}, deps.Inventory)
	assert.Empty(t, deps.Providers.Enabled(), "providers without credentials stay disabled")

	rec := httptest.NewRecorder()
	deps.Health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Checks["outbox"].Status)
}

func TestNewDependenciesOutboxInventory(t *testing.T) {
	cfg := validConfig()
	cfg.InventoryMode = InventoryModeOutbox

	deps := newTestDependencies(t, cfg)
	assert.IsType(t, &inventory.OutboxAdjuster{}, deps.Inventory)
}

func TestNewDependenciesErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, wantErr: "postgres dsn is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.StorageDriver = "sqlite" }, wantErr: "unsupported storage driver"},
		{name: "missing jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }},
		{name: "bad coupon", mutate: func(c *Config) { c.Coupons = map[string]string{"BAD": "-5"} }, wantErr: "parse coupons"},
		{name: "redis unreachable", mutate: func(c *Config) { c.RedisAddr = "127.0.0.1:1" }, wantErr: "ping redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			deps, err := NewDependencies(context.Background(), cfg, testLogger())
			require.Error(t, err)
			assert.Nil(t, deps)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDependenciesCloseIsIdempotent(t *testing.T) {
	deps, err := NewDependencies(context.Background(), validConfig(), testLogger())
	require.NoError(t, err)
	require.NoError(t, deps.Close())
	require.NoError(t, deps.Close())

	var nilDeps *Dependencies
	assert.NoError(t, nilDeps.Close())
}

// fakeGatewayB принимает создание платежа и отвечает фиксированным идентификатором.
func fakeGatewayB(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gb-pay-42","status":"requires_action","checkout_url":"https://pay.example.com/gb-pay-42"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckoutAndWebhookThroughRouter(t *testing.T) {
	gateway := fakeGatewayB(t)
	cfg := validConfig()
	cfg.GatewayBBaseURL = gateway.URL
	cfg.GatewayBAPIKey = "key"
	cfg.GatewayBWebhookSecret = gatewayBSecret
	cfg.ProviderTimeout = 2 * time.Second

	deps := newTestDependencies(t, cfg)
	require.Equal(t, []domain.Provider{domain.ProviderRegionalGatewayB}, deps.Providers.Enabled())

	router := httpapi.NewRouter(httpapi.Deps{
		Webhooks:    deps.Engine,
		Orders:      deps.Orders,
		Commissions: deps.Commissions,
		Verifier:    deps.Verifier,
	}, testLogger())

	token, err := deps.Verifier.Issue(auth.Identity{Subject: "customer-7", Role: auth.RoleCustomer})
	require.NoError(t, err)

	checkout := []byte(`{"provider":"regional_gateway_b","currency":"EUR","items":[{"product_id":"sku-1","qty":2,"unit_price_minor":2500}],"shipping_minor":500}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", bytes.NewReader(checkout))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Data struct {
			Order struct {
				ID                string `json:"id"`
				ProviderReference string `json:"provider_reference"`
			} `json:"order"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	orderID := created.Data.Order.ID
	require.NotEmpty(t, orderID)
	assert.Equal(t, "gb-pay-42", created.Data.Order.ProviderReference)

	event, err := json.Marshal(map[string]any{
		"id":   "evt-1",
		"type": "payment.captured",
		"data": map[string]any{
			"payment_id":         "gb-pay-42",
			"merchant_reference": orderID,
			"amount":             5500,
			"currency":           "eur",
		},
	})
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/regional_gateway_b", bytes.NewReader(event))
		req.Header.Set(gatewayb.SignatureHeader, gatewayb.Sign(event, gatewayBSecret, time.Now()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Contains(t, first.Body.String(), `"outcome":"applied"`)

	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), `"outcome":"duplicate"`)

	order, err := deps.Repos.Orders.Get(orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)

	entry, err := deps.Repos.Commissions.GetByOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, orderID, entry.OrderID)

	stats, err := deps.Repos.Outbox.Stats()
	require.NoError(t, err)
	assert.Positive(t, stats.PendingCount, "events wait in outbox without kafka")
}
