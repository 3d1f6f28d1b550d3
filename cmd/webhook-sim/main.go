// Команда webhook-sim подписывает и отправляет webhook шлюза B, в том числе
// параллельные повторы одного события, и печатает сводку исходов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider/gatewayb"
)

const secretEnv = "RECON_GATEWAY_B_WEBHOOK_SECRET"

var eventTypes = map[string]struct{}{
	"payment.authorized":         {},
	"payment.captured":           {},
	"payment.failed":             {},
	"payment.refunded":           {},
	"payment.partially_refunded": {},
}

type config struct {
	baseURL     string
	secret      string
	orderID     string
	paymentID   string
	eventType   string
	amountMinor int64
	currency    string
	events      int
	duplicates  int
	concurrency int
	timeout     time.Duration
	outputPath  string
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("webhook-sim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "reconciler base URL")
	fs.StringVar(&cfg.secret, "secret", "", "gateway B webhook secret (fallback: "+secretEnv+")")
	fs.StringVar(&cfg.orderID, "order-id", "", "merchant reference (order id)")
	fs.StringVar(&cfg.paymentID, "payment-id", "", "gateway payment id")
	fs.StringVar(&cfg.eventType, "type", "payment.captured", "event type")
	fs.Int64Var(&cfg.amountMinor, "amount", 0, "amount in minor units")
	fs.StringVar(&cfg.currency, "currency", "EUR", "ISO currency")
	fs.IntVar(&cfg.events, "events", 1, "distinct events to send")
	fs.IntVar(&cfg.duplicates, "duplicates", 5, "deliveries per event")
	fs.IntVar(&cfg.concurrency, "concurrency", 8, "parallel deliveries")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "write JSON report to file")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.secret == "" {
		cfg.secret = getenv(secretEnv)
	}
	cfg.currency = strings.ToUpper(strings.TrimSpace(cfg.currency))

	switch {
	case cfg.baseURL == "":
		return config{}, errors.New("url is required")
	case cfg.secret == "":
		return config{}, fmt.Errorf("secret is required (-secret or %s)", secretEnv)
	case strings.TrimSpace(cfg.orderID) == "":
		return config{}, errors.New("order-id is required")
	case cfg.amountMinor <= 0:
		return config{}, errors.New("amount must be > 0")
	case cfg.events <= 0 || cfg.duplicates <= 0:
		return config{}, errors.New("events and duplicates must be > 0")
	case cfg.concurrency <= 0:
		return config{}, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	}
	if _, ok := eventTypes[cfg.eventType]; !ok {
		return config{}, fmt.Errorf("unsupported event type %q", cfg.eventType)
	}
	if cfg.paymentID == "" {
		cfg.paymentID = "sim-" + cfg.orderID
	}
	return cfg, nil
}

type eventData struct {
	PaymentID         string `json:"payment_id"`
	MerchantReference string `json:"merchant_reference"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

type event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

func buildEvent(cfg config, id string) ([]byte, error) {
	return json.Marshal(event{
		ID:   id,
		Type: cfg.eventType,
		Data: eventData{
			PaymentID:         cfg.paymentID,
			MerchantReference: cfg.orderID,
			Amount:            cfg.amountMinor,
			Currency:          cfg.currency,
		},
	})
}

type ackEnvelope struct {
	Data struct {
		Outcome string `json:"outcome"`
	} `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

// deliver отправляет одну подписанную доставку и возвращает код и исход.
func deliver(ctx context.Context, client *http.Client, url string, body []byte, signature string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gatewayb.SignatureHeader, signature)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var ack ackEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ack); err != nil {
		return resp.StatusCode, "", nil
	}
	if ack.Data.Outcome != "" {
		return resp.StatusCode, ack.Data.Outcome, nil
	}
	return resp.StatusCode, ack.Error.Code, nil
}

func simulate(ctx context.Context, cfg config, client *http.Client, newID func() string, now func() time.Time) report {
	url := cfg.baseURL + "/webhooks/" + string(domain.ProviderRegionalGatewayB)
	c := newCollector()
	started := time.Now()

	type job struct {
		body      []byte
		signature string
	}
	jobs := make(chan job)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
				begin := time.Now()
				status, outcome, err := deliver(reqCtx, client, url, j.body, j.signature)
				cancel()
				if err != nil {
					log.WithError(err).Debug("delivery failed")
				}
				c.record(status, outcome, time.Since(begin))
			}
		}()
	}

dispatch:
	for i := 0; i < cfg.events; i++ {
		body, err := buildEvent(cfg, "evt_"+newID())
		if err != nil {
			log.WithError(err).Error("build event")
			break
		}
		signature := gatewayb.Sign(body, cfg.secret, now())
		for d := 0; d < cfg.duplicates; d++ {
			select {
			case <-ctx.Done():
				break dispatch
			case jobs <- job{body: body, signature: signature}:
			}
		}
	}
	close(jobs)
	wg.Wait()

	return c.buildReport(started, time.Since(started), cfg.events)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := simulate(ctx, cfg, &http.Client{}, uuid.NewString, time.Now)
	encoded, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fail("encode report: %v", err)
	}
	if cfg.outputPath != "" {
		if err := os.WriteFile(cfg.outputPath, encoded, 0o644); err != nil {
			fail("write report: %v", err)
		}
	}
	fmt.Println(string(encoded))

	fields := log.Fields{"events": rep.Events, "deliveries": rep.Deliveries, "applied": rep.Applied(), "failed": rep.Failed}
	if rep.Failed > 0 || rep.Applied() > int64(rep.Events) {
		log.WithFields(fields).Warn("webhook simulation finished with anomalies")
		os.Exit(2)
	}
	log.WithFields(fields).Info("webhook simulation finished")
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
