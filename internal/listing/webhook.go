package listing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/marketescrow/internal/circuitbreaker"
	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/mbd888/marketescrow/internal/health"
	"github.com/mbd888/marketescrow/internal/idgen"
	"github.com/mbd888/marketescrow/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

// EventType names a listing change sent to the catalog service.
type EventType string

const (
	EventInEscrow  EventType = "listing.in_escrow"
	EventSold      EventType = "listing.sold"
	EventAvailable EventType = "listing.available"
)

// Headers set on every catalog request.
const (
	HeaderEvent     = "X-Marketescrow-Event"
	HeaderTimestamp = "X-Marketescrow-Timestamp"
	HeaderSignature = "X-Marketescrow-Signature"
)

// ErrQueueFull is returned when the delivery queue cannot take another event.
var ErrQueueFull = errors.New("listing webhook queue is full")

// Event is the JSON body POSTed to the catalog.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	ListingID string            `json:"listingId"`
	EscrowID  string            `json:"escrowId,omitempty"`
	Buyer     *escrow.BuyerInfo `json:"buyer,omitempty"`
}

var (
	webhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketescrow",
		Subsystem: "listing_webhook",
		Name:      "deliveries_total",
		Help:      "Catalog webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	webhookQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketescrow",
		Subsystem: "listing_webhook",
		Name:      "queue_depth",
		Help:      "Catalog events waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(webhookDeliveriesTotal, webhookQueueDepth)
}

// statusError is a non-2xx answer from the catalog.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("catalog returned status %d", e.code)
	}
	return fmt.Sprintf("catalog returned status %d: %s", e.code, e.body)
}

// retryable reports whether a later attempt could succeed.
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout
}

// WebhookConfig configures a WebhookCatalog.
type WebhookConfig struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	QueueSize int
	Retry     retry.Policy
	Breaker   *circuitbreaker.Breaker
	Client    *http.Client
}

// WebhookCatalog talks to an external listing catalog over HTTP.
//
// MarkInEscrow is synchronous because it gates escrow creation; a 409 from
// the catalog means the listing is taken. MarkSold and MarkAvailable are
// queued and delivered by the background worker started with Start, with
// retries and a circuit breaker keyed by the catalog host.
type WebhookCatalog struct {
	url     string
	host    string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger

	queue chan *Event
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewWebhookCatalog validates cfg and returns a catalog client. Call Start
// to begin delivering queued notifications.
func NewWebhookCatalog(cfg WebhookConfig, logger *slog.Logger) (*WebhookCatalog, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid listing webhook url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg.Breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("listing catalog circuit changed state",
			"endpoint", key,
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &WebhookCatalog{
		url:     cfg.URL,
		host:    u.Host,
		secret:  cfg.Secret,
		client:  cfg.Client,
		breaker: cfg.Breaker,
		policy:  cfg.Retry,
		logger:  logger,
		queue:   make(chan *Event, cfg.QueueSize),
		stop:    make(chan struct{}),
	}, nil
}

// MarkInEscrow asks the catalog to reserve the listing and waits for the answer.
func (c *WebhookCatalog) MarkInEscrow(ctx context.Context, listingID, escrowID string) error {
	event := newEvent(EventInEscrow, listingID)
	event.EscrowID = escrowID

	rejected, err := c.exchange(ctx, event)
	if err == nil {
		err = rejected
	}

	switch {
	case err == nil:
		webhookDeliveriesTotal.WithLabelValues(string(EventInEscrow), "ok").Inc()
		return nil
	case isStatus(err, http.StatusConflict):
		webhookDeliveriesTotal.WithLabelValues(string(EventInEscrow), "rejected").Inc()
		return escrow.ErrListingUnavailable
	default:
		webhookDeliveriesTotal.WithLabelValues(string(EventInEscrow), "failed").Inc()
		return fmt.Errorf("reserve listing %s: %w", listingID, err)
	}
}

// MarkSold queues a sold notification.
func (c *WebhookCatalog) MarkSold(ctx context.Context, listingID string, buyer escrow.BuyerInfo) error {
	event := newEvent(EventSold, listingID)
	event.EscrowID = buyer.TransactionID
	b := buyer
	event.Buyer = &b
	return c.enqueue(event)
}

// MarkAvailable queues an available notification.
func (c *WebhookCatalog) MarkAvailable(ctx context.Context, listingID string) error {
	return c.enqueue(newEvent(EventAvailable, listingID))
}

// Pending returns the number of queued notifications.
func (c *WebhookCatalog) Pending() int {
	return len(c.queue)
}

// Health reports the catalog as unhealthy while its circuit is open.
func (c *WebhookCatalog) Health(context.Context) health.Status {
	detail := fmt.Sprintf("%d queued", c.Pending())
	if st := c.breaker.State(c.host); st != circuitbreaker.StateClosed {
		return health.Status{Name: "listing_catalog", Healthy: st == circuitbreaker.StateHalfOpen, Detail: "circuit " + st.String() + ", " + detail}
	}
	return health.Status{Name: "listing_catalog", Healthy: true, Detail: detail}
}

// Start runs the delivery worker until ctx is cancelled or Stop is called.
func (c *WebhookCatalog) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				c.drain(ctx)
				return
			case event := <-c.queue:
				webhookQueueDepth.Set(float64(len(c.queue)))
				c.deliver(ctx, event)
			}
		}
	}()
}

// Stop delivers what is already queued, then stops the worker.
func (c *WebhookCatalog) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *WebhookCatalog) drain(ctx context.Context) {
	for {
		select {
		case event := <-c.queue:
			c.deliver(ctx, event)
		default:
			webhookQueueDepth.Set(0)
			return
		}
	}
}

func (c *WebhookCatalog) enqueue(event *Event) error {
	select {
	case c.queue <- event:
		webhookQueueDepth.Set(float64(len(c.queue)))
		return nil
	default:
		webhookDeliveriesTotal.WithLabelValues(string(event.Type), "dropped").Inc()
		return ErrQueueFull
	}
}

// deliver retries a queued event until it lands, the catalog rejects it
// outright, or the policy gives up.
func (c *WebhookCatalog) deliver(ctx context.Context, event *Event) {
	err := retry.Do(ctx, c.policy, func(attempt int) error {
		rejected, err := c.exchange(ctx, event)
		if rejected != nil {
			return retry.Permanent(rejected)
		}
		if err != nil && attempt > 1 {
			c.logger.Debug("listing webhook retry", "event_id", event.ID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		webhookDeliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		c.logger.Warn("listing webhook delivery failed",
			"event_id", event.ID,
			"event", event.Type,
			"listing_id", event.ListingID,
			"error", err,
		)
		return
	}
	webhookDeliveriesTotal.WithLabelValues(string(event.Type), "ok").Inc()
}

// exchange sends event through the breaker. A definite 4xx answer is
// returned as rejected and counts as healthy for the breaker.
func (c *WebhookCatalog) exchange(ctx context.Context, event *Event) (rejected, err error) {
	err = c.breaker.Execute(c.host, func() error {
		err := c.send(ctx, event)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			rejected = err
			return nil
		}
		return err
	})
	return rejected, err
}

func (c *WebhookCatalog) send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal listing event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build listing request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if c.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("listing webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(body))}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// X-Marketescrow-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

func newEvent(t EventType, listingID string) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now().UTC(),
		ListingID: listingID,
	}
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}

// Compile-time assertion.
var _ escrow.ListingCatalog = (*WebhookCatalog)(nil)
