package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/marketescrow/internal/idgen"
	"github.com/mbd888/marketescrow/internal/logging"
	"github.com/mbd888/marketescrow/internal/metrics"
	"github.com/mbd888/marketescrow/internal/pagination"
	"github.com/mbd888/marketescrow/internal/retry"
	"github.com/mbd888/marketescrow/internal/traces"
)

// ListingCatalog is the slice of the listing service the escrow engine
// depends on. MarkInEscrow gates creation; the other two are notified after
// a terminal transition has been committed and never roll it back.
type ListingCatalog interface {
	MarkInEscrow(ctx context.Context, listingID, escrowID string) error
	MarkSold(ctx context.Context, listingID string, buyer BuyerInfo) error
	MarkAvailable(ctx context.Context, listingID string) error
}

// BuyerInfo tells the catalog who bought a listing and how it was settled.
type BuyerInfo struct {
	Party               string `json:"party"`
	TransactionID       string `json:"transactionId"`
	SettlementReference string `json:"settlementReference"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service implements escrow business logic.
type Service struct {
	store        Store
	listings     ListingCatalog
	machine      Machine
	custodyAgent string
	now          func() time.Time
	retry        retry.Policy
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, e.g. with a simulated one in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRetryPolicy sets how version conflicts are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retry = p }
}

// WithWindows sets the payment and confirmation timeouts.
func WithWindows(payment, confirmation time.Duration) Option {
	return func(s *Service) { s.machine = NewMachine(payment, confirmation) }
}

// NewService creates a new escrow service. listings may be nil, in which
// case creation is not gated and nothing is notified.
func NewService(store Store, listings ListingCatalog, custodyAgent string, opts ...Option) *Service {
	s := &Service{
		store:        store,
		listings:     listings,
		machine:      NewMachine(DefaultPaymentWindow, DefaultConfirmationWindow),
		custodyAgent: NormalizeParty(custodyAgent),
		now:          time.Now,
		retry:        retry.DefaultPolicy,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CustodyAgent returns the party id of this deployment's custody agent.
func (s *Service) CustodyAgent() string {
	return s.custodyAgent
}

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Create opens an escrow for a listing. The listing is reserved with the
// catalog before the record is written; if the write fails the reservation
// is released again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.ListingID(req.ListingID))
	defer func() {
		traces.End(span, err)
		metrics.EscrowTransitionsTotal.WithLabelValues(string(ActionCreate), resultLabel(err, false)).Inc()
	}()

	tx, err := s.machine.Open(idgen.Transaction(), s.custodyAgent, req, s.now().UTC())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(tx.ID))
	ctx = logging.WithTransaction(ctx, tx.ID)

	if s.listings != nil {
		if err := s.listings.MarkInEscrow(ctx, tx.ListingID, tx.ID); err != nil {
			if errors.Is(err, ErrListingUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("reserve listing %s: %w", tx.ListingID, err)
		}
	}

	if err := s.store.Create(ctx, tx); err != nil {
		if s.listings != nil {
			// Best-effort release if the store fails
			if relErr := s.listings.MarkAvailable(context.WithoutCancel(ctx), tx.ListingID); relErr != nil {
				metrics.ListingNotificationFailuresTotal.WithLabelValues(NotifyAvailable.String()).Inc()
				s.log(ctx).Warn("failed to release listing after store error",
					"listing_id", tx.ListingID, "error", relErr)
			}
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	s.log(ctx).Info("escrow created",
		"listing_id", tx.ListingID,
		"buyer", tx.BuyerParty,
		"seller", tx.SellerParty,
		"price", tx.Price.String(),
		"status", tx.Status,
	)
	return tx, nil
}

// ConfirmPayment records the verified payment reference. Custody agent only.
func (s *Service) ConfirmPayment(ctx context.Context, id string, actor Actor, paymentReference string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionConfirmPayment, Actor: actor, PaymentReference: paymentReference})
}

// DeliverGoods records the seller's delivery payload.
func (s *Service) DeliverGoods(ctx context.Context, id string, actor Actor, deliveryPayload string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionDeliverGoods, Actor: actor, DeliveryPayload: deliveryPayload})
}

// ConfirmReceipt records the buyer's acknowledgment. confirmation may be nil.
func (s *Service) ConfirmReceipt(ctx context.Context, id string, actor Actor, confirmation *Confirmation) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionConfirmReceipt, Actor: actor, Confirmation: confirmation})
}

// RaiseDispute freezes the escrow until the custody agent resolves it.
func (s *Service) RaiseDispute(ctx context.Context, id string, actor Actor, reason string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionRaiseDispute, Actor: actor, Reason: reason})
}

// ReleaseFunds pays the seller after buyer confirmation.
func (s *Service) ReleaseFunds(ctx context.Context, id string, actor Actor, settlementReference string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionReleaseFunds, Actor: actor, SettlementReference: settlementReference})
}

// ResolveDispute settles a disputed escrow as a refund or a payout.
func (s *Service) ResolveDispute(ctx context.Context, id string, actor Actor, req ResolveRequest) (*Transaction, error) {
	action := ActionResolvePaySeller
	if req.Refund {
		action = ActionResolveRefund
	}
	return s.execute(ctx, id, Command{
		Action:              action,
		Actor:               actor,
		SettlementReference: req.SettlementReference,
		Note:                req.Note,
	})
}

// TimeoutCancel cancels an escrow whose payment never arrived. Calling it
// again on a cancelled escrow is a no-op.
func (s *Service) TimeoutCancel(ctx context.Context, id string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionTimeoutCancel, Actor: SystemActor})
}

// TimeoutAutoRelease completes an escrow the buyer confirmed but nobody
// released. Calling it again on a completed escrow is a no-op.
func (s *Service) TimeoutAutoRelease(ctx context.Context, id string) (*Transaction, error) {
	return s.execute(ctx, id, Command{Action: ActionTimeoutAutoRelease, Actor: SystemActor})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// Page is one page of a party's escrows.
type Page struct {
	Escrows    []*Transaction `json:"escrows"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// ListByParty returns escrows where party is buyer or seller, newest first.
// cursor is the NextCursor of a previous page, or empty for the first page.
func (s *Service) ListByParty(ctx context.Context, party string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	txs, err := s.store.ListByParty(ctx, NormalizeParty(party), limit+1, after)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt(), tx.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &Page{Escrows: txs, NextCursor: next, HasMore: more}, nil
}

// GetStats aggregates every stored escrow. Nothing is cached.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	txs, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow stats: %w", err)
	}
	stats := Aggregate(txs)
	return &stats, nil
}

// execute runs load → decide → compare-and-swap, retrying the whole cycle
// when another writer commits first.
func (s *Service) execute(ctx context.Context, id string, cmd Command) (*Transaction, error) {
	tx, _, err := s.run(ctx, id, cmd)
	return tx, err
}

// runTimeout applies a time-based action for the sweeper. applied is false
// when the escrow was already in the action's target state.
func (s *Service) runTimeout(ctx context.Context, id string, action Action) (tx *Transaction, applied bool, err error) {
	tx, noop, err := s.run(ctx, id, Command{Action: action, Actor: SystemActor})
	return tx, err == nil && !noop, err
}

func (s *Service) run(ctx context.Context, id string, cmd Command) (_ *Transaction, noop bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(cmd.Action),
		traces.TransactionID(id),
		traces.Action(string(cmd.Action)),
		traces.Role(string(cmd.Actor.Role)),
	)
	ctx = logging.WithTransaction(ctx, id)

	var out Outcome
	defer func() {
		traces.End(span, err)
		metrics.EscrowTransitionsTotal.WithLabelValues(string(cmd.Action), resultLabel(err, out.NoOp)).Inc()
	}()

	err = retry.Do(ctx, s.retry, func(attempt int) error {
		span.SetAttributes(traces.Attempt(attempt))

		tx, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		o, err := s.machine.Apply(tx, cmd, s.now().UTC())
		if err != nil {
			return retry.Permanent(err)
		}
		if o.NoOp {
			out = o
			return nil
		}
		if err := s.store.CompareAndSwap(ctx, tx.Version, o.Next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.EscrowVersionConflictsTotal.WithLabelValues(string(cmd.Action)).Inc()
				return err
			}
			return retry.Permanent(err)
		}
		out = o
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = contention(cmd.Action, id, exhausted.Attempts)
			s.log(ctx).Warn("escrow write gave up under contention", "action", cmd.Action, "attempts", exhausted.Attempts)
		}
		return nil, false, err
	}

	tx := out.Next
	if out.NoOp {
		s.log(ctx).Debug("escrow action already applied", "action", cmd.Action, "status", tx.Status)
		return tx, true, nil
	}

	s.log(ctx).Info("escrow transition",
		"action", cmd.Action,
		"role", cmd.Actor.Role,
		"status", tx.Status,
		"version", tx.Version,
	)
	if tx.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(tx.Status)).Observe(tx.UpdatedAt().Sub(tx.CreatedAt()).Seconds())
	}
	s.notify(ctx, tx, out.Notify)
	return tx, false, nil
}

// notify tells the listing catalog about a committed terminal transition.
// Failures are logged and counted; the escrow state stands.
func (s *Service) notify(ctx context.Context, tx *Transaction, n Notification) {
	if s.listings == nil || n == NotifyNone {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	switch n {
	case NotifySold:
		err = s.listings.MarkSold(ctx, tx.ListingID, BuyerInfo{
			Party:               tx.BuyerParty,
			TransactionID:       tx.ID,
			SettlementReference: tx.SettlementReference,
		})
	case NotifyAvailable:
		err = s.listings.MarkAvailable(ctx, tx.ListingID)
	}
	if err != nil {
		metrics.ListingNotificationFailuresTotal.WithLabelValues(n.String()).Inc()
		s.log(ctx).Warn("listing notification failed",
			"notification", n.String(),
			"listing_id", tx.ListingID,
			"error", err,
		)
	}
}

// due reports the time-based action eligible for tx on the service clock.
func (s *Service) due(tx *Transaction) (Action, bool) {
	return s.machine.Due(tx, s.now().UTC())
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.L(logging.WithLogger(ctx, s.logger))
}

func resultLabel(err error, noop bool) string {
	switch {
	case err == nil && noop:
		return "noop"
	case err == nil:
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	switch {
	case errors.Is(err, ErrListingUnavailable):
		return "listing_unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

