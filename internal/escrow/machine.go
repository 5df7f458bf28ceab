package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Action is an operation that moves a transaction between statuses.
type Action string

const (
	ActionCreate             Action = "create"
	ActionConfirmPayment     Action = "confirm_payment"
	ActionDeliverGoods       Action = "deliver_goods"
	ActionConfirmReceipt     Action = "confirm_receipt"
	ActionRaiseDispute       Action = "raise_dispute"
	ActionReleaseFunds       Action = "release_funds"
	ActionResolveRefund      Action = "resolve_refund"
	ActionResolvePaySeller   Action = "resolve_pay_seller"
	ActionTimeoutCancel      Action = "timeout_cancel"
	ActionTimeoutAutoRelease Action = "timeout_auto_release"
)

// Notification is the listing catalog side effect a transition calls for.
type Notification int

const (
	NotifyNone Notification = iota
	NotifySold
	NotifyAvailable
)

func (n Notification) String() string {
	switch n {
	case NotifySold:
		return "mark_sold"
	case NotifyAvailable:
		return "mark_available"
	default:
		return "none"
	}
}

// DefaultPaymentWindow and DefaultConfirmationWindow are the business
// timeouts applied by the sweeper.
const (
	DefaultPaymentWindow      = 24 * time.Hour
	DefaultConfirmationWindow = 24 * time.Hour
)

// AutoReleaseSettlementPrefix marks settlement references written by the
// confirmation-timeout path instead of a custody agent.
const AutoReleaseSettlementPrefix = "auto-release:"

// systemNotePrefix tags timeline notes written by time-based transitions.
const systemNotePrefix = "[system] "

type rule struct {
	roles  []Role
	from   []Status
	to     Status
	notify Notification
	// noopOn is the terminal status in which repeating the action is a
	// harmless no-op rather than an error (at-least-once timeouts).
	noopOn Status
}

// transitions is the complete table of legal moves. Anything not listed is rejected.
var transitions = map[Action]rule{
	ActionConfirmPayment: {
		roles: []Role{RoleCustodyAgent},
		from:  []Status{StatusPendingPayment},
		to:    StatusPaymentReceived,
	},
	ActionDeliverGoods: {
		roles: []Role{RoleSeller},
		from:  []Status{StatusPaymentReceived},
		to:    StatusDelivered,
	},
	ActionConfirmReceipt: {
		roles: []Role{RoleBuyer},
		from:  []Status{StatusDelivered},
		to:    StatusBuyerConfirmed,
	},
	ActionRaiseDispute: {
		roles: []Role{RoleBuyer, RoleSeller},
		from:  []Status{StatusDelivered, StatusBuyerConfirmed},
		to:    StatusDisputed,
	},
	ActionReleaseFunds: {
		roles:  []Role{RoleCustodyAgent},
		from:   []Status{StatusBuyerConfirmed},
		to:     StatusCompleted,
		notify: NotifySold,
	},
	ActionResolveRefund: {
		roles:  []Role{RoleCustodyAgent},
		from:   []Status{StatusDisputed},
		to:     StatusRefunded,
		notify: NotifyAvailable,
	},
	ActionResolvePaySeller: {
		roles:  []Role{RoleCustodyAgent},
		from:   []Status{StatusDisputed},
		to:     StatusCompleted,
		notify: NotifySold,
	},
	ActionTimeoutCancel: {
		roles:  []Role{RoleSystem},
		from:   []Status{StatusPendingPayment},
		to:     StatusCancelled,
		notify: NotifyAvailable,
		noopOn: StatusCancelled,
	},
	ActionTimeoutAutoRelease: {
		roles:  []Role{RoleSystem},
		from:   []Status{StatusBuyerConfirmed},
		to:     StatusCompleted,
		notify: NotifySold,
		noopOn: StatusCompleted,
	},
}

// Command is one requested transition and its payload.
type Command struct {
	Action              Action
	Actor               Actor
	PaymentReference    string
	DeliveryPayload     string
	Confirmation        *Confirmation
	Reason              string
	SettlementReference string
	Note                string
}

// Outcome is the machine's decision for an accepted command.
type Outcome struct {
	Next   *Transaction
	Notify Notification
	// NoOp is set when an idempotent action found its work already done.
	// Next is then an unchanged copy and nothing should be written.
	NoOp bool
}

// Machine decides transitions. It performs no I/O and never mutates its
// inputs, so it can be re-run freely inside a retry loop.
type Machine struct {
	PaymentWindow      time.Duration
	ConfirmationWindow time.Duration
}

// NewMachine returns a machine with the given timeout windows; non-positive
// values fall back to the defaults.
func NewMachine(paymentWindow, confirmationWindow time.Duration) Machine {
	if paymentWindow <= 0 {
		paymentWindow = DefaultPaymentWindow
	}
	if confirmationWindow <= 0 {
		confirmationWindow = DefaultConfirmationWindow
	}
	return Machine{PaymentWindow: paymentWindow, ConfirmationWindow: confirmationWindow}
}

// Open builds a new transaction from a buyer's purchase request.
func (m Machine) Open(id, custodyAgent string, req CreateRequest, now time.Time) (*Transaction, error) {
	op := ActionCreate
	listingID := strings.TrimSpace(req.ListingID)
	buyer := NormalizeParty(req.Buyer)
	seller := NormalizeParty(req.Seller)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	switch {
	case listingID == "":
		return nil, missing(op, "", "listingId")
	case buyer == "":
		return nil, missing(op, "", "buyer")
	case seller == "":
		return nil, missing(op, "", "seller")
	case currency == "":
		return nil, missing(op, "", "currency")
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrInvalidRequest)
	}
	if buyer == NormalizeParty(custodyAgent) || seller == NormalizeParty(custodyAgent) {
		return nil, fmt.Errorf("%w: the custody agent cannot trade through its own escrow", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(currency) < 3 || len(currency) > 10 {
		return nil, fmt.Errorf("%w: currency code must be 3-10 characters", ErrInvalidRequest)
	}

	tx := &Transaction{
		ID:           id,
		ListingID:    listingID,
		SellerParty:  seller,
		BuyerParty:   buyer,
		CustodyAgent: NormalizeParty(custodyAgent),
		Price:        Money{Amount: req.Amount, Currency: currency},
		Version:      1,
	}

	price := tx.Price.String()
	if ref := strings.TrimSpace(req.PaymentReference); ref != "" {
		tx.PaymentReference = ref
		tx.Status = StatusPaymentReceived
		tx.Timeline = []TimelineEntry{{
			Status: StatusPaymentReceived,
			At:     now,
			Note:   fmt.Sprintf("escrow opened for listing %s at %s with verified payment %s", listingID, price, ref),
			Actor:  RoleBuyer,
		}}
		return tx, nil
	}

	tx.Status = StatusPendingPayment
	tx.Timeline = []TimelineEntry{{
		Status: StatusPendingPayment,
		At:     now,
		Note:   fmt.Sprintf("escrow opened for listing %s at %s; awaiting payment", listingID, price),
		Actor:  RoleBuyer,
	}}
	return tx, nil
}

// Apply decides whether cmd may run against tx at time now.
//
// Checks run in a fixed order: terminal (with idempotent no-ops for system
// timeouts), actor authorization, once-only fields, status legality, payload,
// and finally time eligibility for timeouts.
func (m Machine) Apply(tx *Transaction, cmd Command, now time.Time) (Outcome, error) {
	op := cmd.Action
	r, ok := transitions[op]
	if !ok {
		return Outcome{}, illegal(op, tx.Status, "unknown action %q", op)
	}

	if tx.IsTerminal() {
		if r.noopOn != "" && tx.Status == r.noopOn && cmd.Actor.Role == RoleSystem {
			return Outcome{Next: tx.Clone(), NoOp: true}, nil
		}
		return Outcome{}, terminal(op, tx.Status)
	}

	if err := authorize(op, tx, r, cmd.Actor); err != nil {
		return Outcome{}, err
	}

	// Once-only fields are checked ahead of status so a repeated call names
	// the real problem rather than a generic bad-state error.
	switch op {
	case ActionConfirmPayment:
		if tx.PaymentReference != "" {
			return Outcome{}, alreadySet(op, tx.Status, "paymentReference")
		}
	case ActionDeliverGoods:
		if tx.DeliveryPayload != "" {
			return Outcome{}, alreadySet(op, tx.Status, "deliveryPayload")
		}
	}

	if !containsStatus(r.from, tx.Status) {
		return Outcome{}, illegal(op, tx.Status, "%s is not allowed while transaction is %s", op, tx.Status)
	}

	if last := tx.UpdatedAt(); now.Before(last) {
		now = last
	}

	next := tx.Clone()
	var note string

	switch op {
	case ActionConfirmPayment:
		ref := strings.TrimSpace(cmd.PaymentReference)
		if ref == "" {
			return Outcome{}, missing(op, tx.Status, "paymentReference")
		}
		next.PaymentReference = ref
		note = fmt.Sprintf("payment %s confirmed by custody agent", ref)

	case ActionDeliverGoods:
		if strings.TrimSpace(cmd.DeliveryPayload) == "" {
			return Outcome{}, missing(op, tx.Status, "deliveryPayload")
		}
		next.DeliveryPayload = cmd.DeliveryPayload
		note = "seller delivered goods"

	case ActionConfirmReceipt:
		c := Confirmation{}
		if cmd.Confirmation != nil {
			c = *cmd.Confirmation
		}
		if c.Rating < 0 || c.Rating > 5 {
			return Outcome{}, fmt.Errorf("%w: rating must be 0-5 (0 = not rated)", ErrInvalidRequest)
		}
		next.Confirmation = &c
		note = "buyer confirmed receipt"
		if c.Rating > 0 {
			note += fmt.Sprintf(" (rated %d/5)", c.Rating)
		}

	case ActionRaiseDispute:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			return Outcome{}, missing(op, tx.Status, "reason")
		}
		next.Dispute = &DisputeRecord{
			Reason:        reason,
			RaisedBy:      cmd.Actor.Role,
			RaisedByParty: cmd.Actor.Party,
		}
		note = fmt.Sprintf("dispute raised by %s: %s", cmd.Actor.Role, reason)

	case ActionReleaseFunds, ActionResolveRefund, ActionResolvePaySeller:
		ref := strings.TrimSpace(cmd.SettlementReference)
		if ref == "" {
			return Outcome{}, missing(op, tx.Status, "settlementReference")
		}
		next.SettlementReference = ref
		switch op {
		case ActionReleaseFunds:
			note = fmt.Sprintf("funds released to seller by custody agent (settlement %s)", ref)
		case ActionResolveRefund:
			note = fmt.Sprintf("dispute resolved: refunded to buyer (settlement %s)", ref)
		default:
			note = fmt.Sprintf("dispute resolved: paid to seller (settlement %s)", ref)
		}
		if op != ActionReleaseFunds {
			if next.Dispute == nil {
				next.Dispute = &DisputeRecord{}
			}
			next.Dispute.ResolutionNote = strings.TrimSpace(cmd.Note)
			if next.Dispute.ResolutionNote != "" {
				note += ": " + next.Dispute.ResolutionNote
			}
		}

	case ActionTimeoutCancel:
		deadline := tx.CreatedAt().Add(m.PaymentWindow)
		if !now.After(deadline) {
			return Outcome{}, illegal(op, tx.Status, "payment window open until %s", deadline.UTC().Format(time.RFC3339))
		}
		note = systemNotePrefix + fmt.Sprintf("no payment within %s of creation; escrow cancelled", m.PaymentWindow)

	case ActionTimeoutAutoRelease:
		confirmedAt, _ := tx.EnteredAt(StatusBuyerConfirmed)
		deadline := confirmedAt.Add(m.ConfirmationWindow)
		if !now.After(deadline) {
			return Outcome{}, illegal(op, tx.Status, "confirmation window open until %s", deadline.UTC().Format(time.RFC3339))
		}
		next.SettlementReference = AutoReleaseSettlementPrefix + tx.ID
		note = systemNotePrefix + fmt.Sprintf("auto-released to seller: no dispute within %s of buyer confirmation", m.ConfirmationWindow)
	}

	next.Status = r.to
	next.Version = tx.Version + 1
	next.Timeline = append(next.Timeline, TimelineEntry{
		Status: r.to,
		At:     now,
		Note:   note,
		Actor:  cmd.Actor.Role,
	})

	return Outcome{Next: next, Notify: r.notify}, nil
}

// Due returns the time-based action that is eligible for tx at now, if any.
func (m Machine) Due(tx *Transaction, now time.Time) (Action, bool) {
	switch tx.Status {
	case StatusPendingPayment:
		if now.After(tx.CreatedAt().Add(m.PaymentWindow)) {
			return ActionTimeoutCancel, true
		}
	case StatusBuyerConfirmed:
		if at, ok := tx.EnteredAt(StatusBuyerConfirmed); ok && now.After(at.Add(m.ConfirmationWindow)) {
			return ActionTimeoutAutoRelease, true
		}
	}
	return "", false
}

// IsSystemRelease reports whether the transaction was completed by the
// confirmation-timeout path rather than by the custody agent.
func IsSystemRelease(tx *Transaction) bool {
	return tx.Status == StatusCompleted && strings.HasPrefix(tx.SettlementReference, AutoReleaseSettlementPrefix)
}

func authorize(op Action, tx *Transaction, r rule, actor Actor) error {
	if !containsRole(r.roles, actor.Role) {
		return illegal(op, tx.Status, "role %q may not %s", actor.Role, op)
	}
	var want string
	switch actor.Role {
	case RoleBuyer:
		want = tx.BuyerParty
	case RoleSeller:
		want = tx.SellerParty
	case RoleCustodyAgent:
		want = tx.CustodyAgent
	case RoleSystem:
		return nil
	}
	if NormalizeParty(actor.Party) != want {
		return illegal(op, tx.Status, "party %q is not the %s of this transaction", actor.Party, actor.Role)
	}
	return nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsRole(list []Role, r Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
