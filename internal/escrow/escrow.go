// Package escrow runs the marketplace escrow lifecycle.
//
// Flow:
//  1. Buyer opens an escrow for a listing → PENDING_PAYMENT (or PAYMENT_RECEIVED
//     when a verified payment reference is supplied up front)
//  2. Custody agent confirms payment → PAYMENT_RECEIVED
//  3. Seller delivers → DELIVERED
//  4. Buyer confirms receipt → BUYER_CONFIRMED
//  5. Custody agent releases funds → COMPLETED
//
// Either party may dispute after delivery; the custody agent resolves with a
// refund (REFUNDED) or a payout (COMPLETED). Unpaid escrows are cancelled and
// confirmed ones auto-released by the Sweeper once their window lapses.
package escrow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusPendingPayment  Status = "PENDING_PAYMENT"
	StatusPaymentReceived Status = "PAYMENT_RECEIVED"
	StatusDelivered       Status = "DELIVERED"
	StatusBuyerConfirmed  Status = "BUYER_CONFIRMED"
	StatusDisputed        Status = "DISPUTED"
	StatusCompleted       Status = "COMPLETED"
	StatusRefunded        Status = "REFUNDED"
	StatusCancelled       Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingPayment,
	StatusPaymentReceived,
	StatusDelivered,
	StatusBuyerConfirmed,
	StatusDisputed,
	StatusCompleted,
	StatusRefunded,
	StatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsFunded reports whether funds are held in trust in this status.
func (s Status) IsFunded() bool {
	switch s {
	case StatusPaymentReceived, StatusDelivered, StatusBuyerConfirmed, StatusDisputed:
		return true
	}
	return false
}

// Role identifies which side of the protocol an actor is on.
type Role string

const (
	RoleBuyer        Role = "buyer"
	RoleSeller       Role = "seller"
	RoleCustodyAgent Role = "custody_agent"
	RoleSystem       Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleCustodyAgent, RoleSystem:
		return true
	}
	return false
}

// Actor is the caller of an escrow operation.
type Actor struct {
	Role  Role   `json:"role"`
	Party string `json:"party"`
}

// Buyer, Seller and CustodyAgent build actors with normalised party ids.
func Buyer(party string) Actor        { return Actor{Role: RoleBuyer, Party: NormalizeParty(party)} }
func Seller(party string) Actor       { return Actor{Role: RoleSeller, Party: NormalizeParty(party)} }
func CustodyAgent(party string) Actor { return Actor{Role: RoleCustodyAgent, Party: NormalizeParty(party)} }

// SystemActor is the actor behind time-based transitions.
var SystemActor = Actor{Role: RoleSystem, Party: "sweeper"}

// NormalizeParty canonicalises an opaque party handle. Wallet addresses are
// case-insensitive, so everything is lower-cased.
func NormalizeParty(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Money is a decimal amount in a currency unit.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// String renders the amount and currency, e.g. "12.5 USDC".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

// TimelineEntry is one immutable line of the audit trail.
type TimelineEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note"`
	Actor  Role      `json:"actor"`
}

// Confirmation is the buyer's acknowledgment of receipt.
type Confirmation struct {
	Rating   int    `json:"rating,omitempty"` // 0-5 (0 = not rated)
	Feedback string `json:"feedback,omitempty"`
}

// DisputeRecord survives resolution so the audit trail shows who objected and why.
type DisputeRecord struct {
	Reason         string `json:"reason"`
	RaisedBy       Role   `json:"raisedBy"`
	RaisedByParty  string `json:"raisedByParty"`
	ResolutionNote string `json:"resolutionNote,omitempty"`
}

// Transaction is the escrow aggregate root.
type Transaction struct {
	ID                  string          `json:"id"`
	Status              Status          `json:"status"`
	ListingID           string          `json:"listingId"`
	SellerParty         string          `json:"sellerParty"`
	BuyerParty          string          `json:"buyerParty"`
	CustodyAgent        string          `json:"custodyAgent"`
	Price               Money           `json:"price"`
	PaymentReference    string          `json:"paymentReference,omitempty"`
	DeliveryPayload     string          `json:"deliveryPayload,omitempty"`
	Confirmation        *Confirmation   `json:"confirmation,omitempty"`
	Dispute             *DisputeRecord  `json:"dispute,omitempty"`
	SettlementReference string          `json:"settlementReference,omitempty"`
	Timeline            []TimelineEntry `json:"timeline"`
	Version             int64           `json:"version"`
}

// IsTerminal returns true if the escrow is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// CreatedAt is the timestamp of the creation entry.
func (t *Transaction) CreatedAt() time.Time {
	if len(t.Timeline) == 0 {
		return time.Time{}
	}
	return t.Timeline[0].At
}

// UpdatedAt is the timestamp of the latest timeline entry.
func (t *Transaction) UpdatedAt() time.Time {
	if len(t.Timeline) == 0 {
		return time.Time{}
	}
	return t.Timeline[len(t.Timeline)-1].At
}

// EnteredAt returns when the transaction most recently entered status s.
func (t *Transaction) EnteredAt(s Status) (time.Time, bool) {
	for i := len(t.Timeline) - 1; i >= 0; i-- {
		if t.Timeline[i].Status == s {
			return t.Timeline[i].At, true
		}
	}
	return time.Time{}, false
}

// Clone returns a deep copy so callers can mutate the copy without touching
// the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Confirmation != nil {
		c := *t.Confirmation
		cp.Confirmation = &c
	}
	if t.Dispute != nil {
		d := *t.Dispute
		cp.Dispute = &d
	}
	cp.Timeline = make([]TimelineEntry, len(t.Timeline))
	copy(cp.Timeline, t.Timeline)
	return &cp
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	ListingID        string          `json:"listingId"`
	Buyer            string          `json:"buyer"`
	Seller           string          `json:"seller"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"paymentReference"`
}

// ResolveRequest carries the custody agent's dispute decision.
type ResolveRequest struct {
	Refund              bool   `json:"refund"`
	SettlementReference string `json:"settlementReference"`
	Note                string `json:"note"`
}
