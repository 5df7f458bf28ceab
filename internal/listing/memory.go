// Package listing provides the listing catalog implementations the escrow
// engine reserves, sells and releases listings through.
//
// MemoryCatalog keeps listing state in process and is what the server uses
// when no catalog webhook is configured. WebhookCatalog forwards the same
// calls to an external catalog service over signed HTTP.
package listing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/marketescrow/internal/escrow"
)

// State is a listing's availability as seen by the catalog.
type State string

const (
	StateAvailable State = "AVAILABLE"
	StateInEscrow  State = "IN_ESCROW"
	StateSold      State = "SOLD"
)

// Listing is the catalog's view of one listing.
type Listing struct {
	ID        string            `json:"id"`
	State     State             `json:"state"`
	EscrowID  string            `json:"escrowId,omitempty"`
	Buyer     *escrow.BuyerInfo `json:"buyer,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// MemoryCatalog is an in-memory listing catalog. Unknown listings are treated
// as available. It admits at most one active escrow per listing.
type MemoryCatalog struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	now      func() time.Time
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		listings: make(map[string]*Listing),
		now:      time.Now,
	}
}

// MarkInEscrow reserves listingID for escrowID. It fails with
// escrow.ErrListingUnavailable while the listing is in escrow or sold.
func (c *MemoryCatalog) MarkInEscrow(ctx context.Context, listingID, escrowID string) error {
	key := strings.TrimSpace(listingID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.listings[key]; ok && l.State != StateAvailable {
		return escrow.ErrListingUnavailable
	}
	c.listings[key] = &Listing{
		ID:        key,
		State:     StateInEscrow,
		EscrowID:  escrowID,
		UpdatedAt: c.now(),
	}
	return nil
}

// MarkSold records the buyer of listingID. Sold listings stay sold.
func (c *MemoryCatalog) MarkSold(ctx context.Context, listingID string, buyer escrow.BuyerInfo) error {
	key := strings.TrimSpace(listingID)

	c.mu.Lock()
	defer c.mu.Unlock()

	b := buyer
	c.listings[key] = &Listing{
		ID:        key,
		State:     StateSold,
		EscrowID:  buyer.TransactionID,
		Buyer:     &b,
		UpdatedAt: c.now(),
	}
	return nil
}

// MarkAvailable returns listingID to the market. A sold listing is left sold.
func (c *MemoryCatalog) MarkAvailable(ctx context.Context, listingID string) error {
	key := strings.TrimSpace(listingID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.listings[key]; ok && l.State == StateSold {
		return nil
	}
	c.listings[key] = &Listing{ID: key, State: StateAvailable, UpdatedAt: c.now()}
	return nil
}

// Get returns a copy of the listing, or an available placeholder if the
// catalog has never seen it.
func (c *MemoryCatalog) Get(listingID string) Listing {
	key := strings.TrimSpace(listingID)

	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.listings[key]
	if !ok {
		return Listing{ID: key, State: StateAvailable}
	}
	out := *l
	if l.Buyer != nil {
		b := *l.Buyer
		out.Buyer = &b
	}
	return out
}

// Compile-time assertion.
var _ escrow.ListingCatalog = (*MemoryCatalog)(nil)
