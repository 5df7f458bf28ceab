package listing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCatalog_Lifecycle(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	assert.Equal(t, StateAvailable, c.Get("lst_1").State)

	require.NoError(t, c.MarkInEscrow(ctx, "lst_1", "etx_a"))
	l := c.Get("lst_1")
	assert.Equal(t, StateInEscrow, l.State)
	assert.Equal(t, "etx_a", l.EscrowID)

	assert.ErrorIs(t, c.MarkInEscrow(ctx, "lst_1", "etx_b"), escrow.ErrListingUnavailable)

	require.NoError(t, c.MarkAvailable(ctx, "lst_1"))
	assert.Equal(t, StateAvailable, c.Get("lst_1").State)
	require.NoError(t, c.MarkInEscrow(ctx, "lst_1", "etx_b"))

	buyer := escrow.BuyerInfo{Party: "0xbuyer", TransactionID: "etx_b", SettlementReference: "0xsettle"}
	require.NoError(t, c.MarkSold(ctx, "lst_1", buyer))
	l = c.Get("lst_1")
	assert.Equal(t, StateSold, l.State)
	require.NotNil(t, l.Buyer)
	assert.Equal(t, buyer, *l.Buyer)

	// Sold is final.
	require.NoError(t, c.MarkAvailable(ctx, "lst_1"))
	assert.Equal(t, StateSold, c.Get("lst_1").State)
	assert.ErrorIs(t, c.MarkInEscrow(ctx, "lst_1", "etx_c"), escrow.ErrListingUnavailable)
}

func TestMemoryCatalog_GetReturnsCopy(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()
	require.NoError(t, c.MarkSold(ctx, "lst_1", escrow.BuyerInfo{Party: "0xbuyer"}))

	l := c.Get("lst_1")
	l.Buyer.Party = "0xmallory"
	assert.Equal(t, "0xbuyer", c.Get("lst_1").Buyer.Party)
}

func TestMemoryCatalog_OneActiveEscrowPerListing(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.MarkInEscrow(ctx, "lst_hot", "etx")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestMemoryCatalog_WithService(t *testing.T) {
	c := NewMemoryCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := escrow.NewService(escrow.NewMemoryStore(), c, "0xadmin",
		escrow.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	req := escrow.CreateRequest{
		ListingID: "lst_svc",
		Buyer:     "0xbuyer",
		Seller:    "0xseller",
		Amount:    decimal.RequireFromString("5"),
		Currency:  "USDC",
	}
	tx, err := svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateInEscrow, c.Get("lst_svc").State)

	req.Buyer = "0xother"
	_, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, escrow.ErrListingUnavailable)

	now = now.Add(escrow.DefaultPaymentWindow + time.Minute)
	_, err = svc.TimeoutCancel(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, c.Get("lst_svc").State)

	_, err = svc.Create(ctx, req)
	require.NoError(t, err, "cancelled escrow frees the listing")
}
