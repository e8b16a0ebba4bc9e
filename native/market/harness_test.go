package market_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rlfmarket/core/events"
	"rlfmarket/core/state"
	"rlfmarket/native/market"
	"rlfmarket/state/assets"
	"rlfmarket/state/bank"
	"rlfmarket/storage"
)

var (
	admin      = [20]byte{0xAD}
	seller     = [20]byte{0x5E}
	buyer1     = [20]byte{0xB1}
	buyer2     = [20]byte{0xB2}
	stranger   = [20]byte{0x99}
	collection = [20]byte{0xC0}
	tokenT     = [20]byte{0x70}
	tokenU     = [20]byte{0x71}
)

var errUnavailable = errors.New("registry unavailable")

// flakyRegistry wraps the real registry and can fail or interfere with
// transfers.
type flakyRegistry struct {
	market.AssetRegistry
	mu             sync.Mutex
	failTransfers  int
	beforeTransfer func()
	transfers      int
}

func (f *flakyRegistry) Transfer(ctx context.Context, asset market.AssetRef, from, to [20]byte) error {
	f.mu.Lock()
	f.transfers++
	if f.failTransfers > 0 {
		f.failTransfers--
		f.mu.Unlock()
		return errUnavailable
	}
	hook := f.beforeTransfer
	f.beforeTransfer = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.AssetRegistry.Transfer(ctx, asset, from, to)
}

func (f *flakyRegistry) setFailures(n int) {
	f.mu.Lock()
	f.failTransfers = n
	f.mu.Unlock()
}

// gatedLedger parks the first payment until release is closed.
type gatedLedger struct {
	market.FungibleLedger
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.FungibleLedger.Transfer(ctx, token, from, to, amount)
}

var errDiskFull = errors.New("disk full")

// paidWriteFailer rejects writes that would record an escrow as Paid.
type paidWriteFailer struct {
	*state.Manager
}

func (s paidWriteFailer) MarketEscrowPut(rec *market.EscrowRecord) error {
	if rec.Phase == market.EscrowPaid {
		return errDiskFull
	}
	return s.Manager.MarketEscrowPut(rec)
}

type harness struct {
	t        *testing.T
	engine   *market.Engine
	state    *state.Manager
	ledger   *bank.Ledger
	registry *assets.Registry
	flaky    *flakyRegistry
	recorder *events.Recorder
	now      int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	h := &harness{
		t:        t,
		state:    mgr,
		ledger:   bank.NewLedger(mgr),
		registry: assets.NewRegistry(mgr),
		recorder: &events.Recorder{},
		now:      1_700_000_000,
	}
	h.flaky = &flakyRegistry{AssetRegistry: h.registry}
	h.engine = h.newEngine()
	_, err := h.engine.Initialize(admin)
	require.NoError(t, err)
	return h
}

// newEngine builds an engine over the harness state, as a restarted process
// would.
func (h *harness) newEngine() *market.Engine {
	e := market.NewEngine()
	e.SetState(h.state)
	e.SetRegistry(h.flaky)
	e.SetLedger(h.ledger)
	e.SetEmitter(h.recorder)
	e.SetNowFunc(func() int64 { return h.now })
	e.SetSettlementRetry(2, 0)
	return e
}

func (h *harness) mintAsset(id uint64, owner [20]byte) market.AssetRef {
	h.t.Helper()
	asset := market.NewAssetRef(collection, id)
	require.NoError(h.t, h.registry.Mint(asset, owner))
	return asset
}

func (h *harness) fund(account [20]byte, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Mint(tokenT, account, big.NewInt(amount)))
}

func (h *harness) balance(account [20]byte) int64 {
	h.t.Helper()
	bal, err := h.ledger.BalanceOf(context.Background(), tokenT, account)
	require.NoError(h.t, err)
	return bal.Int64()
}

func (h *harness) owner(asset market.AssetRef) [20]byte {
	h.t.Helper()
	owner, err := h.registry.OwnerOf(context.Background(), asset)
	require.NoError(h.t, err)
	return owner
}

func (h *harness) list(asset market.AssetRef, minPrice int64) [32]byte {
	h.t.Helper()
	id, err := h.engine.CreateListing(context.Background(), asset, seller, tokenT, big.NewInt(minPrice))
	require.NoError(h.t, err)
	return id
}

func (h *harness) offer(listingID [32]byte, buyer [20]byte, amount int64) [32]byte {
	h.t.Helper()
	id, err := h.engine.MakeOffer(listingID, buyer, tokenT, big.NewInt(amount), 0)
	require.NoError(h.t, err)
	return id
}

func (h *harness) listing(id [32]byte) *market.Listing {
	h.t.Helper()
	l, err := h.engine.GetListing(id)
	require.NoError(h.t, err)
	return l
}

func (h *harness) offerStatus(id [32]byte) market.OfferStatus {
	h.t.Helper()
	o, err := h.engine.GetOffer(id)
	require.NoError(h.t, err)
	return o.Status
}
