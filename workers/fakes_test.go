package workers

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"gopegbridge/chain"
	"gopegbridge/types"
)

func testLogger(t *testing.T) *zap.Logger { return zaptest.NewLogger(t) }

// fakeStore keeps records in memory and mirrors the production duplicate
// check across all known records.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*types.TransferRecord
	statuses []types.Status
	loadErr  error
	saveErr  error
}

func newFakeStore(recs ...*types.TransferRecord) *fakeStore {
	s := &fakeStore{records: map[string]*types.TransferRecord{}}
	for _, r := range recs {
		s.records[r.JobID] = r
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, rec *types.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.records) + 1)
	s.records[rec.JobID] = rec
	return nil
}

func (s *fakeStore) LoadByJobID(_ context.Context, jobID string) (*types.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	r, ok := s.records[jobID]
	if !ok {
		return nil, types.ErrRecordNotFound
	}
	return r, nil
}

func (s *fakeStore) Save(_ context.Context, rec *types.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records[rec.JobID] = rec
	s.statuses = append(s.statuses, rec.Status)
	rec.Version++
	return nil
}

func (s *fakeStore) SaveWithDuplicateCheck(_ context.Context, rec *types.TransferRecord, step types.Step, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	for _, other := range s.records {
		if other.ID == rec.ID {
			continue
		}
		if other.Artifact(step).TxID == txID {
			return false, nil
		}
	}
	s.records[rec.JobID] = rec
	s.statuses = append(s.statuses, rec.Status)
	rec.Version++
	return true, nil
}

func (s *fakeStore) ListByStatus(_ context.Context, status types.Status, limit int) ([]*types.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TransferRecord
	for _, r := range s.records {
		if r.Status == status && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) savedStatuses() []types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Status(nil), s.statuses...)
}

// fakeChain scripts one ledger. Receipts are keyed by txID; receipt
// sequences let a test delay or change what polling observes.
type fakeChain struct {
	mu sync.Mutex

	height   uint64
	decimals int32

	// heightSeq is consumed one entry per CurrentHeight call, the last
	// entry repeating; empty means the fixed height field.
	heightSeq []uint64

	// receiptSeq[txID] is consumed one entry per Receipt call; a nil entry
	// means "still unknown". When the sequence is exhausted the last entry
	// repeats.
	receiptSeq map[string][]*chain.Receipt
	mempool    map[string]bool
	resubmits  int

	pastFn      func(fromBlock, toBlock uint64) ([]chain.Event, error)
	subscribeFn func(ctx context.Context) (<-chan chain.Event, error)

	issued    []*chain.SignedTx
	burned    []*chain.SignedTx
	paidOut   []*chain.SignedTx
	submitErr error
	nextTx    *chain.SignedTx
}

func newFakeChain(height uint64, decimals int32) *fakeChain {
	return &fakeChain{
		height:     height,
		decimals:   decimals,
		receiptSeq: map[string][]*chain.Receipt{},
		mempool:    map[string]bool{},
	}
}

func (c *fakeChain) setReceipts(txID string, seq ...*chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptSeq[txID] = seq
}

func (c *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heightSeq) > 0 {
		h := c.heightSeq[0]
		if len(c.heightSeq) > 1 {
			c.heightSeq = c.heightSeq[1:]
		}
		return h, nil
	}
	return c.height, nil
}

func (c *fakeChain) Receipt(_ context.Context, txID string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.receiptSeq[txID]
	if len(seq) == 0 {
		return nil, nil
	}
	r := seq[0]
	if len(seq) > 1 {
		c.receiptSeq[txID] = seq[1:]
	}
	return r, nil
}

func (c *fakeChain) InMempool(_ context.Context, txID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mempool[txID], nil
}

func (c *fakeChain) Resubmit(context.Context, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resubmits++
	return nil
}

func (c *fakeChain) PastTransfers(_ context.Context, _, _ string, fromBlock, toBlock uint64) ([]chain.Event, error) {
	if c.pastFn == nil {
		return nil, nil
	}
	return c.pastFn(fromBlock, toBlock)
}

func (c *fakeChain) SubscribeTransfers(ctx context.Context, _, _ string) (<-chan chain.Event, error) {
	if c.subscribeFn == nil {
		ch := make(chan chain.Event)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	return c.subscribeFn(ctx)
}

func (c *fakeChain) AssetDecimals(context.Context, string) (int32, error) {
	return c.decimals, nil
}

func (c *fakeChain) Issue(_ context.Context, _, _ string, _ *big.Int) (*chain.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.issued = append(c.issued, c.nextTx)
	return c.nextTx, nil
}

func (c *fakeChain) Burn(_ context.Context, _ string, _ *big.Int) (*chain.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.burned = append(c.burned, c.nextTx)
	return c.nextTx, nil
}

func (c *fakeChain) TransferTo(_ context.Context, _ string, _ *big.Int) (*chain.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.paidOut = append(c.paidOut, c.nextTx)
	return c.nextTx, nil
}

func newTestRecord(jobID string, status types.Status) *types.TransferRecord {
	return &types.TransferRecord{
		ID:         1,
		JobID:      jobID,
		TickerFrom: "USDT",
		TickerTo:   "FINTEH.USDT",
		Status:     status,
		DerivedWallet: &types.DerivedWallet{
			ID:      1,
			Ledger:  types.LedgerAsset,
			Invoice: "payout-destination",
			Wallet:  &types.Wallet{ID: 1, Ledger: types.LedgerAsset, Invoice: "hot-wallet"},
		},
	}
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}
