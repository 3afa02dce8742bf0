package workflow

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nftmarket/internal/cache"
	"nftmarket/internal/errors"
	"nftmarket/internal/journal"
	"nftmarket/internal/logging"
	"nftmarket/internal/session"
	"nftmarket/internal/storage"
	"nftmarket/internal/validation"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	nftAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	mktAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// eth 以 0.1 ETH 为单位
func eth(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(100000000000000000))
}

// fakeChain 记录调用并为每笔交易生成对应事件
type fakeChain struct {
	mu sync.Mutex

	owner         common.Address
	approvedAll   bool
	approved      common.Address
	listing       *models.Listing
	royaltyAmount *big.Int
	feeBps        int64
	nextToken     int64

	calls    []string
	sent     []string
	outcomes map[common.Hash]*models.TransactionOutcome

	onSend func(ctx context.Context, method string) error
	onWait func(ctx context.Context, hash common.Hash, outcome *models.TransactionOutcome) (*models.TransactionOutcome, error)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		owner:         alice,
		royaltyAmount: new(big.Int),
		feeBps:        250,
		nextToken:     1,
		outcomes:      make(map[common.Hash]*models.TransactionOutcome),
	}
}

func (f *fakeChain) record(method string) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChain) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeChain) send(ctx context.Context, method string, events func(meta models.EventMeta) []models.DecodedEvent) (common.Hash, error) {
	f.record(method)
	if f.onSend != nil {
		if err := f.onSend(ctx, method); err != nil {
			return common.Hash{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, method)
	hash := common.BigToHash(big.NewInt(int64(len(f.sent))))
	block := uint64(100 + len(f.sent))
	meta := func(name models.EventName, contract common.Address) models.EventMeta {
		return models.EventMeta{Event: name, Contract: contract, TxHash: hash, BlockNumber: block}
	}
	f.outcomes[hash] = &models.TransactionOutcome{
		Hash:        hash,
		Status:      models.TxConfirmed,
		BlockNumber: &block,
		Events:      events(meta(models.EventName(method), common.Address{})),
	}
	return hash, nil
}

func (f *fakeChain) NFTContract() (common.Address, error)         { return nftAddr, nil }
func (f *fakeChain) MarketplaceContract() (common.Address, error) { return mktAddr, nil }

func (f *fakeChain) Mint(ctx context.Context, from, to common.Address, tokenURI string, royaltyBps int64) (common.Hash, error) {
	f.mu.Lock()
	tokenID := big.NewInt(f.nextToken)
	f.nextToken++
	f.mu.Unlock()
	return f.send(ctx, "mintNFT", func(m models.EventMeta) []models.DecodedEvent {
		m.Contract = nftAddr
		transfer := m
		transfer.Event = models.EventTransfer
		minted := m
		minted.Event = models.EventMinted
		return []models.DecodedEvent{
			&models.TransferEvent{EventMeta: transfer, To: to, TokenID: tokenID},
			&models.MintedEvent{EventMeta: minted, TokenID: tokenID, Creator: from, TokenURI: tokenURI, RoyaltyFee: big.NewInt(royaltyBps)},
		}
	})
}

func (f *fakeChain) Approve(ctx context.Context, from, operator common.Address, tokenID *big.Int) (common.Hash, error) {
	return f.send(ctx, "approve", func(m models.EventMeta) []models.DecodedEvent {
		m.Event = models.EventApproval
		f.approved = operator
		return []models.DecodedEvent{&models.ApprovalEvent{EventMeta: m, Owner: from, Approved: operator, TokenID: tokenID}}
	})
}

func (f *fakeChain) SetApprovalForAll(ctx context.Context, from, operator common.Address, approved bool) (common.Hash, error) {
	return f.send(ctx, "setApprovalForAll", func(m models.EventMeta) []models.DecodedEvent {
		m.Event = models.EventApprovalForAll
		f.approvedAll = approved
		return []models.DecodedEvent{&models.ApprovalForAllEvent{EventMeta: m, Owner: from, Operator: operator, Approved: approved}}
	})
}

func (f *fakeChain) ListNFT(ctx context.Context, from, nft common.Address, tokenID, price *big.Int) (common.Hash, error) {
	return f.send(ctx, "listNFT", func(m models.EventMeta) []models.DecodedEvent {
		m.Event = models.EventListed
		f.listing = &models.Listing{NFTContract: nft, TokenID: tokenID, Seller: from, Price: price, Active: true}
		return []models.DecodedEvent{&models.ListedEvent{EventMeta: m, NFTContract: nft, TokenID: tokenID, Seller: from, Price: price}}
	})
}

func (f *fakeChain) CancelListing(ctx context.Context, from, nft common.Address, tokenID *big.Int) (common.Hash, error) {
	return f.send(ctx, "cancelListing", func(m models.EventMeta) []models.DecodedEvent {
		m.Event = models.EventListingCancelled
		f.listing.Active = false
		return []models.DecodedEvent{&models.ListingCancelledEvent{EventMeta: m, NFTContract: nft, TokenID: tokenID, Seller: from}}
	})
}

// BuyNFT 与网关一致，付款必须等于挂单价格，否则不发送
func (f *fakeChain) BuyNFT(ctx context.Context, from, nft common.Address, tokenID, valueSent *big.Int) (common.Hash, error) {
	f.mu.Lock()
	listing := *f.listing
	f.mu.Unlock()
	switch valueSent.Cmp(listing.Price) {
	case -1:
		f.record("buyNFT")
		return common.Hash{}, errors.New(errors.CodeInsufficientPayment, "付款不足")
	case 1:
		f.record("buyNFT")
		return common.Hash{}, errors.New(errors.CodeOverPayment, "付款过多")
	}
	return f.send(ctx, "buyNFT", func(m models.EventMeta) []models.DecodedEvent {
		m.Event = models.EventSold
		fee := new(big.Int).Mul(listing.Price, big.NewInt(f.feeBps))
		fee.Quo(fee, big.NewInt(10000))
		f.listing.Active = false
		return []models.DecodedEvent{&models.SoldEvent{
			EventMeta:         m,
			NFTContract:       nft,
			TokenID:           tokenID,
			Seller:            listing.Seller,
			Buyer:             from,
			Price:             listing.Price,
			RoyaltyAmount:     f.royaltyAmount,
			PlatformFeeAmount: fee,
		}}
	})
}

func (f *fakeChain) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	f.record("ownerOf")
	return f.owner, nil
}

func (f *fakeChain) GetApproved(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	f.record("getApproved")
	return f.approved, nil
}

func (f *fakeChain) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	f.record("isApprovedForAll")
	return f.approvedAll, nil
}

func (f *fakeChain) GetListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error) {
	f.record("getListing")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listing == nil {
		return &models.Listing{NFTContract: nft, TokenID: tokenID, Price: new(big.Int)}, nil
	}
	l := *f.listing
	return &l, nil
}

func (f *fakeChain) RoyaltyInfo(ctx context.Context, tokenID, salePrice *big.Int) (common.Address, *big.Int, error) {
	f.record("royaltyInfo")
	return alice, f.royaltyAmount, nil
}

func (f *fakeChain) PlatformFee(ctx context.Context) (*big.Int, error) {
	f.record("platformFee")
	return big.NewInt(f.feeBps), nil
}

func (f *fakeChain) WaitForOutcome(ctx context.Context, hash common.Hash, timeout time.Duration) (*models.TransactionOutcome, error) {
	f.mu.Lock()
	outcome := f.outcomes[hash]
	f.mu.Unlock()
	if f.onWait != nil {
		return f.onWait(ctx, hash, outcome)
	}
	return outcome, nil
}

func (f *fakeChain) Outcome(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outcome, ok := f.outcomes[hash]; ok {
		return outcome, nil
	}
	return models.NewPendingOutcome(hash), nil
}

// hookUploader 包装内存存储，可以在上传时注入阻塞
type hookUploader struct {
	inner      *storage.Service
	onUpload   func(ctx context.Context) error
	onMetadata func(ctx context.Context) error
	calls      int
}

func (u *hookUploader) Upload(ctx context.Context, data []byte, mediaType string) (string, error) {
	u.calls++
	if u.onUpload != nil {
		if err := u.onUpload(ctx); err != nil {
			return "", err
		}
	}
	return u.inner.Upload(ctx, data, mediaType)
}

func (u *hookUploader) UploadMetadata(ctx context.Context, meta models.AssetMetadata) (string, error) {
	u.calls++
	if u.onMetadata != nil {
		if err := u.onMetadata(ctx); err != nil {
			return "", err
		}
	}
	return u.inner.UploadMetadata(ctx, meta)
}

type fakeIdentity struct {
	lease *session.Lease
	err   error
}

func (f *fakeIdentity) Acquire() (*session.Lease, error) {
	return f.lease, f.err
}

type recordingSink struct {
	mu      sync.Mutex
	records []*models.WorkflowRecord
}

func (s *recordingSink) WriteRecord(r *models.WorkflowRecord) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

type fakeEarnings struct {
	recorded []*models.SoldEvent
}

func (f *fakeEarnings) Record(ctx context.Context, ev *models.SoldEvent) (bool, error) {
	f.recorded = append(f.recorded, ev)
	return true, nil
}

type harness struct {
	svc      *Service
	chain    *fakeChain
	uploader *hookUploader
	journal  *journal.Journal
	cache    *cache.ListingCache
	sink     *recordingSink
	earnings *fakeEarnings
	updates  []Update
	// loseSession 以 SessionLost 使租约失效
	loseSession func()
}

func newHarness(t *testing.T, account common.Address, opts Options) *harness {
	t.Helper()
	logger := logging.Discard()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	leaseCtx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	h := &harness{
		chain:    newFakeChain(),
		uploader: &hookUploader{inner: storage.NewService(storage.NewMemoryBackend(), 0, logger)},
		journal:  j,
		cache:    cache.NewListingCache(cache.NewMemoryStore(), time.Minute, nil, logger),
		sink:     &recordingSink{},
		earnings: &fakeEarnings{},
		loseSession: func() {
			cancel(errors.New(errors.CodeSessionLost, "钱包已断开"))
		},
	}
	h.svc = New(Deps{
		Chain:     h.chain,
		Uploader:  h.uploader,
		Identity:  &fakeIdentity{lease: session.NewLease(leaseCtx, account, 4202)},
		Validator: validation.NewValidator(logger, false, 0),
		Journal:   j,
		Cache:     h.cache,
		Earnings:  h.earnings,
		Sink:      h.sink,
	}, opts, logger)
	return h
}

func (h *harness) progress(u Update) {
	h.updates = append(h.updates, u)
}

func (h *harness) updateStates() []State {
	states := make([]State, 0, len(h.updates))
	for _, u := range h.updates {
		states = append(states, u.State)
	}
	return states
}

// waitForCancel 阻塞直到上下文取消
func waitForCancel(ctx context.Context) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

func pngOfSize(n int) []byte {
	data := make([]byte, n)
	copy(data, pngHeader)
	return data
}

func mintRequest() *models.MintRequest {
	return &models.MintRequest{
		Asset:              pngOfSize(512 * 1024),
		FileName:           "test.png",
		Title:              "Test #1",
		Description:        "first token",
		RoyaltyBasisPoints: 1000,
	}
}
