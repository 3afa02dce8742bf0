package workflow

import (
	"context"
	"math/big"
	"testing"

	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMint_Success(t *testing.T) {
	h := newHarness(t, alice, Options{})

	result, err := h.svc.Mint(context.Background(), mintRequest(), h.progress)
	require.NoError(t, err)

	want := []State{
		StateIdle, StateValidatingInput, StateUploadingAsset, StateUploadingMetadata,
		StateSubmittingMint, StateAwaitingConfirmation, StateMinted,
	}
	assert.Equal(t, want, result.Run.History)
	assert.Equal(t, want, h.updateStates())
	assert.Equal(t, "1", result.TokenID.String())
	assert.Contains(t, result.ImageURI, "ipfs://")
	assert.Contains(t, result.TokenURI, "ipfs://")
	assert.NotEqual(t, result.ImageURI, result.TokenURI)
	assert.False(t, result.Run.Detached)
	require.NotNil(t, result.Run.FinishedAt)
	assert.False(t, result.Run.FinishedAt.Before(result.Run.StartedAt))
	assert.Equal(t, []string{"mintNFT"}, h.chain.sentMethods())

	hash, ok := result.Run.LastTxHash()
	require.True(t, ok)
	entry, found, err := h.journal.Get(hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.TxConfirmed, entry.Status)
	assert.Equal(t, result.TokenURI, entry.TokenURI)

	require.Len(t, h.sink.records, 1)
	assert.Equal(t, "Minted", h.sink.records[0].State)
	assert.Equal(t, "1", h.sink.records[0].TokenID.String())
}

func TestMint_RoyaltyOutOfRangeMakesNoCalls(t *testing.T) {
	h := newHarness(t, alice, Options{})
	req := mintRequest()
	req.RoyaltyBasisPoints = 2501

	result, err := h.svc.Mint(context.Background(), req, h.progress)
	assert.True(t, errors.Is(err, errors.ErrRoyaltyOutOfRange))
	assert.Equal(t, []State{StateIdle, StateValidatingInput, StateFailed}, result.Run.History)
	assert.Zero(t, h.chain.callCount())
	assert.Zero(t, h.uploader.calls)

	require.Len(t, h.sink.records, 1)
	assert.Equal(t, errors.CodeRoyaltyOutOfRange, h.sink.records[0].ErrorCode)
}

func TestMint_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*models.MintRequest)
		code   string
	}{
		{"空标题", func(r *models.MintRequest) { r.Title = "   " }, errors.CodeInvalidInput},
		{"空描述", func(r *models.MintRequest) { r.Description = "" }, errors.CodeInvalidInput},
		{"不支持的类型", func(r *models.MintRequest) { r.Asset = []byte("plain text") }, errors.CodeUnsupportedMediaType},
		{"资源过大", func(r *models.MintRequest) { r.Asset = pngOfSize(models.MaxAssetSize + 1) }, errors.CodeAssetTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, alice, Options{})
			req := mintRequest()
			tt.modify(req)

			result, err := h.svc.Mint(context.Background(), req, nil)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, StateFailed, result.Run.State)
			assert.Zero(t, h.uploader.calls)
			assert.Zero(t, h.chain.callCount())
		})
	}
}

func TestMint_SessionLostBeforeConfirmation(t *testing.T) {
	tests := []struct {
		name  string
		state State
		setup func(h *harness)
	}{
		{"上传资源时断开", StateUploadingAsset, func(h *harness) {
			h.uploader.onUpload = func(ctx context.Context) error {
				h.loseSession()
				return waitForCancel(ctx)
			}
		}},
		{"上传元数据时断开", StateUploadingMetadata, func(h *harness) {
			h.uploader.onMetadata = func(ctx context.Context) error {
				h.loseSession()
				return waitForCancel(ctx)
			}
		}},
		{"提交铸造时断开", StateSubmittingMint, func(h *harness) {
			h.chain.onSend = func(ctx context.Context, method string) error {
				h.loseSession()
				return waitForCancel(ctx)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, alice, Options{})
			tt.setup(h)

			result, err := h.svc.Mint(context.Background(), mintRequest(), h.progress)
			assert.True(t, errors.Is(err, errors.ErrSessionLost), "got %v", err)
			history := result.Run.History
			require.GreaterOrEqual(t, len(history), 2)
			assert.Equal(t, tt.state, history[len(history)-2])
			assert.Equal(t, StateFailed, result.Run.State)
			assert.Empty(t, h.chain.sentMethods())
		})
	}
}

func TestMint_SessionLostDuringConfirmationDetaches(t *testing.T) {
	h := newHarness(t, alice, Options{})
	h.chain.onWait = func(ctx context.Context, hash common.Hash, outcome *models.TransactionOutcome) (*models.TransactionOutcome, error) {
		h.loseSession()
		// 等待不受会话影响
		assert.NoError(t, ctx.Err())
		return outcome, nil
	}

	result, err := h.svc.Mint(context.Background(), mintRequest(), h.progress)
	require.NoError(t, err)
	assert.Equal(t, StateMinted, result.Run.State)
	assert.True(t, result.Run.Detached)
	assert.Equal(t, "1", result.TokenID.String())

	// 会话失效后不再推送进度
	states := h.updateStates()
	assert.Equal(t, StateAwaitingConfirmation, states[len(states)-1])

	require.Len(t, h.sink.records, 1)
	assert.True(t, h.sink.records[0].Detached)
}

func TestMint_TimeoutThenRecheck(t *testing.T) {
	h := newHarness(t, alice, Options{})
	h.chain.onWait = func(ctx context.Context, hash common.Hash, _ *models.TransactionOutcome) (*models.TransactionOutcome, error) {
		return nil, errors.New(errors.CodeTimeout, "等待确认超时").WithTxHash(hash.Hex())
	}

	result, err := h.svc.Mint(context.Background(), mintRequest(), nil)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, StateTimedOut, result.Run.State)
	hash, ok := result.Run.LastTxHash()
	require.True(t, ok)

	pending, err := h.svc.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.TxTimedOut, pending[0].Status)

	// 相同内容再次铸造被拒绝
	_, err = h.svc.Mint(context.Background(), mintRequest(), nil)
	assert.True(t, errors.Is(err, errors.ErrMintInFlight))
	assert.Equal(t, []string{"mintNFT"}, h.chain.sentMethods())

	outcome, err := h.svc.Recheck(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, outcome.Status)

	pending, err = h.svc.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecheck_Pending(t *testing.T) {
	h := newHarness(t, alice, Options{})
	outcome, err := h.svc.Recheck(context.Background(), common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, outcome.Status)
}

func TestNotConnected(t *testing.T) {
	svc := New(Deps{
		Chain:    newFakeChain(),
		Identity: &fakeIdentity{err: errors.New(errors.CodeSessionLost, "钱包未连接")},
	}, Options{}, logging.Discard())

	result, err := svc.Mint(context.Background(), mintRequest(), nil)
	assert.True(t, errors.Is(err, errors.ErrSessionLost))
	assert.Equal(t, []State{StateIdle, StateFailed}, result.Run.History)

	purchase, err := svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1)}, nil)
	assert.True(t, errors.Is(err, errors.ErrSessionLost))
	assert.Equal(t, StateFailed, purchase.Run.State)
}

func TestList(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		approvedAll bool
		approved    common.Address
		sent        []string
	}{
		{"需要单个授权", ApprovalToken, false, common.Address{}, []string{"approve", "listNFT"}},
		{"需要全部授权", ApprovalAll, false, common.Address{}, []string{"setApprovalForAll", "listNFT"}},
		{"已全部授权", ApprovalToken, true, common.Address{}, []string{"listNFT"}},
		{"已单个授权", ApprovalToken, false, mktAddr, []string{"listNFT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, alice, Options{ApprovalMode: tt.mode})
			h.chain.approvedAll = tt.approvedAll
			h.chain.approved = tt.approved

			result, err := h.svc.List(context.Background(), &ListRequest{TokenID: big.NewInt(1), Price: eth(5)}, nil)
			require.NoError(t, err)
			assert.Equal(t, StateListed, result.Run.State)
			assert.Equal(t, tt.sent, h.chain.sentMethods())
			assert.Equal(t, eth(5).String(), result.Listing.Price.String())
			assert.Equal(t, alice, result.Listing.Seller)
			assert.True(t, result.Listing.Active)

			if len(tt.sent) == 2 {
				assert.Contains(t, result.Run.History, StateAwaitingApproval)
				assert.NotNil(t, result.ApprovalOutcome)
			} else {
				assert.NotContains(t, result.Run.History, StateSubmittingApproval)
			}

			cached, err := h.cache.Get(context.Background(), nftAddr, big.NewInt(1))
			require.NoError(t, err)
			assert.True(t, cached.Active)
		})
	}
}

func TestList_Rejections(t *testing.T) {
	t.Run("不是持有者", func(t *testing.T) {
		h := newHarness(t, alice, Options{})
		h.chain.owner = bob
		_, err := h.svc.List(context.Background(), &ListRequest{TokenID: big.NewInt(1), Price: eth(5)}, nil)
		assert.True(t, errors.Is(err, errors.ErrNotOwner))
		assert.Empty(t, h.chain.sentMethods())
	})

	t.Run("价格无效", func(t *testing.T) {
		h := newHarness(t, alice, Options{})
		_, err := h.svc.List(context.Background(), &ListRequest{TokenID: big.NewInt(1), Price: big.NewInt(0)}, nil)
		assert.True(t, errors.Is(err, errors.ErrInvalidPrice))
		assert.Zero(t, h.chain.callCount())
	})

	t.Run("等待授权时断开", func(t *testing.T) {
		h := newHarness(t, alice, Options{})
		h.chain.onWait = func(ctx context.Context, hash common.Hash, outcome *models.TransactionOutcome) (*models.TransactionOutcome, error) {
			h.loseSession()
			return nil, waitForCancel(ctx)
		}
		result, err := h.svc.List(context.Background(), &ListRequest{TokenID: big.NewInt(1), Price: eth(5)}, nil)
		assert.True(t, errors.Is(err, errors.ErrSessionLost), "got %v", err)
		assert.Equal(t, StateFailed, result.Run.State)
		assert.Equal(t, []string{"approve"}, h.chain.sentMethods())
	})
}

func TestCancel(t *testing.T) {
	listing := func() *models.Listing {
		return &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(5), Active: true}
	}

	t.Run("卖家取消", func(t *testing.T) {
		h := newHarness(t, alice, Options{})
		h.chain.listing = listing()
		result, err := h.svc.Cancel(context.Background(), &CancelRequest{TokenID: big.NewInt(1)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []State{StateIdle, StateCheckingListing, StateSubmittingCancel, StateAwaitingConfirmation, StateCancelled}, result.Run.History)
		assert.False(t, result.Listing.Active)

		cached, err := h.cache.Get(context.Background(), nftAddr, big.NewInt(1))
		require.NoError(t, err)
		assert.False(t, cached.Active)
	})

	t.Run("不是卖家", func(t *testing.T) {
		h := newHarness(t, bob, Options{})
		h.chain.listing = listing()
		_, err := h.svc.Cancel(context.Background(), &CancelRequest{TokenID: big.NewInt(1)}, nil)
		assert.True(t, errors.Is(err, errors.ErrNotSeller))
		assert.Empty(t, h.chain.sentMethods())
	})

	t.Run("挂单无效", func(t *testing.T) {
		h := newHarness(t, alice, Options{})
		inactive := listing()
		inactive.Active = false
		h.chain.listing = inactive
		_, err := h.svc.Cancel(context.Background(), &CancelRequest{TokenID: big.NewInt(1)}, nil)
		assert.True(t, errors.Is(err, errors.ErrListingInactive))
		assert.Empty(t, h.chain.sentMethods())
	})
}

func TestPurchase_Success(t *testing.T) {
	h := newHarness(t, bob, Options{})
	h.chain.listing = &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(5), Active: true}
	h.chain.royaltyAmount = new(big.Int).Div(eth(5), big.NewInt(10))

	result, err := h.svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1), ExpectedPrice: eth(5)}, h.progress)
	require.NoError(t, err)
	assert.Equal(t, []State{StateIdle, StateCheckingListing, StateSubmittingPurchase, StateAwaitingConfirmation, StatePurchased}, result.Run.History)

	require.NotNil(t, result.Split)
	assert.True(t, result.Split.Balanced())
	assert.Equal(t, "50000000000000000", result.Split.RoyaltyAmount.String())
	assert.Equal(t, "12500000000000000", result.Split.PlatformFeeAmount.String())
	assert.Equal(t, "437500000000000000", result.Split.SellerNetAmount.String())
	assert.Len(t, h.earnings.recorded, 1)

	cached, err := h.cache.Get(context.Background(), nftAddr, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, cached.Active)

	require.Len(t, h.sink.records, 1)
	assert.Equal(t, result.Split, h.sink.records[0].Split)
}

func TestPurchase_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		listing  *models.Listing
		cached   *models.Listing
		req      *PurchaseRequest
		sentinel error
	}{
		{
			name:     "付款不足",
			listing:  &models.Listing{Seller: alice, Price: eth(5), Active: true},
			req:      &PurchaseRequest{TokenID: big.NewInt(1), Value: eth(4)},
			sentinel: errors.ErrInsufficientPayment,
		},
		{
			name:     "付款过多",
			listing:  &models.Listing{Seller: alice, Price: eth(5), Active: true},
			req:      &PurchaseRequest{TokenID: big.NewInt(1), Value: eth(6)},
			sentinel: errors.ErrOverPayment,
		},
		{
			name:     "展示价格已变化",
			listing:  &models.Listing{Seller: alice, Price: eth(6), Active: true},
			req:      &PurchaseRequest{TokenID: big.NewInt(1), ExpectedPrice: eth(5)},
			sentinel: errors.ErrListingPriceChanged,
		},
		{
			name:     "缓存价格已变化",
			listing:  &models.Listing{Seller: alice, Price: eth(6), Active: true},
			cached:   &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(5), Active: true},
			req:      &PurchaseRequest{TokenID: big.NewInt(1)},
			sentinel: errors.ErrListingPriceChanged,
		},
		{
			name:     "挂单无效",
			listing:  &models.Listing{Seller: alice, Price: eth(5)},
			req:      &PurchaseRequest{TokenID: big.NewInt(1)},
			sentinel: errors.ErrListingInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, bob, Options{})
			tt.listing.NFTContract = nftAddr
			tt.listing.TokenID = big.NewInt(1)
			h.chain.listing = tt.listing
			if tt.cached != nil {
				require.NoError(t, h.cache.Put(context.Background(), tt.cached))
			}

			result, err := h.svc.Purchase(context.Background(), tt.req, nil)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			assert.Equal(t, StateFailed, result.Run.State)
			assert.Empty(t, h.chain.sentMethods())
			assert.Empty(t, result.Run.TxHashes)

			entries, err := h.journal.List(nil)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPurchase_RetryAfterPriceChangeStillRefuses(t *testing.T) {
	h := newHarness(t, bob, Options{})
	h.chain.listing = &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(6), Active: true}
	require.NoError(t, h.cache.Put(context.Background(), &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(5), Active: true}))

	for i := 0; i < 2; i++ {
		_, err := h.svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1)}, nil)
		assert.True(t, errors.Is(err, errors.ErrListingPriceChanged), "attempt %d: got %v", i, err)
	}
	assert.Empty(t, h.chain.sentMethods())

	cached, err := h.cache.Get(context.Background(), nftAddr, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, eth(5).String(), cached.Price.String())

	// 用户确认新价格后可以购买
	_, err = h.svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1), ExpectedPrice: eth(6)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyNFT"}, h.chain.sentMethods())
}

func TestPurchase_RevertedReceiptKeepsReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{name: "带原因", reason: "Listing not active", want: "Listing not active"},
		{name: "无原因", want: "交易执行失败"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, bob, Options{})
			h.chain.listing = &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(5), Active: true}
			h.chain.onWait = func(ctx context.Context, hash common.Hash, outcome *models.TransactionOutcome) (*models.TransactionOutcome, error) {
				return &models.TransactionOutcome{Hash: hash, Status: models.TxReverted, RevertReason: tt.reason}, nil
			}

			result, err := h.svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1)}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrReverted), "got %v", err)
			reason, ok := errors.RevertReason(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, reason)
			assert.NotNil(t, errors.From(err).TxHash)
			assert.Equal(t, StateFailed, result.Run.State)
			assert.Empty(t, h.earnings.recorded)
		})
	}
}

func TestPurchase_PriceChangedCarriesBothPrices(t *testing.T) {
	h := newHarness(t, bob, Options{})
	h.chain.listing = &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(6), Active: true}

	_, err := h.svc.Purchase(context.Background(), &PurchaseRequest{TokenID: big.NewInt(1), ExpectedPrice: eth(5)}, nil)
	var me *errors.MarketError
	require.True(t, errors.As(err, &me))
	change, ok := me.Details.(errors.PriceChange)
	require.True(t, ok)
	assert.Equal(t, eth(5).String(), change.Old.String())
	assert.Equal(t, eth(6).String(), change.New.String())
	assert.NotContains(t, h.chain.calls, "buyNFT")
}

func TestQuote(t *testing.T) {
	h := newHarness(t, bob, Options{})
	h.chain.listing = &models.Listing{NFTContract: nftAddr, TokenID: big.NewInt(1), Seller: alice, Price: eth(10), Active: true}
	h.chain.royaltyAmount = eth(1)

	split, err := h.svc.Quote(context.Background(), nil, big.NewInt(1))
	require.NoError(t, err)
	assert.True(t, split.Balanced())
	assert.Equal(t, "25000000000000000", split.PlatformFeeAmount.String())
	assert.Equal(t, "875000000000000000", split.SellerNetAmount.String())

	h.chain.listing.Active = false
	_, err = h.svc.Quote(context.Background(), nil, big.NewInt(1))
	assert.True(t, errors.Is(err, errors.ErrListingInactive))
}
