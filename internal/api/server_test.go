package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nftmarket/internal/chain"
	"nftmarket/internal/config"
	"nftmarket/internal/earnings"
	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/internal/metrics"
	"nftmarket/internal/session"
	"nftmarket/internal/wallet"
	"nftmarket/internal/workflow"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNFT     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCreator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type fakeWorkflows struct {
	mintReq     *models.MintRequest
	listReq     *workflow.ListRequest
	purchaseReq *workflow.PurchaseRequest
	err         error
	pending     []*models.JournalEntry
	rechecked   common.Hash
}

func (f *fakeWorkflows) Mint(ctx context.Context, req *models.MintRequest, progress workflow.Progress) (*workflow.MintResult, error) {
	f.mintReq = req
	run := &workflow.Run{Workflow: workflow.NameMint, State: workflow.StateMinted}
	if f.err != nil {
		run.State = workflow.StateFailed
		return &workflow.MintResult{Run: run}, f.err
	}
	return &workflow.MintResult{Run: run, TokenID: big.NewInt(7), TokenURI: "ipfs://meta"}, nil
}

func (f *fakeWorkflows) List(ctx context.Context, req *workflow.ListRequest, progress workflow.Progress) (*workflow.ListResult, error) {
	f.listReq = req
	return &workflow.ListResult{Run: &workflow.Run{State: workflow.StateListed}}, f.err
}

func (f *fakeWorkflows) Cancel(ctx context.Context, req *workflow.CancelRequest, progress workflow.Progress) (*workflow.CancelResult, error) {
	return &workflow.CancelResult{Run: &workflow.Run{State: workflow.StateCancelled}}, f.err
}

func (f *fakeWorkflows) Purchase(ctx context.Context, req *workflow.PurchaseRequest, progress workflow.Progress) (*workflow.PurchaseResult, error) {
	f.purchaseReq = req
	run := &workflow.Run{State: workflow.StatePurchased}
	if f.err != nil {
		run.State = workflow.StateFailed
	}
	return &workflow.PurchaseResult{Run: run}, f.err
}

func (f *fakeWorkflows) Quote(ctx context.Context, nft *common.Address, tokenID *big.Int) (*models.RoyaltySplit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.RoyaltySplit{
		SalePrice:         big.NewInt(1_000_000_000_000_000_000),
		RoyaltyAmount:     big.NewInt(100_000_000_000_000_000),
		PlatformFeeAmount: big.NewInt(25_000_000_000_000_000),
		SellerNetAmount:   big.NewInt(875_000_000_000_000_000),
	}, nil
}

func (f *fakeWorkflows) Recheck(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error) {
	f.rechecked = hash
	return &models.TransactionOutcome{Hash: hash, Status: models.TxConfirmed}, nil
}

func (f *fakeWorkflows) Pending() ([]*models.JournalEntry, error) {
	return f.pending, nil
}

type fakeWallet struct {
	connectErr error
	connected  string
	state      models.WalletState
}

func (f *fakeWallet) Connect(ctx context.Context, connectorID string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = connectorID
	f.state.Status = models.WalletConnected
	f.state.Connector = connectorID
	return nil
}

func (f *fakeWallet) Disconnect() { f.state = models.WalletState{} }

func (f *fakeWallet) State() models.WalletState { return f.state }

func (f *fakeWallet) CurrentBalance() (decimal.Decimal, bool) {
	if f.state.Balance == nil {
		return decimal.Zero, false
	}
	return *f.state.Balance, true
}

func (f *fakeWallet) RefreshBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString("1.25"), nil
}

func (f *fakeWallet) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event)
	close(ch)
	return ch, func() {}
}

type fakeListings struct{}

func (fakeListings) NFTContract() (common.Address, error) { return testNFT, nil }

func (fakeListings) GetListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error) {
	return &models.Listing{NFTContract: nft, TokenID: tokenID, Price: big.NewInt(500_000_000_000_000_000), Active: true}, nil
}

func (fakeListings) CollectionInfo(ctx context.Context) (string, string, error) {
	return "Market NFT", "MNFT", nil
}

func (fakeListings) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return big.NewInt(3), nil
}

type fakeEarnings struct{}

func (fakeEarnings) Sync(ctx context.Context, creator common.Address) (*earnings.SyncResult, error) {
	return &earnings.SyncResult{FromBlock: 1, ToBlock: 10, SalesSeen: 2, NewPayments: 1}, nil
}

func (fakeEarnings) Summary(creator common.Address) (*models.EarningsSummary, error) {
	return &models.EarningsSummary{Creator: creator, TotalRoyalty: big.NewInt(50_000_000_000_000_000), SalesCount: 1}, nil
}

type jsonBody = map[string]interface{}

type fakeStore struct {
	name, address string
}

func (f *fakeStore) UpdateContract(name, address string) error {
	f.name, f.address = name, address
	return nil
}

type fixture struct {
	server    *Server
	workflows *fakeWorkflows
	wallet    *fakeWallet
	logger    *logrus.Logger
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	logger := logging.Discard()
	f := &fixture{workflows: &fakeWorkflows{}, wallet: &fakeWallet{}, logger: logger}
	deps := Deps{
		Descriptor:        chain.LiskSepolia(),
		DefaultRoyaltyBps: models.DefaultRoyaltyBasisPoints,
		Workflows:         f.workflows,
		Wallet:            f.wallet,
		Connectors: func() []wallet.Info {
			return []wallet.Info{{ID: wallet.KeystoreID, Name: "Keystore", Available: true}}
		},
		Listings: fakeListings{},
		Earnings: fakeEarnings{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.server = NewServer(deps, logger, 0)
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, chain.LiskSepoliaID, body["chain_id"])
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{name: "success", body: jsonBody{"connector": wallet.KeystoreID}, wantStatus: http.StatusOK},
		{name: "missing connector", body: jsonBody{}, wantStatus: http.StatusBadRequest, wantCode: errors.CodeInvalidInput},
		{name: "no provider", err: errors.ErrNoProviderFound, body: jsonBody{"connector": wallet.WalletConnectID}, wantStatus: http.StatusNotFound, wantCode: errors.CodeNoProviderFound},
		{name: "user rejected", err: errors.ErrUserRejected, body: jsonBody{"connector": wallet.KeystoreID}, wantStatus: http.StatusForbidden, wantCode: errors.CodeUserRejected},
		{name: "unsupported chain", err: errors.ErrUnsupportedChain, body: jsonBody{"connector": wallet.KeystoreID}, wantStatus: http.StatusConflict, wantCode: errors.CodeUnsupportedChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.wallet.connectErr = tt.err

			w := f.do(http.MethodPost, "/api/v1/session/connect", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			body := decode(t, w)
			if tt.wantCode == "" {
				assert.Equal(t, "Connected", body["status"])
				assert.Equal(t, wallet.KeystoreID, f.wallet.connected)
				return
			}
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestRefreshBalance(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/v1/session/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "1.25", body["balance"])
	assert.Equal(t, "ETH", body["symbol"])
}

func TestGetBalance_Cached(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/session/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["known"])

	balance := decimal.RequireFromString("0.5")
	f.wallet.state.Balance = &balance
	w = f.do(http.MethodGet, "/api/v1/session/balance", nil)
	body := decode(t, w)
	assert.Equal(t, true, body["known"])
	assert.Equal(t, "0.5", body["balance"])
}

func TestSwitchAccount(t *testing.T) {
	account := "0x00000000000000000000000000000000000000c1"

	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(http.MethodPost, "/api/v1/session/account", jsonBody{"account": account})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, errors.CodeNoProviderFound, decode(t, w)["error"])
	})

	t.Run("invalid address", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(http.MethodPost, "/api/v1/session/account", jsonBody{"account": "0x12"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("accepted", func(t *testing.T) {
		var got common.Address
		f := newFixture(t, func(d *Deps) {
			d.SwitchAccount = func(addr common.Address) error {
				got = addr
				return nil
			}
		})
		w := f.do(http.MethodPost, "/api/v1/session/account", jsonBody{"account": account})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, common.HexToAddress(account), got)
	})
}

func TestGetCollection(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/collection", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Market NFT", body["name"])
	assert.Equal(t, "MNFT", body["symbol"])
	assert.NotContains(t, body, "balance")

	w = f.do(http.MethodGet, "/api/v1/collection?owner=0x00000000000000000000000000000000000000c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", decode(t, w)["balance"])

	account := common.HexToAddress("0xc2")
	f.wallet.state.Account = &account
	w = f.do(http.MethodGet, "/api/v1/collection", nil)
	body = decode(t, w)
	assert.Equal(t, account.Hex(), body["owner"])
	assert.Equal(t, "3", body["balance"])
}

func TestGetWallets(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/wallets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), wallet.KeystoreID)
}

func mintRequest(t *testing.T, fields map[string]string, asset []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if asset != nil {
		part, err := mw.CreateFormFile("asset", "art.png")
		require.NoError(t, err)
		_, err = part.Write(asset)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mint", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestMint(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")

	t.Run("default royalty", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, mintRequest(t, map[string]string{"title": "Sunset", "description": "Orange sky"}, png))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NotNil(t, f.workflows.mintReq)
		assert.Equal(t, "Sunset", f.workflows.mintReq.Title)
		assert.Equal(t, "art.png", f.workflows.mintReq.FileName)
		assert.Equal(t, png, f.workflows.mintReq.Asset)
		assert.Equal(t, int64(models.DefaultRoyaltyBasisPoints), f.workflows.mintReq.RoyaltyBasisPoints)
		assert.Contains(t, w.Body.String(), "ipfs://meta")
	})

	t.Run("explicit royalty", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, mintRequest(t, map[string]string{"title": "a", "description": "b", "royalty_bps": "250"}, png))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(250), f.workflows.mintReq.RoyaltyBasisPoints)
	})

	t.Run("bad royalty", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, mintRequest(t, map[string]string{"title": "a", "description": "b", "royalty_bps": "ten"}, png))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, errors.CodeRoyaltyOutOfRange, decode(t, w)["error"])
		assert.Nil(t, f.workflows.mintReq)
	})

	t.Run("missing asset", func(t *testing.T) {
		f := newFixture(t, nil)
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, mintRequest(t, map[string]string{"title": "a", "description": "b"}, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, errors.CodeInvalidInput, decode(t, w)["error"])
	})

	t.Run("workflow failure carries run", func(t *testing.T) {
		f := newFixture(t, nil)
		f.workflows.err = errors.ErrUploadFailed
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, mintRequest(t, map[string]string{"title": "a", "description": "b"}, png))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		body := decode(t, w)
		assert.Equal(t, errors.CodeUploadFailed, body["error"])
		result := body["result"].(map[string]interface{})
		assert.Equal(t, string(workflow.StateFailed), result["run"].(map[string]interface{})["state"])
	})
}

func TestList_ParsesPrice(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/v1/listings", jsonBody{"token_id": "12", "price": "0.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "12", f.workflows.listReq.TokenID.String())
	assert.Equal(t, "500000000000000000", f.workflows.listReq.Price.String())

	w = f.do(http.MethodPost, "/api/v1/listings", jsonBody{"token_id": "12", "price": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.CodeInvalidPrice, decode(t, w)["error"])

	w = f.do(http.MethodPost, "/api/v1/listings", jsonBody{"token_id": "-1", "price": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.CodeInvalidInput, decode(t, w)["error"])
}

func TestPurchase(t *testing.T) {
	t.Run("parses optional amounts", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(http.MethodPost, "/api/v1/purchase", jsonBody{
			"nft_contract":   testNFT.Hex(),
			"token_id":       "3",
			"expected_price": "0.5",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		req := f.workflows.purchaseReq
		require.NotNil(t, req.NFTContract)
		assert.Equal(t, testNFT, *req.NFTContract)
		assert.Equal(t, "500000000000000000", req.ExpectedPrice.String())
		assert.Nil(t, req.Value)
	})

	t.Run("bad address", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(http.MethodPost, "/api/v1/purchase", jsonBody{"nft_contract": "0x12", "token_id": "3"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Nil(t, f.workflows.purchaseReq)
	})

	t.Run("price changed carries both prices", func(t *testing.T) {
		f := newFixture(t, nil)
		f.workflows.err = errors.NewListingPriceChanged(big.NewInt(500), big.NewInt(700))
		w := f.do(http.MethodPost, "/api/v1/purchase", jsonBody{"token_id": "3"})

		assert.Equal(t, http.StatusConflict, w.Code)
		var body struct {
			Error   string             `json:"error"`
			Details errors.PriceChange `json:"details"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, errors.CodeListingPriceChanged, body.Error)
		assert.Equal(t, "500", body.Details.Old.String())
		assert.Equal(t, "700", body.Details.New.String())
	})

	t.Run("insufficient payment", func(t *testing.T) {
		f := newFixture(t, nil)
		f.workflows.err = errors.ErrInsufficientPayment
		w := f.do(http.MethodPost, "/api/v1/purchase", jsonBody{"token_id": "3", "value": "0.1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, errors.CodeInsufficientPayment, decode(t, w)["error"])
	})
}

func TestQuote(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/quote/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	display := decode(t, w)["display"].(map[string]interface{})
	assert.Equal(t, "1.0000 ETH", display["sale_price"])
	assert.Equal(t, "0.1000 ETH", display["royalty"])
	assert.Equal(t, "0.0250 ETH", display["platform_fee"])
	assert.Equal(t, "0.8750 ETH", display["seller_net"])

	f.workflows.err = errors.ErrListingInactive
	w = f.do(http.MethodGet, "/api/v1/quote/1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.CodeListingInactive, decode(t, w)["error"])
}

func TestGetListing_DefaultsToConfiguredContract(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/listings/5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "0.5000 ETH", body["price"])
	listing := body["listing"].(map[string]interface{})
	assert.Equal(t, strings.ToLower(testNFT.Hex()), strings.ToLower(listing["nft_contract"].(string)))
}

func TestRecheck(t *testing.T) {
	f := newFixture(t, nil)
	hash := common.HexToHash("0xabc")

	w := f.do(http.MethodPost, "/api/v1/transactions/"+hash.Hex()+"/recheck", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, hash, f.workflows.rechecked)

	w = f.do(http.MethodPost, "/api/v1/transactions/0x1234/recheck", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPending_EmptyList(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/transactions/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, []interface{}{}, body["transactions"])
	assert.EqualValues(t, 0, body["total"])
}

func TestEarnings(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/earnings/"+testCreator.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.0500 ETH", decode(t, w)["total"])

	w = f.do(http.MethodPost, "/api/v1/earnings/"+testCreator.Hex()+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sync := decode(t, w)["sync"].(map[string]interface{})
	assert.EqualValues(t, 1, sync["new_payments"])

	w = f.do(http.MethodGet, "/api/v1/earnings/nobody", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStats(t *testing.T) {
	f := newFixture(t, nil)
	f.wallet.connectErr = errors.ErrUserRejected
	f.do(http.MethodPost, "/api/v1/session/connect", jsonBody{"connector": wallet.KeystoreID})

	body := decode(t, f.do(http.MethodGet, "/api/v1/errors", nil))
	assert.Equal(t, float64(1), body["total_errors"])

	require.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/v1/errors", nil).Code)
	body = decode(t, f.do(http.MethodGet, "/api/v1/errors", nil))
	assert.Equal(t, float64(0), body["total_errors"])
}

func TestLogs(t *testing.T) {
	f := newFixture(t, nil)
	f.logger.SetLevel(logrus.DebugLevel)
	f.logger.WithFields(logrus.Fields{"component": "workflow", "run_id": "r1"}).Info("first")
	f.logger.WithFields(logrus.Fields{"component": "session"}).Warn("second")

	w := f.do(http.MethodGet, "/api/v1/logs?component=workflow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["total"])

	w = f.do(http.MethodGet, "/api/v1/logs?level=warning", nil)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = f.do(http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/api/v1/logs?component=workflow", nil)
	assert.EqualValues(t, 0, decode(t, w)["total"])
}

func TestUpdateContract(t *testing.T) {
	cfg := config.GetDefaultConfig()
	store := &fakeStore{}
	f := newFixture(t, func(d *Deps) {
		d.Config = NewConfigManager(cfg, store, logging.Discard())
	})

	w := f.do(http.MethodPut, "/api/v1/config/contracts/nft", jsonBody{"address": "0x00000000000000000000000000000000000000dd"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "nft", store.name)
	assert.Equal(t, common.HexToAddress("0xdd").Hex(), store.address)
	assert.Equal(t, true, decode(t, w)["restart"])

	w = f.do(http.MethodPut, "/api/v1/config/contracts/token", jsonBody{"address": "0x00000000000000000000000000000000000000dd"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/config/contracts/nft", jsonBody{"address": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateContract_ReadOnlyWithoutStore(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Config = NewConfigManager(config.GetDefaultConfig(), nil, logging.Discard())
	})
	w := f.do(http.MethodPut, "/api/v1/config/contracts/marketplace", jsonBody{"address": "0x00000000000000000000000000000000000000dd"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, errors.CodeConfigInvalid, decode(t, w)["error"])
}

func TestGetConfig_RedactsSecrets(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Storage.Token = "secret-token"
	cfg.Cache.RedisPassword = "hunter2"
	f := newFixture(t, func(d *Deps) {
		d.Config = NewConfigManager(cfg, nil, logging.Discard())
	})

	w := f.do(http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-token")
	assert.NotContains(t, w.Body.String(), "hunter2")
	assert.Equal(t, "secret-token", cfg.Storage.Token)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/metrics", nil).Code)

	recorder := metrics.NewPrometheusRecorder("apitest")
	recorder.RPCCall("http://127.0.0.1:8545", "eth_chainId", time.Millisecond, nil)
	f = newFixture(t, func(d *Deps) { d.Metrics = recorder.Handler() })
	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "apitest_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{errors.CodeTimeout, http.StatusGatewayTimeout},
		{errors.CodeAssetTooLarge, http.StatusBadRequest},
		{errors.CodeSessionLost, http.StatusConflict},
		{errors.CodeNotSeller, http.StatusConflict},
		{errors.CodeReverted, http.StatusBadGateway},
		{errors.CodeContractNotConfigured, http.StatusServiceUnavailable},
		{errors.CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(errors.From(errors.New(tt.code, "x"))))
		})
	}
}
