package api

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"nftmarket/internal/chain"
	"nftmarket/internal/errors"
	"nftmarket/internal/workflow"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

// ==================== 钱包会话 ====================

func (s *Server) getWallets(c *gin.Context) {
	var wallets interface{} = []interface{}{}
	if s.deps.Connectors != nil {
		wallets = s.deps.Connectors()
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Wallet.State())
}

func (s *Server) connect(c *gin.Context) {
	var req struct {
		Connector string `json:"connector" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.deps.Wallet.Connect(c.Request.Context(), req.Connector); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Wallet.State())
}

func (s *Server) disconnect(c *gin.Context) {
	s.deps.Wallet.Disconnect()
	c.JSON(http.StatusOK, s.deps.Wallet.State())
}

// getBalance 最近一次读取的余额，不访问节点
func (s *Server) getBalance(c *gin.Context) {
	balance, ok := s.deps.Wallet.CurrentBalance()
	c.JSON(http.StatusOK, gin.H{
		"balance": balance.String(),
		"known":   ok,
		"symbol":  s.deps.Descriptor.NativeCurrency.Symbol,
	})
}

func (s *Server) refreshBalance(c *gin.Context) {
	balance, err := s.deps.Wallet.RefreshBalance(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": balance.String(),
		"symbol":  s.deps.Descriptor.NativeCurrency.Symbol,
	})
}

func (s *Server) switchAccount(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	addr, err := parseAddress(req.Account)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if s.deps.SwitchAccount == nil {
		s.fail(c, errors.New(errors.CodeNoProviderFound, "当前钱包不支持切换账户"))
		return
	}
	if err := s.deps.SwitchAccount(*addr); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"account": addr.Hex()})
}

// sessionEvents 以 SSE 推送会话通知，先推送一次当前状态
func (s *Server) sessionEvents(c *gin.Context) {
	events, cancel := s.deps.Wallet.Subscribe()
	defer cancel()

	c.SSEvent("StateChanged", s.deps.Wallet.State())
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind.String(), ev.State)
			return true
		}
	})
}

// ==================== 工作流 ====================

// workflowContext 客户端断开不取消工作流，确认阶段的记账需要完成
func workflowContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// mint multipart 表单: asset 文件、title、description、royalty_bps
func (s *Server) mint(c *gin.Context) {
	file, header, err := c.Request.FormFile("asset")
	if err != nil {
		s.badRequest(c, err)
		return
	}
	defer file.Close()

	// 多读一个字节，超限由校验步骤报告
	data, err := io.ReadAll(io.LimitReader(file, models.MaxAssetSize+1))
	if err != nil {
		s.badRequest(c, err)
		return
	}

	royalty := s.deps.DefaultRoyaltyBps
	if raw := c.PostForm("royalty_bps"); raw != "" {
		if royalty, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.badRequest(c, errors.New(errors.CodeRoyaltyOutOfRange, "无效的版税: "+raw))
			return
		}
	}

	req := &models.MintRequest{
		Asset:              data,
		FileName:           header.Filename,
		Title:              c.PostForm("title"),
		Description:        c.PostForm("description"),
		RoyaltyBasisPoints: royalty,
	}
	result, err := s.deps.Workflows.Mint(workflowContext(c), req, nil)
	if err != nil {
		s.respondError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getCollection 合集信息，owner 缺省时取已连接账户
func (s *Server) getCollection(c *gin.Context) {
	ctx := c.Request.Context()
	nft, err := s.deps.Listings.NFTContract()
	if err != nil {
		s.fail(c, err)
		return
	}
	name, symbol, err := s.deps.Listings.CollectionInfo(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{"contract": nft.Hex(), "name": name, "symbol": symbol}

	owner, err := parseAddress(c.Query("owner"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if owner == nil {
		owner = s.deps.Wallet.State().Account
	}
	if owner != nil {
		balance, err := s.deps.Listings.BalanceOf(ctx, *owner)
		if err != nil {
			s.fail(c, err)
			return
		}
		body["owner"] = owner.Hex()
		body["balance"] = balance.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getListing(c *gin.Context) {
	tokenID, err := parseTokenID(c.Param("tokenId"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	nft, err := parseAddress(c.Query("nft"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if nft == nil {
		addr, err := s.deps.Listings.NFTContract()
		if err != nil {
			s.fail(c, err)
			return
		}
		nft = &addr
	}

	listing, err := s.deps.Listings.GetListing(c.Request.Context(), *nft, tokenID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listing": listing,
		"price":   chain.FormatAmount(s.deps.Descriptor, listing.Price),
	})
}

// list 价格以原生货币为单位，如 "0.5"
func (s *Server) list(c *gin.Context) {
	var body struct {
		TokenID string `json:"token_id" binding:"required"`
		Price   string `json:"price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	tokenID, err := parseTokenID(body.TokenID)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	price, err := chain.ParseAmount(s.deps.Descriptor, body.Price)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.deps.Workflows.List(workflowContext(c), &workflow.ListRequest{TokenID: tokenID, Price: price}, nil)
	if err != nil {
		s.respondError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cancel(c *gin.Context) {
	var body struct {
		NFTContract string `json:"nft_contract"`
		TokenID     string `json:"token_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	tokenID, err := parseTokenID(body.TokenID)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	nft, err := parseAddress(body.NFTContract)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.deps.Workflows.Cancel(workflowContext(c), &workflow.CancelRequest{NFTContract: nft, TokenID: tokenID}, nil)
	if err != nil {
		s.respondError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) quote(c *gin.Context) {
	tokenID, err := parseTokenID(c.Param("tokenId"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	nft, err := parseAddress(c.Query("nft"))
	if err != nil {
		s.badRequest(c, err)
		return
	}

	split, err := s.deps.Workflows.Quote(c.Request.Context(), nft, tokenID)
	if err != nil {
		s.fail(c, err)
		return
	}
	d := s.deps.Descriptor
	c.JSON(http.StatusOK, gin.H{
		"split": split,
		"display": gin.H{
			"sale_price":   chain.FormatAmount(d, split.SalePrice),
			"royalty":      chain.FormatAmount(d, split.RoyaltyAmount),
			"platform_fee": chain.FormatAmount(d, split.PlatformFeeAmount),
			"seller_net":   chain.FormatAmount(d, split.SellerNetAmount),
		},
	})
}

// purchase expected_price 为界面展示的价格，value 为空时按链上价格付款
func (s *Server) purchase(c *gin.Context) {
	var body struct {
		NFTContract   string `json:"nft_contract"`
		TokenID       string `json:"token_id" binding:"required"`
		ExpectedPrice string `json:"expected_price"`
		Value         string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	req := &workflow.PurchaseRequest{}
	var err error
	if req.TokenID, err = parseTokenID(body.TokenID); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.NFTContract, err = parseAddress(body.NFTContract); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.ExpectedPrice, err = s.parseOptionalAmount(body.ExpectedPrice); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Value, err = s.parseOptionalAmount(body.Value); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.deps.Workflows.Purchase(workflowContext(c), req, nil)
	if err != nil {
		s.respondError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ==================== 交易与收入 ====================

func (s *Server) pending(c *gin.Context) {
	entries, err := s.deps.Workflows.Pending()
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*models.JournalEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries, "total": len(entries)})
}

func (s *Server) recheck(c *gin.Context) {
	raw, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(raw) != common.HashLength {
		s.badRequest(c, errors.New(errors.CodeInvalidInput, "无效的交易哈希: "+c.Param("hash")))
		return
	}

	outcome, err := s.deps.Workflows.Recheck(c.Request.Context(), common.BytesToHash(raw))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) getEarnings(c *gin.Context) {
	creator, err := parseAddress(c.Param("creator"))
	if err != nil || creator == nil {
		s.badRequest(c, errors.New(errors.CodeInvalidInput, "无效的创作者地址"))
		return
	}
	summary, err := s.deps.Earnings.Summary(*creator)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"total":   chain.FormatAmount(s.deps.Descriptor, summary.TotalRoyalty),
	})
}

func (s *Server) syncEarnings(c *gin.Context) {
	creator, err := parseAddress(c.Param("creator"))
	if err != nil || creator == nil {
		s.badRequest(c, errors.New(errors.CodeInvalidInput, "无效的创作者地址"))
		return
	}
	result, err := s.deps.Earnings.Sync(c.Request.Context(), *creator)
	if err != nil {
		s.fail(c, err)
		return
	}
	summary, err := s.deps.Earnings.Summary(*creator)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync": result, "summary": summary})
}

// ==================== 参数解析 ====================

func parseTokenID(raw string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || id.Sign() < 0 {
		return nil, errors.New(errors.CodeInvalidInput, "无效的 tokenId: "+raw)
	}
	return id, nil
}

// parseAddress 空字符串返回 nil
func parseAddress(raw string) (*common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, errors.New(errors.CodeInvalidInput, "无效的地址: "+raw)
	}
	addr := common.HexToAddress(raw)
	return &addr, nil
}

func (s *Server) parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return chain.ParseAmount(s.deps.Descriptor, strings.TrimSpace(raw))
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v > 0 {
		return v
	}
	return def
}
