package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"nftmarket/internal/app"
	"nftmarket/internal/earnings"
	"nftmarket/internal/errors"
	"nftmarket/internal/session"
	"nftmarket/internal/wallet"
	"nftmarket/internal/workflow"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Workflows 工作流入口，由 workflow.Service 实现
type Workflows interface {
	Mint(ctx context.Context, req *models.MintRequest, progress workflow.Progress) (*workflow.MintResult, error)
	List(ctx context.Context, req *workflow.ListRequest, progress workflow.Progress) (*workflow.ListResult, error)
	Cancel(ctx context.Context, req *workflow.CancelRequest, progress workflow.Progress) (*workflow.CancelResult, error)
	Purchase(ctx context.Context, req *workflow.PurchaseRequest, progress workflow.Progress) (*workflow.PurchaseResult, error)
	Quote(ctx context.Context, nft *common.Address, tokenID *big.Int) (*models.RoyaltySplit, error)
	Recheck(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error)
	Pending() ([]*models.JournalEntry, error)
}

// Wallet 钱包会话，由 session.Session 实现
type Wallet interface {
	Connect(ctx context.Context, connectorID string) error
	Disconnect()
	State() models.WalletState
	CurrentBalance() (decimal.Decimal, bool)
	RefreshBalance(ctx context.Context) (decimal.Decimal, error)
	Subscribe() (<-chan session.Event, func())
}

// Listings 链上挂单查询，由 gateway.Gateway 实现
type Listings interface {
	NFTContract() (common.Address, error)
	GetListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error)
	CollectionInfo(ctx context.Context) (string, string, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Earnings 版税收入，由 earnings.Tracker 实现
type Earnings interface {
	Sync(ctx context.Context, creator common.Address) (*earnings.SyncResult, error)
	Summary(creator common.Address) (*models.EarningsSummary, error)
}

// Deps 服务依赖
type Deps struct {
	Descriptor        models.ChainDescriptor
	DefaultRoyaltyBps int64
	Workflows         Workflows
	Wallet            Wallet
	Connectors        func() []wallet.Info
	SwitchAccount     func(common.Address) error // 为空时不支持切换账户
	Listings          Listings
	Earnings          Earnings
	Errors            *errors.ErrorHandler
	Stats             func() map[string]interface{}
	Metrics           http.Handler // 为空时不暴露 /metrics
	Config            *ConfigManager
}

// DepsFromApp 从组装好的应用取依赖
func DepsFromApp(a *app.App, contracts ContractStore) Deps {
	deps := Deps{
		Descriptor:        a.Descriptor,
		DefaultRoyaltyBps: a.Config.Workflow.DefaultRoyaltyBps,
		Workflows:         a.Workflows,
		Wallet:            a.Session,
		Connectors:        a.Wallets.List,
		SwitchAccount:     a.SwitchAccount,
		Listings:          a.Gateway,
		Earnings:          a.Earnings,
		Errors:            a.Errors,
		Stats:             a.Stats,
		Config:            NewConfigManager(a.Config, contracts, a.Logger),
	}
	if a.Prometheus != nil {
		deps.Metrics = a.Prometheus.Handler()
	}
	return deps
}

// Server 供界面层调用的HTTP服务
type Server struct {
	deps    Deps
	logger  *logrus.Logger
	logs    *LogBuffer
	router  *gin.Engine
	server  *http.Server
	port    int
	started time.Time
}

// NewServer 创建HTTP服务并挂载日志缓冲
func NewServer(deps Deps, logger *logrus.Logger, port int) *Server {
	logs := NewLogBuffer(1000)
	logger.AddHook(NewLogHook(logs))

	if deps.Config == nil {
		deps.Config = NewConfigManager(nil, nil, logger)
	}
	if deps.Errors == nil {
		deps.Errors = errors.NewErrorHandler(logger)
	}

	s := &Server{
		deps:    deps,
		logger:  logger,
		logs:    logs,
		port:    port,
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler 路由，测试中直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动HTTP服务，阻塞直到关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止接收新请求，等待进行中的请求结束
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/chain", s.getChain)
		api.GET("/stats", s.getStats)
		api.GET("/errors", s.getErrors)
		api.DELETE("/errors", s.clearErrors)
		api.GET("/config", s.deps.Config.GetConfig)
		api.PUT("/config/contracts/:name", s.deps.Config.UpdateContract)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		api.GET("/wallets", s.getWallets)
		api.GET("/session", s.getSession)
		api.POST("/session/connect", s.connect)
		api.POST("/session/disconnect", s.disconnect)
		api.GET("/session/balance", s.getBalance)
		api.POST("/session/balance", s.refreshBalance)
		api.POST("/session/account", s.switchAccount)
		api.GET("/session/events", s.sessionEvents)

		api.POST("/mint", s.mint)
		api.GET("/collection", s.getCollection)
		api.GET("/listings/:tokenId", s.getListing)
		api.POST("/listings", s.list)
		api.POST("/listings/cancel", s.cancel)
		api.GET("/quote/:tokenId", s.quote)
		api.POST("/purchase", s.purchase)

		api.GET("/transactions/pending", s.pending)
		api.POST("/transactions/:hash/recheck", s.recheck)

		api.GET("/earnings/:creator", s.getEarnings)
		api.POST("/earnings/:creator/sync", s.syncEarnings)
	}
	return router
}

// requestLogger 请求日志走 logrus，会进入日志缓冲
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Debug("请求完成")
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "nftmarket-api",
		"chain_id":  s.deps.Descriptor.ID,
	})
}

func (s *Server) getChain(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Descriptor)
}

func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{"uptime": time.Since(s.started).String()}
	if s.deps.Stats != nil {
		for k, v := range s.deps.Stats() {
			stats[k] = v
		}
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getErrors(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Errors.GetStats())
}

func (s *Server) clearErrors(c *gin.Context) {
	s.deps.Errors.ClearStats()
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清空"})
}

// getLogs 分页查询最近日志
func (s *Server) getLogs(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "pageSize", 20)
	q := LogQuery{
		Level:     c.Query("level"),
		Component: c.Query("component"),
		RunID:     c.Query("run_id"),
	}

	logs, total := s.logs.Query(q, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logs.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// statusFor 错误码到HTTP状态
func statusFor(me *errors.MarketError) int {
	switch me.Code {
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeInsufficientPayment, errors.CodeOverPayment:
		return http.StatusBadRequest
	case errors.CodeUserRejected:
		return http.StatusForbidden
	case errors.CodeNoProviderFound:
		return http.StatusNotFound
	}
	switch me.Kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindSession, errors.KindConsistency:
		return http.StatusConflict
	case errors.KindUpload, errors.KindContract:
		return http.StatusBadGateway
	case errors.KindConfig:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 错误响应，result 为工作流运行结果时一并返回
func (s *Server) respondError(c *gin.Context, err error, result interface{}) {
	me := errors.From(err)
	body := gin.H{
		"error":   me.Code,
		"message": me.Message,
	}
	if me.TxHash != nil {
		body["tx_hash"] = *me.TxHash
	}
	if me.Details != nil {
		body["details"] = me.Details
	}
	if result != nil {
		body["result"] = result
	}
	c.JSON(statusFor(me), body)
}

// fail 非工作流错误，计入错误统计
func (s *Server) fail(c *gin.Context, err error) {
	s.respondError(c, s.deps.Errors.HandleError(c.Request.Context(), err), nil)
}

// badRequest 请求参数错误
func (s *Server) badRequest(c *gin.Context, err error) {
	if _, ok := err.(*errors.MarketError); !ok {
		err = errors.New(errors.CodeInvalidInput, "请求参数错误: "+err.Error())
	}
	s.respondError(c, err, nil)
}
