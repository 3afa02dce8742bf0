package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"nftmarket/internal/cache"
	"nftmarket/internal/config"
	"nftmarket/internal/connection"
	"nftmarket/internal/earnings"
	"nftmarket/internal/errors"
	"nftmarket/internal/gateway"
	"nftmarket/internal/journal"
	"nftmarket/internal/logging"
	"nftmarket/internal/metrics"
	"nftmarket/internal/output"
	"nftmarket/internal/session"
	"nftmarket/internal/shutdown"
	"nftmarket/internal/storage"
	"nftmarket/internal/validation"
	"nftmarket/internal/wallet"
	"nftmarket/internal/workflow"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Options 组装参数，零值使用真实依赖
type Options struct {
	// Approver 签名确认，为空时自动同意
	Approver wallet.Approver
	// Dial RPC拨号器，为空时使用 ethclient
	Dial connection.Dialer
	// Storage 覆盖配置中的存储后端
	Storage storage.Backend
}

// App 组装好的市场客户端核心
type App struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Descriptor models.ChainDescriptor
	Warnings   []string

	Pool       *connection.Pool
	Gateway    *gateway.Gateway
	Wallets    *wallet.Registry
	Session    *session.Session
	Uploads    *storage.Service
	Journal    *journal.Journal
	Cache      *cache.ListingCache
	Sink       output.Sink
	Metrics    metrics.Recorder
	Prometheus *metrics.PrometheusRecorder // 未启用指标时为空
	Earnings   *earnings.Tracker
	Errors     *errors.ErrorHandler
	Validator  *validation.Validator
	Workflows  *workflow.Service

	closers []closer
}

type closer struct {
	name  string
	order int
	fn    func(ctx context.Context) error
}

// Bootstrap 加载配置并创建日志器
func Bootstrap(configPath string, verbose bool) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if cfg.Logging == nil {
		defaults := *logging.DefaultLogConfig
		cfg.Logging = &defaults
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// New 校验配置并按依赖顺序组装所有组件
// 任一RPC节点报告的链ID与配置不一致时返回 CHAIN_MISMATCH
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "配置无效")
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	descriptor, err := cfg.Chain.Descriptor()
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Descriptor: descriptor,
		Warnings:   warnings,
		Metrics:    metrics.NoopRecorder{},
		Errors:     errors.NewErrorHandler(logger),
	}
	if cfg.Metrics.Enabled {
		a.Prometheus = metrics.NewPrometheusRecorder(cfg.Metrics.Namespace)
		a.Metrics = a.Prometheus
	}
	a.Errors.AddCallback(func(e *errors.MarketError) {
		a.Metrics.ErrorRecorded(e.Kind.String(), e.Code)
	})

	if err := a.connect(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openStores(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	a.Earnings = earnings.NewTracker(a.Gateway, a.Journal, earnings.Options{StartBlock: cfg.Contracts.DeployBlock}, logger)
	a.Validator = validation.NewValidator(logger, cfg.Workflow.StrictValidation, cfg.Storage.MaxAssetSize)
	a.Workflows = workflow.New(workflow.Deps{
		Chain:     a.Gateway,
		Uploader:  a.Uploads,
		Identity:  a.Session,
		Validator: a.Validator,
		Journal:   a.Journal,
		Cache:     a.Cache,
		Earnings:  a.Earnings,
		Sink:      a.Sink,
		Metrics:   a.Metrics,
		Errors:    a.Errors,
	}, workflow.Options{
		ConfirmationTimeout: cfg.Workflow.ConfirmationTimeoutFor(descriptor),
		ApprovalMode:        cfg.Workflow.ApprovalMode,
	}, logger)

	logger.WithFields(logrus.Fields{
		"chain":     descriptor.DisplayName,
		"chain_id":  descriptor.ID,
		"cache":     cfg.Cache.Backend,
		"storage":   cfg.Storage.Backend,
		"output":    cfg.Output.Format,
		"connector": cfg.Wallet.DefaultConnector,
	}).Info("市场客户端已初始化")
	return a, nil
}

// connect 节点池、钱包会话和合约网关
func (a *App) connect(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Pool = connection.NewPool(a.Descriptor, opts.Dial, a.Logger)
	a.Pool.SetObserver(a.Metrics.RPCCall)
	a.onClose("rpc_pool", shutdown.OrderCloseRPC, func(context.Context) error { return a.Pool.Close() })
	if err := a.Pool.Initialize(ctx); err != nil {
		return err
	}
	a.Pool.Start()

	approver := opts.Approver
	if approver == nil {
		approver = wallet.AutoApprove
	}
	a.Wallets = wallet.NewRegistry(
		wallet.NewKeystoreConnector(wallet.KeystoreOptions{
			Dir:        cfg.Wallet.KeystoreDir,
			Account:    cfg.Wallet.Account,
			Passphrase: os.Getenv(cfg.Wallet.PassphraseEnv),
			ChainID:    a.Descriptor.ID,
			Approver:   approver,
		}, a.Logger),
		wallet.NewKeyConnector(cfg.Wallet.PrivateKeyEnv, a.Descriptor.ID, approver),
		wallet.NewWalletConnectConnector(cfg.Wallet.WalletConnectProjectID),
	)
	a.Session = session.New(a.Wallets, a.Pool, session.Options{
		Descriptor:      a.Descriptor,
		AutoSwitchChain: cfg.Wallet.AutoSwitchChain,
	}, a.Logger)
	a.onClose("wallet_session", shutdown.OrderDisconnectWallet, func(context.Context) error { return a.Session.Close() })

	nft, _ := cfg.Contracts.NFTAddress()
	market, _ := cfg.Contracts.MarketplaceAddress()
	a.Gateway = gateway.New(a.Pool, a.Session, gateway.Options{
		ChainID:      a.Descriptor.ID,
		NFT:          nft,
		Marketplace:  market,
		PollInterval: cfg.Workflow.PollEvery(),
	}, a.Logger)
	return nil
}

// openStores 上传服务、交易日志、挂单缓存和结果输出
func (a *App) openStores(ctx context.Context, opts Options) error {
	cfg := a.Config

	backend := opts.Storage
	if backend == nil {
		switch cfg.Storage.Backend {
		case "memory":
			backend = storage.NewMemoryBackend()
		default:
			backend = storage.NewHTTPBackend(cfg.Storage.Endpoint, cfg.Storage.Token,
				config.TimeoutOrDefault(cfg.Storage.Timeout, 60*time.Second))
		}
	}
	a.Uploads = storage.NewService(backend, cfg.Storage.MaxAssetSize, a.Logger)

	j, err := journal.Open(cfg.Journal.Path, a.Logger)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "打开交易日志失败")
	}
	a.Journal = j
	a.onClose("journal", shutdown.OrderCloseStores, func(context.Context) error { return a.Journal.Close() })

	store := cache.Open(ctx, cfg.Cache.Backend, cache.RedisOptions{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	}, a.Logger)
	a.Cache = cache.NewListingCache(store, config.TimeoutOrDefault(cfg.Cache.TTL, cache.DefaultTTL), a.Metrics, a.Logger)
	a.onClose("listing_cache", shutdown.OrderCloseStores, func(context.Context) error { return a.Cache.Close() })

	sink, err := output.NewSink(cfg.Output, a.Logger)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "创建结果输出失败")
	}
	a.Sink = sink
	a.onClose("outcome_sink", shutdown.OrderFlushSink, func(context.Context) error { return a.Sink.Close() })
	return nil
}

func (a *App) onClose(name string, order int, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, order: order, fn: fn})
}

// RegisterShutdown 把组件的关闭注册到停机管理器
func (a *App) RegisterShutdown(m *shutdown.Manager) {
	for _, c := range a.closers {
		m.Register(c.name, c.order, c.fn)
	}
}

// Close 不经过停机管理器直接按顺序关闭，CLI 单次命令使用
func (a *App) Close() error {
	m := shutdown.New(shutdown.DefaultTimeout, a.Logger)
	a.RegisterShutdown(m)
	return m.Shutdown()
}

// ConnectDefault 连接配置中的默认钱包
func (a *App) ConnectDefault(ctx context.Context, connectorID string) error {
	if connectorID == "" {
		connectorID = a.Config.Wallet.DefaultConnector
	}
	return a.Session.Connect(ctx, connectorID)
}

// SwitchAccount 切换 keystore 中的账户
// 会话收到账户变更后使进行中的租约失效
func (a *App) SwitchAccount(addr common.Address) error {
	state := a.Session.State()
	if state.Status != models.WalletConnected || state.Connector != wallet.KeystoreID {
		return errors.New(errors.CodeNoProviderFound, "只有已连接的 keystore 钱包支持切换账户")
	}
	c, err := a.Wallets.Get(wallet.KeystoreID)
	if err != nil {
		return err
	}
	ks, ok := c.(*wallet.KeystoreConnector)
	if !ok {
		return errors.New(errors.CodeNoProviderFound, "keystore 连接器不可用")
	}
	return ks.SelectAccount(addr)
}

// Stats 各组件统计信息
func (a *App) Stats() map[string]interface{} {
	errStats := a.Errors.GetStats()
	return map[string]interface{}{
		"rpc_pool":        a.Pool.GetStats(),
		"gateway":         a.Gateway.GetStats(),
		"journal":         a.Journal.GetStats(),
		"errors":          errStats,
		"errors_per_hour": errStats.GetErrorRate(time.Hour),
		"validation":      a.Validator.GetValidationStats(),
	}
}
