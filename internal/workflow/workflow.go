package workflow

import (
	"context"
	"math/big"
	"sync"
	"time"

	"nftmarket/internal/cache"
	"nftmarket/internal/errors"
	"nftmarket/internal/journal"
	"nftmarket/internal/logging"
	"nftmarket/internal/metrics"
	"nftmarket/internal/output"
	"nftmarket/internal/session"
	"nftmarket/internal/validation"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 工作流名称
const (
	NameMint     = "mint"
	NameList     = "list"
	NameCancel   = "cancel"
	NamePurchase = "purchase"
)

// 审批模式
const (
	ApprovalToken = "token"
	ApprovalAll   = "all"
)

// DefaultConfirmationTimeout 未配置时的确认超时
const DefaultConfirmationTimeout = 60 * time.Second

// Chain 工作流使用的合约操作，由 gateway.Gateway 实现
type Chain interface {
	NFTContract() (common.Address, error)
	MarketplaceContract() (common.Address, error)

	Mint(ctx context.Context, from, to common.Address, tokenURI string, royaltyBps int64) (common.Hash, error)
	Approve(ctx context.Context, from, operator common.Address, tokenID *big.Int) (common.Hash, error)
	SetApprovalForAll(ctx context.Context, from, operator common.Address, approved bool) (common.Hash, error)
	ListNFT(ctx context.Context, from, nft common.Address, tokenID, price *big.Int) (common.Hash, error)
	CancelListing(ctx context.Context, from, nft common.Address, tokenID *big.Int) (common.Hash, error)
	BuyNFT(ctx context.Context, from, nft common.Address, tokenID, valueSent *big.Int) (common.Hash, error)

	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	GetApproved(ctx context.Context, tokenID *big.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	GetListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error)
	RoyaltyInfo(ctx context.Context, tokenID, salePrice *big.Int) (common.Address, *big.Int, error)
	PlatformFee(ctx context.Context) (*big.Int, error)

	WaitForOutcome(ctx context.Context, hash common.Hash, timeout time.Duration) (*models.TransactionOutcome, error)
	Outcome(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error)
}

// Uploader 内容寻址上传，由 storage.Service 实现
type Uploader interface {
	Upload(ctx context.Context, data []byte, mediaType string) (string, error)
	UploadMetadata(ctx context.Context, meta models.AssetMetadata) (string, error)
}

// Identity 钱包身份来源，由 session.Session 实现
type Identity interface {
	Acquire() (*session.Lease, error)
}

// EarningsRecorder 记录已确认的成交
type EarningsRecorder interface {
	Record(ctx context.Context, ev *models.SoldEvent) (bool, error)
}

// Deps 工作流依赖，Journal 之后的字段可以为空
type Deps struct {
	Chain     Chain
	Uploader  Uploader
	Identity  Identity
	Validator *validation.Validator

	Journal  *journal.Journal
	Cache    *cache.ListingCache
	Earnings EarningsRecorder
	Sink     output.Sink
	Metrics  metrics.Recorder
	Errors   *errors.ErrorHandler
}

// Options 工作流参数
type Options struct {
	ConfirmationTimeout time.Duration
	ApprovalMode        string
}

// Service 铸造、挂单、取消和购买工作流
// 每次调用独立运行，工作流之间不互相调用
type Service struct {
	deps   Deps
	opts   Options
	logger *logrus.Logger
}

// New 创建工作流服务
func New(deps Deps, opts Options, logger *logrus.Logger) *Service {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = ApprovalToken
	}
	if deps.Sink == nil {
		deps.Sink = output.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator(logger, false, 0)
	}
	return &Service{deps: deps, opts: opts, logger: logger}
}

// Update 进度通知
type Update struct {
	RunID    string      `json:"run_id"`
	Workflow string      `json:"workflow"`
	State    State       `json:"state"`
	TxHash   common.Hash `json:"tx_hash,omitempty"`
}

// Progress 进度回调，会话失效后不再调用
type Progress func(Update)

// Run 一次工作流运行
type Run struct {
	ID         string         `json:"run_id"`
	Workflow   string         `json:"workflow"`
	Account    common.Address `json:"account"`
	State      State          `json:"state"`
	History    []State        `json:"history"`
	TxHashes   []common.Hash  `json:"tx_hashes,omitempty"`
	Detached   bool           `json:"detached,omitempty"`
	Err        error          `json:"-"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	mu       sync.Mutex
	lease    *session.Lease
	progress Progress
	logger   *logrus.Entry
}

// LastTxHash 最近一次提交的交易
func (r *Run) LastTxHash() (common.Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.TxHashes) == 0 {
		return common.Hash{}, false
	}
	return r.TxHashes[len(r.TxHashes)-1], true
}

func (r *Run) transition(state State) {
	r.mu.Lock()
	r.State = state
	r.History = append(r.History, state)
	if state.IsTerminal() {
		now := time.Now()
		r.FinishedAt = &now
	}
	var hash common.Hash
	if n := len(r.TxHashes); n > 0 {
		hash = r.TxHashes[n-1]
	}
	notify := r.progress != nil && !r.Detached && (r.lease == nil || r.lease.Err() == nil)
	r.mu.Unlock()

	r.logger.WithField("state", string(state)).Debug("状态变更")
	if notify {
		r.progress(Update{RunID: r.ID, Workflow: r.Workflow, State: state, TxHash: hash})
	}
}

func (r *Run) submitted(hash common.Hash) {
	r.mu.Lock()
	r.TxHashes = append(r.TxHashes, hash)
	r.mu.Unlock()
}

func (r *Run) detach() {
	r.mu.Lock()
	if !r.Detached {
		r.Detached = true
		r.logger.Warn("会话已失效，继续等待交易结果但不再推送进度")
	}
	r.mu.Unlock()
}

// begin 创建运行并获取钱包租约
func (s *Service) begin(name string, progress Progress) (*Run, error) {
	id := uuid.NewString()
	run := &Run{
		ID:        id,
		Workflow:  name,
		StartedAt: time.Now(),
		progress:  progress,
		logger:    logging.NewWorkflowLogger(s.logger, name, id),
	}
	run.transition(StateIdle)

	if s.deps.Identity == nil {
		return run, errors.New(errors.CodeSessionLost, "钱包未连接")
	}
	lease, err := s.deps.Identity.Acquire()
	if err != nil {
		return run, err
	}
	run.lease = lease
	run.Account = lease.Account
	run.logger = run.logger.WithField("account", lease.Account.Hex())
	return run, nil
}

// step 执行一个确认前的步骤，租约失效时以 SessionLost 结束
func (s *Service) step(ctx context.Context, run *Run, state State, fn func(ctx context.Context) error) error {
	run.transition(state)
	if err := run.lease.Err(); err != nil {
		return err
	}

	stepCtx, cancel := run.lease.Bind(ctx)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		if cause := run.lease.Err(); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// submit 提交交易并写入交易日志
func (s *Service) submit(ctx context.Context, run *Run, kind models.JournalKind, method string, entry models.JournalEntry, send func(ctx context.Context) (common.Hash, error)) (common.Hash, error) {
	hash, err := send(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	run.submitted(hash)
	s.deps.Metrics.TransactionSubmitted(method)
	logging.NewTransactionLogger(run.logger, method, hash.Hex()).Info("交易已提交，等待确认")

	if s.deps.Journal != nil {
		entry.TxHash = hash
		entry.Kind = kind
		entry.RunID = run.ID
		entry.Account = run.Account
		entry.Status = models.TxPending
		if err := s.deps.Journal.Record(&entry); err != nil {
			run.logger.WithError(err).Error("写入交易日志失败")
		}
	}
	return hash, nil
}

// await 等待交易结果
// 确认阶段只受调用方上下文和超时约束，会话失效不会取消等待
func (s *Service) await(ctx context.Context, run *Run, method string, hash common.Hash) (*models.TransactionOutcome, error) {
	start := time.Now()
	outcome, err := s.deps.Chain.WaitForOutcome(ctx, hash, s.opts.ConfirmationTimeout)
	if run.lease.Err() != nil {
		run.detach()
	}
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			s.resolve(run, hash, models.TxTimedOut, nil)
			s.deps.Metrics.TransactionResolved(method, models.TxTimedOut.String(), time.Since(start))
		}
		return nil, err
	}

	s.resolve(run, hash, outcome.Status, outcome.BlockNumber)
	s.deps.Metrics.TransactionResolved(method, outcome.Status.String(), time.Since(start))
	if outcome.Status == models.TxReverted {
		reason := outcome.RevertReason
		if reason == "" {
			reason = "交易执行失败"
		}
		return outcome, errors.NewReverted(reason).WithTxHash(hash.Hex())
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.ApplyAll(ctx, outcome); err != nil {
			run.logger.WithError(err).Warn("更新挂单缓存失败")
		}
	}
	return outcome, nil
}

func (s *Service) resolve(run *Run, hash common.Hash, status models.TxStatus, block *uint64) {
	if s.deps.Journal == nil {
		return
	}
	if _, err := s.deps.Journal.Resolve(hash, status, block); err != nil {
		run.logger.WithError(err).Warn("更新交易日志失败")
	}
}

// finish 进入终态，发布结果记录
func (s *Service) finish(run *Run, state State, err error, fill func(*models.WorkflowRecord)) {
	// 已提交的交易等待超时不算失败，交易仍可能上链
	if _, submitted := run.LastTxHash(); submitted && state == StateFailed && errors.Is(err, errors.ErrTimeout) {
		state = StateTimedOut
	}
	run.Err = err
	run.transition(state)

	record := &models.WorkflowRecord{
		RunID:     run.ID,
		Workflow:  run.Workflow,
		State:     string(state),
		Detached:  run.Detached,
		Timestamp: time.Now(),
	}
	if run.lease != nil {
		record.Account = run.Account.Hex()
	}
	if hash, ok := run.LastTxHash(); ok {
		record.TxHash = hash.Hex()
	}
	if err != nil {
		record.ErrorCode = errors.CodeOf(err)
		record.Error = err.Error()
	}
	if fill != nil {
		fill(record)
	}

	duration := time.Since(run.StartedAt)
	s.deps.Metrics.WorkflowFinished(run.Workflow, string(state), duration)
	if err := s.deps.Sink.WriteRecord(record); err != nil {
		run.logger.WithError(err).Warn("输出工作流结果失败")
	}

	logger := run.logger.WithFields(logrus.Fields{"state": string(state), "duration": duration.String()})
	if err != nil {
		if s.deps.Errors != nil {
			s.deps.Errors.HandleError(context.Background(), err)
		}
		logger.WithField("error_code", record.ErrorCode).Warnf("工作流结束: %v", err)
		return
	}
	logger.Info("工作流完成")
}
