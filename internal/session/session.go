package session

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"nftmarket/internal/chain"
	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/internal/wallet"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// EventKind 会话通知类型
type EventKind int

const (
	StateChanged EventKind = iota
	AccountChanged
	ChainChanged
	Disconnected
)

var eventKindNames = map[EventKind]string{
	StateChanged:   "StateChanged",
	AccountChanged: "AccountChanged",
	ChainChanged:   "ChainChanged",
	Disconnected:   "Disconnected",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Event 会话通知，State 为发送时的状态副本
type Event struct {
	Kind  EventKind
	State models.WalletState
}

// BalanceReader 余额查询
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Options 会话参数
type Options struct {
	Descriptor       models.ChainDescriptor
	AutoSwitchChain  bool
	SubscriberBuffer int
}

// Session 钱包会话，唯一可以修改 WalletState 的组件
type Session struct {
	registry   *wallet.Registry
	balances   BalanceReader
	descriptor models.ChainDescriptor
	autoSwitch bool
	logger     *logrus.Entry

	mu          sync.RWMutex
	state       models.WalletState
	connector   wallet.Connector
	leaseCtx    context.Context
	leaseCancel context.CancelCauseFunc
	pumpStop    chan struct{}

	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSub   int
	subBuffer int

	group singleflight.Group
}

// New 创建钱包会话
func New(registry *wallet.Registry, balances BalanceReader, opts Options, logger *logrus.Logger) *Session {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Session{
		registry:   registry,
		balances:   balances,
		descriptor: opts.Descriptor,
		autoSwitch: opts.AutoSwitchChain,
		logger:     logging.NewComponentLogger(logger, "session"),
		state:      models.WalletState{Status: models.WalletDisconnected},
		subs:       make(map[int]chan Event),
		subBuffer:  buffer,
	}
}

// Connect 连接钱包: Disconnected -> Connecting -> Connected | Error
func (s *Session) Connect(ctx context.Context, connectorID string) error {
	s.Disconnect()

	s.update(func(st *models.WalletState) {
		*st = models.WalletState{Status: models.WalletConnecting, Connector: connectorID}
	}, StateChanged)

	c, err := s.registry.Get(connectorID)
	if err != nil {
		return s.fail(err)
	}
	// 拿到连接器之后的失败都要关闭它
	abort := func(err error) error {
		if cerr := c.Close(); cerr != nil {
			s.logger.WithError(cerr).Warn("关闭钱包连接器失败")
		}
		return s.fail(err)
	}

	accounts, err := c.RequestAccounts(ctx)
	if err != nil {
		return abort(err)
	}
	if len(accounts) == 0 {
		return abort(errors.New(errors.CodeUserRejected, "钱包没有授权任何账户"))
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return abort(errors.Wrap(err, errors.CodeUnsupportedChain, "无法获取钱包所在链"))
	}
	if chainID != s.descriptor.ID {
		if !s.autoSwitch {
			return abort(s.unsupportedChain(chainID))
		}
		s.logger.Infof("钱包位于链 %d，请求切换到 %d", chainID, s.descriptor.ID)
		if err := c.SwitchChain(ctx, s.descriptor.ID); err != nil {
			return abort(errors.Wrap(err, errors.CodeUnsupportedChain, "切换链失败"))
		}
		if chainID, err = c.ChainID(ctx); err != nil || chainID != s.descriptor.ID {
			return abort(s.unsupportedChain(chainID))
		}
	}

	account := accounts[0]
	leaseCtx, leaseCancel := context.WithCancelCause(context.Background())
	stop := make(chan struct{})

	s.mu.Lock()
	s.connector = c
	s.leaseCtx, s.leaseCancel = leaseCtx, leaseCancel
	s.pumpStop = stop
	s.mu.Unlock()

	s.update(func(st *models.WalletState) {
		*st = models.WalletState{
			Status:    models.WalletConnected,
			Account:   &account,
			ChainID:   &chainID,
			Connector: connectorID,
		}
	}, StateChanged)

	go s.pump(c, c.Events(), stop)

	s.logger.WithFields(logrus.Fields{"account": account.Hex(), "connector": connectorID}).Info("钱包已连接")

	if _, err := s.RefreshBalance(ctx); err != nil {
		s.logger.Warnf("读取余额失败: %v", err)
	}
	return nil
}

func (s *Session) unsupportedChain(chainID uint64) error {
	return errors.New(errors.CodeUnsupportedChain,
		fmt.Sprintf("钱包位于链 %d，需要 %s (%d)", chainID, s.descriptor.DisplayName, s.descriptor.ID))
}

// fail 进入 Error 状态
func (s *Session) fail(err error) error {
	s.update(func(st *models.WalletState) {
		st.Status = models.WalletError
		st.Account = nil
		st.ChainID = nil
		st.Balance = nil
		st.Err = err.Error()
	}, StateChanged)
	s.logger.Warnf("连接钱包失败: %v", err)
	return err
}

// Disconnect 断开连接，总是成功，所有租约以 SessionLost 失效
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.connector
	wasActive := c != nil || s.state.Status != models.WalletDisconnected
	s.invalidateLocked("钱包已断开")
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	s.connector = nil
	s.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			s.logger.Warnf("关闭连接器失败: %v", err)
		}
	}
	if !wasActive {
		return
	}

	s.update(func(st *models.WalletState) {
		*st = models.WalletState{Status: models.WalletDisconnected}
	}, Disconnected, StateChanged)
	s.logger.Info("钱包已断开")
}

// invalidateLocked 使当前租约失效，需要持有写锁
func (s *Session) invalidateLocked(reason string) {
	if s.leaseCancel != nil {
		s.leaseCancel(errors.New(errors.CodeSessionLost, reason))
		s.leaseCancel = nil
		s.leaseCtx = nil
	}
}

// pump 处理钱包提供者事件，每个连接一个
func (s *Session) pump(c wallet.Connector, events <-chan wallet.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				if s.isCurrent(c) {
					s.Disconnect()
				}
				return
			}
			if !s.isCurrent(c) {
				return
			}
			s.handleProviderEvent(ev)
		}
	}
}

func (s *Session) isCurrent(c wallet.Connector) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connector == c
}

func (s *Session) handleProviderEvent(ev wallet.Event) {
	switch ev.Kind {
	case wallet.EventDisconnect:
		s.Disconnect()

	case wallet.EventAccountsChanged:
		if len(ev.Accounts) == 0 {
			s.Disconnect()
			return
		}
		account := ev.Accounts[0]
		s.mu.Lock()
		if s.state.Account != nil && *s.state.Account == account {
			s.mu.Unlock()
			return
		}
		s.invalidateLocked("钱包账户已变更")
		if s.state.Status == models.WalletConnected {
			s.leaseCtx, s.leaseCancel = context.WithCancelCause(context.Background())
		}
		s.mu.Unlock()

		s.update(func(st *models.WalletState) {
			st.Account = &account
			st.Balance = nil
		}, AccountChanged, StateChanged)
		s.logger.WithField("account", account.Hex()).Warn("钱包账户已变更")

	case wallet.EventChainChanged:
		chainID := ev.ChainID
		s.mu.Lock()
		if s.state.ChainID != nil && *s.state.ChainID == chainID {
			s.mu.Unlock()
			return
		}
		s.invalidateLocked("钱包所在链已变更")
		onTarget := chainID == s.descriptor.ID
		if onTarget {
			s.leaseCtx, s.leaseCancel = context.WithCancelCause(context.Background())
		}
		s.mu.Unlock()

		s.update(func(st *models.WalletState) {
			st.ChainID = &chainID
			st.Balance = nil
			if onTarget {
				st.Status = models.WalletConnected
				st.Err = ""
			} else {
				st.Status = models.WalletError
				st.Err = s.unsupportedChain(chainID).Error()
			}
		}, ChainChanged, StateChanged)
		if !onTarget {
			s.logger.Warnf("钱包切换到了不支持的链 %d", chainID)
		}
	}
}

// update 修改状态并按顺序通知订阅者
func (s *Session) update(fn func(st *models.WalletState), kinds ...EventKind) models.WalletState {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state.Clone()
	s.mu.Unlock()

	for _, kind := range kinds {
		s.publish(Event{Kind: kind, State: snapshot})
	}
	return snapshot
}

// State 当前状态副本
func (s *Session) State() models.WalletState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// CurrentAccount 当前账户
func (s *Session) CurrentAccount() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Status != models.WalletConnected || s.state.Account == nil {
		return common.Address{}, false
	}
	return *s.state.Account, true
}

// CurrentBalance 最近一次读取的余额，可能落后于最新区块
func (s *Session) CurrentBalance() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Balance == nil {
		return decimal.Zero, false
	}
	return *s.state.Balance, true
}

// RefreshBalance 调用方主动刷新余额，并发调用共享一次RPC读取
func (s *Session) RefreshBalance(ctx context.Context) (decimal.Decimal, error) {
	account, ok := s.CurrentAccount()
	if !ok {
		return decimal.Zero, errors.New(errors.CodeSessionLost, "钱包未连接")
	}
	if s.balances == nil {
		return decimal.Zero, errors.New(errors.CodeNetworkUnreachable, "没有可用的余额查询")
	}

	v, err, _ := s.group.Do(account.Hex(), func() (interface{}, error) {
		wei, err := s.balances.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, err
		}
		return chain.ToDecimal(s.descriptor, wei), nil
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, errors.CodeNetworkUnreachable, "读取余额失败")
	}
	balance := v.(decimal.Decimal)

	s.mu.RLock()
	same := s.state.Account != nil && *s.state.Account == account
	s.mu.RUnlock()
	if same {
		s.update(func(st *models.WalletState) {
			if st.Account != nil && *st.Account == account {
				st.Balance = &balance
			}
		}, StateChanged)
	}
	return balance, nil
}

// Acquire 获取租约，未连接或链不匹配时返回 SessionLost
func (s *Session) Acquire() (*Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Status != models.WalletConnected || s.state.Account == nil || s.leaseCtx == nil {
		return nil, errors.New(errors.CodeSessionLost, "钱包未连接")
	}
	if s.state.ChainID == nil || *s.state.ChainID != s.descriptor.ID {
		return nil, errors.New(errors.CodeSessionLost, "钱包不在目标链上")
	}
	return NewLease(s.leaseCtx, *s.state.Account, *s.state.ChainID), nil
}

// SignTransaction 交给当前连接器签名，from 必须仍是当前账户
func (s *Session) SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	s.mu.RLock()
	c := s.connector
	connected := s.state.Status == models.WalletConnected && s.state.Account != nil && *s.state.Account == from
	s.mu.RUnlock()
	if c == nil || !connected {
		return nil, errors.New(errors.CodeSessionLost, "签名账户不是当前账户")
	}
	return c.SignTransaction(ctx, from, tx, new(big.Int).SetUint64(s.descriptor.ID))
}

// Subscribe 订阅会话通知，慢订阅者丢弃最旧的通知，不会阻塞会话
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, s.subBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// 缓冲已满，丢弃最旧的一条
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		s.logger.Warnf("订阅者 %d 处理过慢，已丢弃最旧的通知", id)
	}
}

// Close 关闭会话
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}
