package wallet

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind 钱包提供者事件类型
type EventKind int

const (
	EventAccountsChanged EventKind = iota
	EventChainChanged
	EventDisconnect
)

// Event 钱包提供者推送的事件
type Event struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  uint64
	Err      error
}

// Connector 钱包提供者边界
type Connector interface {
	ID() string
	Name() string
	Available() bool
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	SignTransaction(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Events() <-chan Event
	Close() error
}

const eventBuffer = 16

// localChain 本地签名连接器共用的链状态和事件通道
type localChain struct {
	mu      sync.Mutex
	chainID uint64
	events  chan Event
	closed  bool
}

func newLocalChain(chainID uint64) *localChain {
	return &localChain{
		chainID: chainID,
		events:  make(chan Event, eventBuffer),
	}
}

func (l *localChain) currentChain() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainID
}

func (l *localChain) switchChain(chainID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chainID == chainID || l.closed {
		l.chainID = chainID
		return
	}
	l.chainID = chainID
	l.emitLocked(Event{Kind: EventChainChanged, ChainID: chainID})
}

func (l *localChain) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(ev)
}

// emitLocked 通道满时丢弃事件，不阻塞调用者
func (l *localChain) emitLocked(ev Event) {
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

func (l *localChain) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.events)
}

func (l *localChain) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// reopen 断开后重新连接时使用新的事件通道
func (l *localChain) reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.events = make(chan Event, eventBuffer)
		l.closed = false
	}
}

func (l *localChain) eventChannel() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}
