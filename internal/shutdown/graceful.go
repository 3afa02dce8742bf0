package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopServer       = 10 // 停止接收HTTP请求
	OrderDisconnectWallet = 20 // 断开钱包，进行中的租约以 SessionLost 失效
	OrderFlushSink        = 30 // 关闭结果输出
	OrderCloseStores      = 40 // 关闭挂单缓存和交易日志
	OrderCloseRPC         = 50 // 关闭RPC节点池
)

// DefaultTimeout 停机总超时
const DefaultTimeout = 30 * time.Second

// Func 停机处理函数
type Func struct {
	Name  string
	Order int
	Fn    func(ctx context.Context) error
}

// Manager 按顺序执行停机处理
type Manager struct {
	logger  *logrus.Entry
	timeout time.Duration

	mu      sync.Mutex
	funcs   []Func
	started bool
	done    chan struct{}
	err     error

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan os.Signal
}

// New 创建停机管理器
func New(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger.WithField("component", "shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机处理，同一顺序按注册先后执行
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, Func{Name: name, Order: order, Fn: fn})
	m.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// Context 停机开始时取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Listen 监听 SIGINT/SIGTERM，收到信号后执行停机
func (m *Manager) Listen() {
	m.mu.Lock()
	if m.signals != nil {
		m.mu.Unlock()
		return
	}
	m.signals = make(chan os.Signal, 1)
	m.mu.Unlock()

	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-m.signals:
			m.logger.Infof("收到停机信号: %v", sig)
			_ = m.Shutdown()
		case <-m.done:
		}
	}()
}

// Wait 等待停机完成
func (m *Manager) Wait() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Shutdown 执行所有停机处理，重复调用等待第一次的结果
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return m.Wait()
	}
	m.started = true
	funcs := append([]Func(nil), m.funcs...)
	m.mu.Unlock()

	m.cancel()
	if m.signals != nil {
		signal.Stop(m.signals)
	}
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, f := range funcs {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", f.Name)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, ctx.Err()))
			continue
		}
		start := time.Now()
		if err := f.Fn(ctx); err != nil {
			m.logger.WithError(err).Errorf("停机处理 '%s' 失败 (耗时: %v)", f.Name, time.Since(start))
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		m.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", f.Name, time.Since(start))
	}

	err := stderrors.Join(errs...)
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)

	if err != nil {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		m.logger.Info("停机完成")
	}
	return err
}

// Names 已注册的处理，按执行顺序
func (m *Manager) Names() []string {
	m.mu.Lock()
	funcs := append([]Func(nil), m.funcs...)
	m.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	names := make([]string, len(funcs))
	for i, f := range funcs {
		names[i] = f.Name
	}
	return names
}
