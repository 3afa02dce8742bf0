package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/journal.db"

	// 存储桶名称
	TransactionsBucket = "transactions"
	RoyaltiesBucket    = "royalties"
	CheckpointsBucket  = "checkpoints"
)

// ErrNotFound 日志中没有该交易
var ErrNotFound = errors.New(errors.CodeInvalidInput, "日志中没有该交易")

// Journal 本地交易日志
// 记录每笔已提交的交易，超时后可以手动复查，同时保存版税收入和同步检查点
type Journal struct {
	db     *bolt.DB
	logger *logrus.Entry
	path   string
	mu     sync.Mutex
}

// Open 打开或创建日志数据库
func Open(path string, logger *logrus.Logger) (*Journal, error) {
	if path == "" {
		path = DefaultDBPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logging.NewComponentLogger(logger, "journal"),
		path:   path,
	}
	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	j.logger.Infof("交易日志已初始化，数据库路径: %s", path)
	return j, nil
}

func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TransactionsBucket, RoyaltiesBucket, CheckpointsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// ==================== 交易记录 ====================

// Record 写入或覆盖交易记录
func (j *Journal) Record(entry *models.JournalEntry) error {
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TransactionsBucket)).Put(entry.TxHash.Bytes(), data)
	})
}

// Resolve 更新交易状态，已经是终态的记录不会被改回
func (j *Journal) Resolve(hash common.Hash, status models.TxStatus, block *uint64) (*models.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var entry models.JournalEntry
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(TransactionsBucket))
		data := bucket.Get(hash.Bytes())
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("解析交易记录失败: %w", err)
		}
		if entry.Status.IsTerminal() || entry.Status == status {
			return nil
		}

		entry.Status = status
		if block != nil {
			b := *block
			entry.BlockNumber = &b
		}
		if status.IsTerminal() {
			now := time.Now()
			entry.ResolvedAt = &now
		}
		updated, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("序列化交易记录失败: %w", err)
		}
		return bucket.Put(hash.Bytes(), updated)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get 查询交易记录
func (j *Journal) Get(hash common.Hash) (*models.JournalEntry, bool, error) {
	var entry *models.JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(TransactionsBucket)).Get(hash.Bytes())
		if data == nil {
			return nil
		}
		entry = &models.JournalEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, false, fmt.Errorf("读取交易记录失败: %w", err)
	}
	return entry, entry != nil, nil
}

// List 按提交时间列出满足条件的记录，filter 为 nil 时返回全部
func (j *Journal) List(filter func(*models.JournalEntry) bool) ([]*models.JournalEntry, error) {
	var entries []*models.JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TransactionsBucket)).ForEach(func(k, v []byte) error {
			var entry models.JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				j.logger.Warnf("跳过损坏的交易记录 %x: %v", k, err)
				return nil
			}
			if filter == nil || filter(&entry) {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("遍历交易记录失败: %w", err)
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].SubmittedAt.Before(entries[b].SubmittedAt)
	})
	return entries, nil
}

// Unresolved 尚未确认的记录
func (j *Journal) Unresolved() ([]*models.JournalEntry, error) {
	return j.List(func(e *models.JournalEntry) bool { return e.Unresolved() })
}

// FindUnresolvedMint 同一账户相同 tokenURI 的未确认铸造
func (j *Journal) FindUnresolvedMint(account common.Address, tokenURI string) (*models.JournalEntry, bool, error) {
	entries, err := j.List(func(e *models.JournalEntry) bool {
		return e.Kind == models.KindMint && e.Account == account && e.TokenURI == tokenURI && e.Unresolved()
	})
	if err != nil || len(entries) == 0 {
		return nil, false, err
	}
	return entries[len(entries)-1], true, nil
}

// ==================== 版税收入 ====================

// royaltyKey creator | txHash | tokenId
func royaltyKey(p *models.RoyaltyPayment) []byte {
	key := make([]byte, 0, common.AddressLength+common.HashLength+32)
	key = append(key, p.Creator.Bytes()...)
	key = append(key, p.TxHash.Bytes()...)
	key = append(key, common.LeftPadBytes(p.TokenID.Bytes(), 32)...)
	return key
}

// SaveRoyalty 保存一次版税收入，按 (txHash, tokenId) 幂等，返回是否新增
func (j *Journal) SaveRoyalty(p *models.RoyaltyPayment) (bool, error) {
	if p.TokenID == nil {
		return false, fmt.Errorf("版税记录缺少 tokenId")
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("序列化版税记录失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	inserted := false
	err = j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(RoyaltiesBucket))
		key := royaltyKey(p)
		if bucket.Get(key) != nil {
			return nil
		}
		inserted = true
		return bucket.Put(key, data)
	})
	return inserted, err
}

// Royalties 创作者的全部版税收入，按区块排序
func (j *Journal) Royalties(creator common.Address) ([]*models.RoyaltyPayment, error) {
	prefix := creator.Bytes()
	var payments []*models.RoyaltyPayment
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(RoyaltiesBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p models.RoyaltyPayment
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("解析版税记录失败: %w", err)
			}
			payments = append(payments, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(payments, func(a, b int) bool {
		return payments[a].BlockNumber < payments[b].BlockNumber
	})
	return payments, nil
}

// ==================== 检查点 ====================

// Checkpoint 读取检查点，不存在时返回 0
func (j *Journal) Checkpoint(name string) (uint64, error) {
	var block uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(CheckpointsBucket)).Get([]byte(name)); len(data) == 8 {
			block = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return block, err
}

// SetCheckpoint 保存检查点
func (j *Journal) SetCheckpoint(name string, block uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, block)

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(CheckpointsBucket)).Put([]byte(name), data); err != nil {
			return fmt.Errorf("保存检查点失败: %w", err)
		}
		return nil
	})
}

// Path 数据库路径
func (j *Journal) Path() string {
	return j.path
}

// GetStats 获取统计信息
func (j *Journal) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"path": j.path}
	_ = j.db.View(func(tx *bolt.Tx) error {
		byStatus := make(map[string]int)
		_ = tx.Bucket([]byte(TransactionsBucket)).ForEach(func(k, v []byte) error {
			var entry models.JournalEntry
			if json.Unmarshal(v, &entry) == nil {
				byStatus[entry.Status.String()]++
			}
			return nil
		})
		stats["transactions"] = byStatus
		stats["royalty_payments"] = tx.Bucket([]byte(RoyaltiesBucket)).Stats().KeyN
		return nil
	})
	return stats
}

// Close 关闭数据库
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info("关闭交易日志")
		return j.db.Close()
	}
	return nil
}
