package cache

import (
	"context"
	"errors"
	"math/big"
	"time"

	"nftmarket/internal/metrics"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrCacheMiss 缓存中没有该挂单
var ErrCacheMiss = errors.New("cache miss")

// DefaultTTL 挂单缓存默认有效期
const DefaultTTL = 10 * time.Minute

// Store 挂单缓存后端
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*models.Listing, error)
	Set(ctx context.Context, listing *models.Listing, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ListingCache 本地挂单副本
// 客户端不直接修改挂单，只在读取链上状态或收到已确认事件后更新
type ListingCache struct {
	store   Store
	ttl     time.Duration
	metrics metrics.Recorder
	logger  *logrus.Entry
}

// NewListingCache 创建挂单缓存
func NewListingCache(store Store, ttl time.Duration, recorder metrics.Recorder, logger *logrus.Logger) *ListingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &ListingCache{
		store:   store,
		ttl:     ttl,
		metrics: recorder,
		logger:  logger.WithFields(logrus.Fields{"component": "listing_cache", "backend": store.Name()}),
	}
}

// Get 读取缓存的挂单，不存在时返回 ErrCacheMiss
func (c *ListingCache) Get(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error) {
	listing, err := c.store.Get(ctx, models.ListingKey(nft, tokenID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			c.metrics.CacheLookup(c.store.Name(), false)
		}
		return nil, err
	}
	c.metrics.CacheLookup(c.store.Name(), true)
	return listing, nil
}

// Put 保存从链上读取的挂单
func (c *ListingCache) Put(ctx context.Context, listing *models.Listing) error {
	if listing == nil || listing.TokenID == nil {
		return nil
	}
	stored := *listing
	stored.UpdatedAt = time.Now()
	return c.store.Set(ctx, &stored, c.ttl)
}

// Invalidate 删除挂单
func (c *ListingCache) Invalidate(ctx context.Context, nft common.Address, tokenID *big.Int) error {
	return c.store.Delete(ctx, models.ListingKey(nft, tokenID))
}

// Apply 根据已确认事件更新挂单
func (c *ListingCache) Apply(ctx context.Context, event models.DecodedEvent) error {
	switch ev := event.(type) {
	case *models.ListedEvent:
		return c.Put(ctx, &models.Listing{
			NFTContract: ev.NFTContract,
			TokenID:     ev.TokenID,
			Seller:      ev.Seller,
			Price:       ev.Price,
			Active:      true,
		})
	case *models.SoldEvent:
		return c.deactivate(ctx, ev.NFTContract, ev.TokenID, ev.Seller, ev.Price)
	case *models.ListingCancelledEvent:
		return c.deactivate(ctx, ev.NFTContract, ev.TokenID, ev.Seller, nil)
	default:
		return nil
	}
}

// ApplyAll 依次应用交易结果中的全部事件
func (c *ListingCache) ApplyAll(ctx context.Context, outcome *models.TransactionOutcome) error {
	if outcome == nil || outcome.Status != models.TxConfirmed {
		return nil
	}
	for _, ev := range outcome.Events {
		if err := c.Apply(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListingCache) deactivate(ctx context.Context, nft common.Address, tokenID *big.Int, seller common.Address, price *big.Int) error {
	listing, err := c.Get(ctx, nft, tokenID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			return err
		}
		listing = &models.Listing{NFTContract: nft, TokenID: tokenID, Seller: seller, Price: price}
	}
	if listing.Price == nil {
		listing.Price = new(big.Int)
	}
	listing.Active = false
	c.logger.WithField("listing", listing.Key()).Debug("挂单已失效")
	return c.Put(ctx, listing)
}

// Close 关闭后端
func (c *ListingCache) Close() error {
	return c.store.Close()
}
