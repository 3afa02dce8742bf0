package storage

import (
	"context"
	"fmt"
	"time"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

// Backend 内容寻址存储后端
type Backend interface {
	Name() string
	Add(ctx context.Context, fileName string, data []byte, mediaType string) (string, error)
}

// Service 资源上传服务
// 只负责上传并返回内容标识，失败后不做断点续传，由工作流从上传步骤重新开始
type Service struct {
	backend Backend
	maxSize int64
	logger  *logrus.Entry
}

// NewService 创建上传服务，maxSize <= 0 时使用默认上限
func NewService(backend Backend, maxSize int64, logger *logrus.Logger) *Service {
	if maxSize <= 0 {
		maxSize = models.MaxAssetSize
	}
	return &Service{
		backend: backend,
		maxSize: maxSize,
		logger:  logger.WithFields(logrus.Fields{"component": "storage", "backend": backend.Name()}),
	}
}

// Upload 上传资源文件，返回内容标识
func (s *Service) Upload(ctx context.Context, data []byte, mediaType string) (string, error) {
	return s.add(ctx, "asset", data, mediaType)
}

// UploadMetadata 上传元数据文档
func (s *Service) UploadMetadata(ctx context.Context, meta models.AssetMetadata) (string, error) {
	doc, err := meta.Encode()
	if err != nil {
		return "", errors.Wrap(err, errors.CodeUploadFailed, "元数据序列化失败")
	}
	return s.add(ctx, "metadata.json", doc, "application/json")
}

func (s *Service) add(ctx context.Context, name string, data []byte, mediaType string) (string, error) {
	if int64(len(data)) > s.maxSize {
		return "", errors.New(errors.CodePayloadTooLarge,
			fmt.Sprintf("上传内容 %d 字节，超过上限 %d 字节", len(data), s.maxSize)).WithComponent("storage")
	}

	start := time.Now()
	id, err := s.backend.Add(ctx, name, data, mediaType)
	if err != nil {
		s.logger.WithError(err).Warnf("上传 %s 失败", name)
		if ctx.Err() != nil {
			return "", errors.Wrap(context.Cause(ctx), errors.CodeUploadFailed, "上传被取消").WithComponent("storage")
		}
		var me *errors.MarketError
		if errors.As(err, &me) {
			return "", me
		}
		return "", errors.Wrap(err, errors.CodeUploadFailed, fmt.Sprintf("上传 %s 失败", name)).WithComponent("storage")
	}

	parsed, err := cid.Decode(id)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeUploadFailed, fmt.Sprintf("存储返回了无效的内容标识: %q", id)).WithComponent("storage")
	}

	s.logger.WithFields(logrus.Fields{
		"cid":      parsed.String(),
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Infof("已上传 %s", name)
	return parsed.String(), nil
}

// ComputeCID 计算 CIDv1 (raw, sha2-256)，相同字节得到相同标识
func ComputeCID(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}
