package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nftmarket/internal/config"
	"nftmarket/pkg/models"

	"github.com/sirupsen/logrus"
)

// Sink 工作流结果输出接口
type Sink interface {
	WriteRecord(record *models.WorkflowRecord) error
	Close() error
}

// NopSink 不输出
type NopSink struct{}

func (NopSink) WriteRecord(*models.WorkflowRecord) error { return nil }
func (NopSink) Close() error                             { return nil }

// NewSink 按配置创建输出器
func NewSink(cfg *config.OutputConfig, logger *logrus.Logger) (Sink, error) {
	if cfg == nil {
		return NopSink{}, nil
	}
	switch cfg.Format {
	case "", "none":
		return NopSink{}, nil
	case "json":
		return NewFileSink(cfg.Directory)
	case "kafka":
		brokers := []string{"localhost:9092"}
		topic := DefaultTopic
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if cfg.Kafka.Topic != "" {
				topic = cfg.Kafka.Topic
			}
		}
		return NewKafkaSink(brokers, topic, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// FileSink 以 JSON Lines 写入文件
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSink 在目录下创建带时间戳的结果文件
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "./output"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("workflows_%s.json", timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建结果文件失败: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// Path 结果文件路径
func (o *FileSink) Path() string {
	return o.path
}

// WriteRecord 写入一条结果
func (o *FileSink) WriteRecord(record *models.WorkflowRecord) error {
	if record == nil {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}

	// 添加换行符
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新结果文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭结果文件失败: %w", err)
	}
	return nil
}
