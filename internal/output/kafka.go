package output

import (
	"encoding/json"
	"fmt"
	"time"

	"nftmarket/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DefaultTopic 默认结果topic
const DefaultTopic = "nftmarket_workflows"

// KafkaSink Kafka输出器
type KafkaSink struct {
	logger   *logrus.Entry
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaSink 创建Kafka输出器
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) (*KafkaSink, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	// 配置Kafka生产者
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaSinkWithProducer(producer, topic, logger), nil
}

// NewKafkaSinkWithProducer 使用已有的生产者
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{
		logger:   logger.WithField("component", "kafka_sink"),
		topic:    topic,
		producer: producer,
	}
}

// WriteRecord 发送一条结果，按 run_id 分区保证同一次运行有序
func (k *KafkaSink) WriteRecord(record *models.WorkflowRecord) error {
	if record == nil {
		return nil
	}

	jsonData, err := json.Marshal(record.ToKafkaMessage())
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(record.RunID),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送结果到Kafka topic '%s' (partition: %d, offset: %d): run_id=%s state=%s",
		k.topic, partition, offset, record.RunID, record.State)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaSink) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
