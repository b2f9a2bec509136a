package eventpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSinkConfig Kafka出口配置
type KafkaSinkConfig struct {
	// Brokers Kafka broker 地址列表
	Brokers []string

	// Streams 需要镜像的流ID列表
	Streams []string

	// TopicPrefix 目标主题前缀，主题为 <prefix><streamID>
	TopicPrefix string

	// BatchSize 批量大小
	BatchSize int

	// BatchTimeout 批量等待时间
	BatchTimeout time.Duration

	// Compression 压缩算法: "gzip", "snappy", "lz4", "zstd"
	Compression string

	// RequiredAcks 生产者确认级别
	RequiredAcks int
}

// KafkaSink 单向Kafka出口：通过普通订阅把选定流上被接受的事件
// 镜像到Kafka主题。它只是管道的一个消费者，管道本身仍然是
// 纯进程内的，没有消费/重放路径。
type KafkaSink struct {
	pipe   Pipeline
	writer *kafka.Writer
	prefix string
	subIDs []string
	logger *zap.Logger
}

// NewKafkaSink 创建Kafka出口并订阅指定的流
func NewKafkaSink(pipe Pipeline, config KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if len(config.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		Compression:  kafkaCompression(config.Compression),
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
	}

	sink := &KafkaSink{
		pipe:   pipe,
		writer: writer,
		prefix: config.TopicPrefix,
		logger: logger,
	}

	for _, streamID := range config.Streams {
		subID, err := pipe.Subscribe(streamID, sink.forward)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("failed to subscribe sink to stream %s: %w", streamID, err)
		}
		sink.subIDs = append(sink.subIDs, subID)
	}

	return sink, nil
}

// forward 订阅回调：序列化事件并写入Kafka
func (s *KafkaSink) forward(ctx context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.prefix + event.StreamID,
		Key:   []byte(event.Origin),
		Value: data,
		Time:  event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to write event %s to kafka: %w", event.ID, err)
	}
	return nil
}

// Close 取消订阅并关闭Kafka连接
func (s *KafkaSink) Close() error {
	for _, id := range s.subIDs {
		s.pipe.Unsubscribe(id)
	}
	if err := s.writer.Close(); err != nil {
		s.logger.Warn("error closing kafka writer", zap.Error(err))
		return err
	}
	return nil
}

// kafkaCompression 压缩算法映射
func kafkaCompression(c string) kafka.Compression {
	switch c {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0 // kafka.None 的值是 0
	}
}
