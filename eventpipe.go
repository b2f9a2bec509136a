// Package eventpipe 提供进程内的实时事件流与分析管道：
// 多生产者并发发布、单分发器按优先级有序消费、每个流的有界缓冲、
// 过滤订阅投递、滚动统计与阈值告警合成。
//
// 优先级约定：数值越大越紧急；同优先级按入队先后（FIFO）处理。
package eventpipe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pipeline 事件管道。生产者调用 Publish，消费者通过 Subscribe
// 或查询接口（GetRecentEvents / GetAnalyticsSummary）消费。
// 所有方法都可以并发调用。
type Pipeline interface {
	// CreateStream 显式创建流
	CreateStream(id string, category Category, opts ...StreamOption) (string, error)

	// Publish 发布事件到指定流。非阻塞：队列满时立即返回 ErrQueueFull，
	// 不会等待分发器。priority 数值越大越紧急，小于等于0时使用默认值。
	Publish(ctx context.Context, streamID, origin string, payload Payload, priority int) (string, error)

	// Subscribe 订阅流的事件，过滤条件通过选项设置
	Subscribe(streamID string, callback Callback, opts ...SubscribeOption) (string, error)

	// Unsubscribe 取消订阅，幂等：重复取消不是错误
	Unsubscribe(subscriptionID string)

	// UpdateThresholds 原子替换某指标的阈值规则
	UpdateThresholds(streamID, metric string, rule ThresholdRule) error

	// PauseStream 暂停流：仍然缓冲和统计，但停止投递与告警
	PauseStream(id string) error

	// ResumeStream 恢复被暂停的流
	ResumeStream(id string) error

	// CloseStream 关闭流（终态）：拒绝后续发布与订阅，
	// 已有订阅失效，已缓冲的数据仍可查询
	CloseStream(id string) error

	// GetStreamStatus 获取流状态快照
	GetStreamStatus(id string) (StreamStatusSnapshot, error)

	// GetRecentEvents 获取最近的事件，最新的在前
	GetRecentEvents(id string, limit int) ([]*Event, error)

	// GetAnalyticsSummary 获取流的统计快照
	GetAnalyticsSummary(id string) (AnalyticsSnapshot, error)

	// ListStreams 列出全部流
	ListStreams() []StreamInfo

	// Stats 获取管道运行统计
	Stats() map[string]interface{}

	// Shutdown 关闭管道。drain 为 true 时先处理完队列中的事件再返回，
	// 否则丢弃剩余事件。关闭后 Publish/Subscribe 返回 ErrPipelineClosed。
	Shutdown(drain bool) error
}

// New 创建管道实例
func New(config *Config) (Pipeline, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newPipeline(config)
}

// StreamOption 流创建选项
type StreamOption func(*StreamConfig)

// WithCapacity 设置环形缓冲区容量
func WithCapacity(capacity int) StreamOption {
	return func(config *StreamConfig) {
		config.Capacity = capacity
	}
}

// WithRetention 设置保留窗口
func WithRetention(retention time.Duration) StreamOption {
	return func(config *StreamConfig) {
		config.Retention = retention
	}
}

// WithThreshold 设置某指标的阈值规则
func WithThreshold(metric string, rule ThresholdRule) StreamOption {
	return func(config *StreamConfig) {
		if config.Thresholds == nil {
			config.Thresholds = make(map[string]ThresholdRule)
		}
		config.Thresholds[metric] = rule
	}
}

// WithIdempotentCreate 流已存在时返回现有流而非报错
func WithIdempotentCreate() StreamOption {
	return func(config *StreamConfig) {
		config.IdempotentCreate = true
	}
}

// subscribeConfig 订阅配置，通过 SubscribeOption 填充
type subscribeConfig struct {
	filter  Filter
	timeout time.Duration
}

// SubscribeOption 订阅选项
type SubscribeOption func(*subscribeConfig)

// WithOrigins 设置实体白名单，只接收这些实体产生的事件
func WithOrigins(origins ...string) SubscribeOption {
	return func(config *subscribeConfig) {
		config.filter.Origins = origins
	}
}

// WithMinPriority 设置最低优先级
func WithMinPriority(priority int) SubscribeOption {
	return func(config *subscribeConfig) {
		config.filter.MinPriority = priority
	}
}

// WithFieldEquals 添加一个字段相等条件
func WithFieldEquals(key string, value interface{}) SubscribeOption {
	return func(config *subscribeConfig) {
		if config.filter.FieldEquals == nil {
			config.filter.FieldEquals = make(map[string]interface{})
		}
		config.filter.FieldEquals[key] = value
	}
}

// WithCallbackTimeout 设置单次回调的超时时间
func WithCallbackTimeout(timeout time.Duration) SubscribeOption {
	return func(config *subscribeConfig) {
		config.timeout = timeout
	}
}
