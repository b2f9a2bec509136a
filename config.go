package eventpipe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config 管道配置
type Config struct {
	// Queue 全局事件队列配置
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Pool 订阅回调协程池配置
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Stream 流的默认配置（CreateStream 未指定时使用）
	Stream StreamDefaults `json:"stream" mapstructure:"stream"`

	// Alerts 告警合成配置
	Alerts AlertConfig `json:"alerts" mapstructure:"alerts"`

	// Logger 日志配置
	Logger LoggerConfig `json:"logger" mapstructure:"logger"`

	// AutoCreateStreams 发布到未知流时是否自动创建（类别为 ACTIVITY）
	AutoCreateStreams bool `json:"auto_create_streams" mapstructure:"auto_create_streams"`

	// Log 直接注入的logger，优先于 Logger 配置
	Log *zap.Logger `json:"-" mapstructure:"-"`
}

// QueueConfig 全局事件队列配置
type QueueConfig struct {
	// Capacity 队列容量，达到后 Publish 返回 ErrQueueFull
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// PoolConfig 协程池配置
type PoolConfig struct {
	// Size 协程池大小
	Size int `json:"size" mapstructure:"size"`

	// ExpiryDuration 协程过期时间
	ExpiryDuration time.Duration `json:"expiry_duration" mapstructure:"expiry_duration"`

	// PreAlloc 是否预分配协程
	PreAlloc bool `json:"pre_alloc" mapstructure:"pre_alloc"`
}

// StreamDefaults 流的默认配置
type StreamDefaults struct {
	// Capacity 环形缓冲区容量
	Capacity int `json:"capacity" mapstructure:"capacity"`

	// Retention 保留窗口，0 表示不按时间裁剪
	Retention time.Duration `json:"retention" mapstructure:"retention"`

	// RecentValues 每个指标保留的最近原始值数量
	RecentValues int `json:"recent_values" mapstructure:"recent_values"`

	// TickInterval 保留裁剪与吞吐量重算的周期
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`

	// CallbackTimeout 单次订阅回调的超时时间
	CallbackTimeout time.Duration `json:"callback_timeout" mapstructure:"callback_timeout"`
}

// AlertConfig 告警合成配置
type AlertConfig struct {
	// Priority 合成告警事件的优先级
	Priority int `json:"priority" mapstructure:"priority"`

	// SeverityBounds 相对越界幅度的分级边界，依次为
	// LOW/MEDIUM、MEDIUM/HIGH、HIGH/CRITICAL 的分界点
	SeverityBounds [3]float64 `json:"severity_bounds" mapstructure:"severity_bounds"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// Level 日志级别: "debug", "info", "warn", "error"
	Level string `json:"level" mapstructure:"level"`

	// Format 日志格式: "json", "text"
	Format string `json:"format" mapstructure:"format"`

	// Output 输出目标: "stdout", "stderr", "file"
	Output string `json:"output" mapstructure:"output"`

	// FilePath 文件路径 (当Output为"file"时)
	FilePath string `json:"file_path,omitempty" mapstructure:"file_path"`
}

// StreamConfig 单个流的创建配置，通过 StreamOption 填充
type StreamConfig struct {
	// Capacity 环形缓冲区容量，0 表示使用默认值
	Capacity int `json:"capacity"`

	// Retention 保留窗口，0 表示使用默认值
	Retention time.Duration `json:"retention"`

	// Thresholds 指标阈值规则 (指标名 -> 规则)
	Thresholds map[string]ThresholdRule `json:"thresholds,omitempty"`

	// IdempotentCreate 流已存在时返回现有流而非 ErrStreamExists
	IdempotentCreate bool `json:"idempotent_create"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Queue.Capacity <= 0 {
		return errors.New("queue capacity must be greater than 0")
	}

	if c.Pool.Size <= 0 {
		return errors.New("pool size must be greater than 0")
	}

	if c.Stream.Capacity <= 0 {
		return errors.New("stream capacity must be greater than 0")
	}

	if c.Stream.RecentValues <= 0 {
		return errors.New("recent values window must be greater than 0")
	}

	if c.Stream.Retention < 0 {
		return errors.New("retention cannot be negative")
	}

	if c.Stream.TickInterval <= 0 {
		return errors.New("tick interval must be greater than 0")
	}

	if c.Stream.CallbackTimeout <= 0 {
		return errors.New("callback timeout must be greater than 0")
	}

	if c.Alerts.Priority <= 0 {
		return errors.New("alert priority must be greater than 0")
	}

	b := c.Alerts.SeverityBounds
	if b[0] <= 0 || b[0] >= b[1] || b[1] >= b[2] {
		return errors.New("severity bounds must be positive and strictly increasing")
	}

	return nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Capacity: 1024,
		},
		Pool: PoolConfig{
			Size:           64,
			ExpiryDuration: 10 * time.Second,
			PreAlloc:       false,
		},
		Stream: StreamDefaults{
			Capacity:        256,
			Retention:       0,
			RecentValues:    64,
			TickInterval:    15 * time.Second,
			CallbackTimeout: 5 * time.Second,
		},
		Alerts: AlertConfig{
			Priority:       9,
			SeverityBounds: [3]float64{0.10, 0.25, 0.50},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		AutoCreateStreams: true,
	}
}

// LoadConfig 从文件加载配置，环境变量 EVENTPIPE_* 覆盖同名配置项，
// 例如 EVENTPIPE_QUEUE_CAPACITY 覆盖 queue.capacity。
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EVENTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}
