package eventpipe

import (
	"sync"
	"time"
)

// metricStats 单个指标的滚动统计
type metricStats struct {
	count  int64
	sum    float64
	min    float64
	max    float64
	recent []float64
}

// MetricSummary 单个指标的统计快照
type MetricSummary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`

	// Recent 最近的原始值（有界窗口），用于方差/趋势计算
	Recent []float64 `json:"recent,omitempty"`
}

// AnalyticsSnapshot 单个流的分析快照
type AnalyticsSnapshot struct {
	StreamID string `json:"stream_id"`

	// Events 已折算进统计的事件总数
	Events int64 `json:"events"`

	// Metrics 各指标的统计
	Metrics map[string]MetricSummary `json:"metrics,omitempty"`

	// ErrorCount 订阅回调失败与处理异常的累计次数
	ErrorCount int64 `json:"error_count"`

	// LastError 最近一次错误信息
	LastError string `json:"last_error,omitempty"`

	// EventsPerMinute 周期性重算的吞吐量
	EventsPerMinute float64 `json:"events_per_minute"`

	// LastUpdated 最近一次统计更新时间
	LastUpdated time.Time `json:"last_updated"`
}

// analyticsAggregator 单个流的滚动统计聚合器。
// 由分发器单写；Summary 通过同一把锁做整体快照，保证读到完整的一组值。
type analyticsAggregator struct {
	mu        sync.RWMutex
	streamID  string
	window    int
	metrics   map[string]*metricStats
	events    int64
	errCount  int64
	lastErr   string
	perMinute float64
	updated   time.Time
}

// newAnalyticsAggregator 创建聚合器，window 为每个指标保留的最近原始值数量
func newAnalyticsAggregator(streamID string, window int) *analyticsAggregator {
	return &analyticsAggregator{
		streamID: streamID,
		window:   window,
		metrics:  make(map[string]*metricStats),
	}
}

// update 将事件的数值指标折算进统计
func (aa *analyticsAggregator) update(event *Event) {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	aa.events++
	aa.updated = time.Now()

	for name, value := range event.Payload.Metrics {
		stats, ok := aa.metrics[name]
		if !ok {
			stats = &metricStats{
				min:    value,
				max:    value,
				recent: make([]float64, 0, aa.window),
			}
			aa.metrics[name] = stats
		}

		stats.count++
		stats.sum += value
		if value < stats.min {
			stats.min = value
		}
		if value > stats.max {
			stats.max = value
		}

		// 有界窗口，满了丢最旧
		if len(stats.recent) >= aa.window {
			stats.recent = stats.recent[1:]
		}
		stats.recent = append(stats.recent, value)
	}
}

// recordError 记录一次处理失败（订阅回调失败、负载解析异常等）
func (aa *analyticsAggregator) recordError(err error) {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	aa.errCount++
	aa.lastErr = err.Error()
	aa.updated = time.Now()
}

// setThroughput 写入周期性重算的吞吐量
func (aa *analyticsAggregator) setThroughput(eventsPerMinute float64) {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	aa.perMinute = eventsPerMinute
}

// errorCount 当前错误计数
func (aa *analyticsAggregator) errorCount() int64 {
	aa.mu.RLock()
	defer aa.mu.RUnlock()
	return aa.errCount
}

// snapshot 返回当前统计的完整快照
func (aa *analyticsAggregator) snapshot() AnalyticsSnapshot {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	snap := AnalyticsSnapshot{
		StreamID:        aa.streamID,
		Events:          aa.events,
		ErrorCount:      aa.errCount,
		LastError:       aa.lastErr,
		EventsPerMinute: aa.perMinute,
		LastUpdated:     aa.updated,
	}

	if len(aa.metrics) > 0 {
		snap.Metrics = make(map[string]MetricSummary, len(aa.metrics))
		for name, stats := range aa.metrics {
			recent := make([]float64, len(stats.recent))
			copy(recent, stats.recent)

			mean := 0.0
			if stats.count > 0 {
				mean = stats.sum / float64(stats.count)
			}

			snap.Metrics[name] = MetricSummary{
				Count:  stats.count,
				Sum:    stats.sum,
				Min:    stats.min,
				Max:    stats.max,
				Mean:   mean,
				Recent: recent,
			}
		}
	}

	return snap
}
