package eventpipe

import (
	"math"
)

// ThresholdKind 阈值方向
type ThresholdKind string

// 阈值方向常量
const (
	ThresholdMin ThresholdKind = "MIN"
	ThresholdMax ThresholdKind = "MAX"
)

// Severity 告警级别
type Severity string

// 告警级别常量
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ThresholdRule 单个指标的阈值规则，Min/Max 至少设置一个
type ThresholdRule struct {
	// Min 下界，观测值低于它时触发 MIN 告警
	Min *float64 `json:"min,omitempty"`

	// Max 上界，观测值高于它时触发 MAX 告警
	Max *float64 `json:"max,omitempty"`
}

// validate 校验规则结构
func (r ThresholdRule) validate() error {
	if r.Min == nil && r.Max == nil {
		return newValidationError("rule", "at least one of min/max must be set")
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return newValidationError("rule", "min cannot be greater than max")
	}
	return nil
}

// thresholdHit 一次阈值越界
type thresholdHit struct {
	metric    string
	kind      ThresholdKind
	threshold float64
	observed  float64
}

// alertEvaluator 无状态阈值检查器。
// 级别由相对越界幅度 abs(observed-threshold)/max(abs(threshold),1)
// 按配置边界分桶得出。
type alertEvaluator struct {
	priority int
	bounds   [3]float64
}

// newAlertEvaluator 创建阈值检查器
func newAlertEvaluator(config AlertConfig) *alertEvaluator {
	return &alertEvaluator{
		priority: config.Priority,
		bounds:   config.SeverityBounds,
	}
}

// check 根据流配置的规则检查事件的各项指标，返回全部越界。
// 一个事件可以同时在不同指标上触发多次越界。
func (ae *alertEvaluator) check(event *Event, rules map[string]ThresholdRule) []thresholdHit {
	if len(rules) == 0 || len(event.Payload.Metrics) == 0 {
		return nil
	}

	var hits []thresholdHit
	for metric, value := range event.Payload.Metrics {
		rule, ok := rules[metric]
		if !ok {
			continue
		}

		if rule.Min != nil && value < *rule.Min {
			hits = append(hits, thresholdHit{
				metric:    metric,
				kind:      ThresholdMin,
				threshold: *rule.Min,
				observed:  value,
			})
		}
		if rule.Max != nil && value > *rule.Max {
			hits = append(hits, thresholdHit{
				metric:    metric,
				kind:      ThresholdMax,
				threshold: *rule.Max,
				observed:  value,
			})
		}
	}
	return hits
}

// severity 将越界幅度分桶为级别
func (ae *alertEvaluator) severity(hit thresholdHit) Severity {
	denom := math.Abs(hit.threshold)
	if denom < 1 {
		denom = 1
	}
	ratio := math.Abs(hit.observed-hit.threshold) / denom

	switch {
	case ratio < ae.bounds[0]:
		return SeverityLow
	case ratio < ae.bounds[1]:
		return SeverityMedium
	case ratio < ae.bounds[2]:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// alertPayload 构造告警事件负载
func (ae *alertEvaluator) alertPayload(origin *Event, hit thresholdHit) Payload {
	return Payload{
		Metrics: map[string]float64{
			"observed_value":  hit.observed,
			"threshold_value": hit.threshold,
		},
		Fields: map[string]interface{}{
			"origin_event_id": origin.ID,
			"origin_stream":   origin.StreamID,
			"metric":          hit.metric,
			"threshold_kind":  string(hit.kind),
			"severity":        string(ae.severity(hit)),
		},
	}
}
