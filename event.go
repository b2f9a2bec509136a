package eventpipe

import (
	"encoding/json"
	"time"
)

// Category 流类别。每个流绑定一个类别，决定其事件负载的约定模式。
type Category string

// 流类别常量
const (
	CategorySensor      Category = "SENSOR"
	CategoryPrediction  Category = "PREDICTION"
	CategoryAlert       Category = "ALERT"
	CategoryFinancial   Category = "FINANCIAL"
	CategoryMaintenance Category = "MAINTENANCE"
	CategoryActivity    Category = "ACTIVITY"
)

// validCategory 检查类别是否合法
func validCategory(c Category) bool {
	switch c {
	case CategorySensor, CategoryPrediction, CategoryAlert,
		CategoryFinancial, CategoryMaintenance, CategoryActivity:
		return true
	}
	return false
}

// Payload 事件负载。数值指标与不透明扩展字段分开存放：
// Metrics 中的键值由分析聚合和阈值告警消费（按类别约定，例如
// 传感器事件的 "value"、推理事件的 "confidence"），
// Fields 由管道原样携带，仅参与订阅过滤的字段相等匹配。
type Payload struct {
	// Metrics 数值指标 (指标名 -> 数值)
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Fields 类别相关的扩展字段，管道不解释
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// clone 复制负载，事件入队后负载不可再被生产者修改
func (p Payload) clone() Payload {
	out := Payload{}
	if p.Metrics != nil {
		out.Metrics = make(map[string]float64, len(p.Metrics))
		for k, v := range p.Metrics {
			out.Metrics[k] = v
		}
	}
	if p.Fields != nil {
		out.Fields = make(map[string]interface{}, len(p.Fields))
		for k, v := range p.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Event 事件数据结构。事件一经入队即视为不可变，
// 仅 Sequence 在入队时由队列赋值、Processed 由分发器置位。
type Event struct {
	// ID 事件唯一标识
	ID string `json:"id"`

	// StreamID 所属流
	StreamID string `json:"stream_id"`

	// Category 事件类别（继承自流）
	Category Category `json:"category"`

	// Origin 产生事件的实体标识（如设备、房产、租户ID）
	Origin string `json:"origin,omitempty"`

	// Payload 事件负载
	Payload Payload `json:"payload"`

	// Priority 优先级，数值越大越紧急（默认1，告警默认9）
	Priority int `json:"priority"`

	// Sequence 入队时分配的单调递增序号，同优先级间的先后依据
	Sequence uint64 `json:"sequence"`

	// Timestamp 事件创建时间
	Timestamp time.Time `json:"timestamp"`

	// Processed 分发器处理完成标记
	Processed bool `json:"processed"`
}

// DefaultPriority 普通事件的默认优先级
const DefaultPriority = 1

// SensorPayload 构造传感器读数负载，指标名由调用方给出
func SensorPayload(metric string, value float64) Payload {
	return Payload{Metrics: map[string]float64{metric: value}}
}

// PredictionPayload 构造推理结果负载，置信度写入 "confidence" 指标
func PredictionPayload(model string, confidence float64) Payload {
	return Payload{
		Metrics: map[string]float64{"confidence": confidence},
		Fields:  map[string]interface{}{"model": model},
	}
}

// FinancialPayload 构造金融事件负载，金额写入 "amount" 指标
func FinancialPayload(kind string, amount float64) Payload {
	return Payload{
		Metrics: map[string]float64{"amount": amount},
		Fields:  map[string]interface{}{"kind": kind},
	}
}

// Marshal 将事件序列化为字节数组
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent 从字节数组反序列化事件
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
