package eventpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestPipeline 创建测试管道，Cleanup时丢弃式关闭
func newTestPipeline(t *testing.T) Pipeline {
	t.Helper()

	config := DefaultConfig()
	config.Log = zap.NewNop()
	config.Stream.TickInterval = 50 * time.Millisecond

	pipe, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Shutdown(false) })
	return pipe
}

func TestPipeline_New(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error for nil config")
	}

	bad := DefaultConfig()
	bad.Queue.Capacity = 0
	if _, err := New(bad); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestPipeline_PublishSubscribe(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("sensors.room1", CategorySensor)
	require.NoError(t, err)

	var mu sync.Mutex
	var received []string
	var wg sync.WaitGroup

	_, err = pipe.Subscribe("sensors.room1", func(ctx context.Context, event *Event) error {
		mu.Lock()
		received = append(received, event.ID)
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	wg.Add(3)
	var published []string
	for i := 0; i < 3; i++ {
		id, err := pipe.Publish(ctx, "sensors.room1", "dev1", SensorPayload("temperature", 20+float64(i)), DefaultPriority)
		require.NoError(t, err)
		published = append(published, id)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, published, received)
}

func TestPipeline_AutoCreateStream(t *testing.T) {
	pipe := newTestPipeline(t)

	// 自动创建开启时，发布到未知流会创建ACTIVITY类别的流
	_, err := pipe.Publish(context.Background(), "adhoc.stream", "e1", Payload{}, DefaultPriority)
	require.NoError(t, err)

	status, err := pipe.GetStreamStatus("adhoc.stream")
	require.NoError(t, err)
	require.Equal(t, CategoryActivity, status.Category)
	require.Equal(t, StreamActive, status.Status)
}

func TestPipeline_UnknownStream(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()
	config.AutoCreateStreams = false

	pipe, err := New(config)
	require.NoError(t, err)
	defer pipe.Shutdown(false)

	_, err = pipe.Publish(context.Background(), "missing", "e1", Payload{}, DefaultPriority)
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = pipe.Subscribe("missing", func(ctx context.Context, event *Event) error { return nil })
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = pipe.GetRecentEvents("missing", 10)
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = pipe.GetAnalyticsSummary("missing")
	require.ErrorIs(t, err, ErrUnknownStream)

	err = pipe.UpdateThresholds("missing", "temperature", ThresholdRule{Max: f64(100)})
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestPipeline_CreateStreamDuplicate(t *testing.T) {
	pipe := newTestPipeline(t)

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	_, err = pipe.CreateStream("s1", CategorySensor)
	require.ErrorIs(t, err, ErrStreamExists)

	// 幂等创建返回现有流
	id, err := pipe.CreateStream("s1", CategorySensor, WithIdempotentCreate())
	require.NoError(t, err)
	require.Equal(t, "s1", id)
}

func TestPipeline_CreateStreamValidation(t *testing.T) {
	pipe := newTestPipeline(t)

	var verr *ValidationError

	_, err := pipe.CreateStream("", CategorySensor)
	require.ErrorAs(t, err, &verr)

	_, err = pipe.CreateStream("s1", Category("BOGUS"))
	require.ErrorAs(t, err, &verr)

	_, err = pipe.CreateStream("s2", CategorySensor, WithThreshold("temperature", ThresholdRule{}))
	require.ErrorAs(t, err, &verr)
}

func TestPipeline_FilterCorrectness(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("payments", CategoryFinancial)
	require.NoError(t, err)

	var mu sync.Mutex
	var received []string
	var wg sync.WaitGroup

	// 只订阅P1的事件
	_, err = pipe.Subscribe("payments", func(ctx context.Context, event *Event) error {
		mu.Lock()
		received = append(received, event.Origin)
		mu.Unlock()
		wg.Done()
		return nil
	}, WithOrigins("P1"))
	require.NoError(t, err)

	wg.Add(2)
	for _, origin := range []string{"P1", "P2", "P1", "P3"} {
		_, err := pipe.Publish(ctx, "payments", origin, FinancialPayload("rent", 1200), DefaultPriority)
		require.NoError(t, err)
	}
	wg.Wait()

	// 额外等待，确认不会有P2/P3漏进来
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"P1", "P1"}, received)
}

func TestPipeline_SubscribeRejectsUncomparableFilterValue(t *testing.T) {
	pipe := newTestPipeline(t)

	_, err := pipe.CreateStream("payments", CategoryFinancial)
	require.NoError(t, err)

	_, err = pipe.Subscribe("payments", func(ctx context.Context, event *Event) error {
		return nil
	}, WithFieldEquals("tags", []string{"late"}))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "field_equals", verr.Field)
}

func TestPipeline_SubscriberIsolation(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	var healthyCount int64
	var wg sync.WaitGroup

	// 总是panic的订阅者
	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		panic("bad subscriber")
	})
	require.NoError(t, err)

	// 正常订阅者
	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		atomic.AddInt64(&healthyCount, 1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	wg.Add(2)
	for i := 0; i < 2; i++ {
		_, err := pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
		require.NoError(t, err)
	}
	wg.Wait()

	// (a) 正常订阅者收到全部事件
	require.Equal(t, int64(2), atomic.LoadInt64(&healthyCount))

	// (b) 统计仍然更新
	require.Eventually(t, func() bool {
		snap, err := pipe.GetAnalyticsSummary("s1")
		return err == nil && snap.Events == 2
	}, time.Second, 10*time.Millisecond)

	// (c) 每次失败的投递恰好计一次错误
	require.Eventually(t, func() bool {
		status, err := pipe.GetStreamStatus("s1")
		return err == nil && status.ErrorCount == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_ThresholdAlerting(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("sensors.room1", CategorySensor,
		WithThreshold("temperature", ThresholdRule{Max: f64(100)}),
	)
	require.NoError(t, err)

	_, err = pipe.Publish(ctx, "sensors.room1", "dev1", SensorPayload("temperature", 150), DefaultPriority)
	require.NoError(t, err)

	// 告警事件出现在该实体的告警流上
	var alerts []*Event
	require.Eventually(t, func() bool {
		events, err := pipe.GetRecentEvents("alerts.dev1", 10)
		if err != nil || len(events) == 0 {
			return false
		}
		alerts = events
		return true
	}, time.Second, 10*time.Millisecond)

	// 恰好一个告警，负载携带越界详情
	require.Len(t, alerts, 1)
	alert := alerts[0]
	require.Equal(t, CategoryAlert, alert.Category)
	require.Equal(t, "dev1", alert.Origin)
	require.Equal(t, 150.0, alert.Payload.Metrics["observed_value"])
	require.Equal(t, 100.0, alert.Payload.Metrics["threshold_value"])
	require.Equal(t, "MAX", alert.Payload.Fields["threshold_kind"])
	require.Equal(t, "temperature", alert.Payload.Fields["metric"])

	// 界内事件不产生新告警
	_, err = pipe.Publish(ctx, "sensors.room1", "dev1", SensorPayload("temperature", 80), DefaultPriority)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	events, err := pipe.GetRecentEvents("alerts.dev1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPipeline_UpdateThresholds(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	// 运行期配置规则后开始告警
	require.NoError(t, pipe.UpdateThresholds("s1", "humidity", ThresholdRule{Min: f64(30)}))

	_, err = pipe.Publish(ctx, "s1", "dev2", SensorPayload("humidity", 10), DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := pipe.GetRecentEvents("alerts.dev2", 10)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)

	// 非法规则被拒绝
	var verr *ValidationError
	require.ErrorAs(t, pipe.UpdateThresholds("s1", "", ThresholdRule{Max: f64(1)}), &verr)
	require.ErrorAs(t, pipe.UpdateThresholds("s1", "humidity", ThresholdRule{}), &verr)
}

func TestPipeline_IdempotentUnsubscribe(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	var count int64
	subID, err := pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)

	// 两次取消都不是错误
	pipe.Unsubscribe(subID)
	pipe.Unsubscribe(subID)

	_, err = pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.Zero(t, atomic.LoadInt64(&count))

	status, err := pipe.GetStreamStatus("s1")
	require.NoError(t, err)
	require.Zero(t, status.Subscribers)
}

func TestPipeline_PauseResume(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor,
		WithThreshold("value", ThresholdRule{Max: f64(10)}),
	)
	require.NoError(t, err)

	var delivered int64
	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		atomic.AddInt64(&delivered, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, pipe.PauseStream("s1"))

	// 暂停中：仍然缓冲和统计，但不投递也不告警
	_, err = pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 50), DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := pipe.GetAnalyticsSummary("s1")
		return err == nil && snap.Events == 1
	}, time.Second, 10*time.Millisecond)

	events, err := pipe.GetRecentEvents("s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Zero(t, atomic.LoadInt64(&delivered))

	_, err = pipe.GetRecentEvents("alerts.dev1", 10)
	require.ErrorIs(t, err, ErrUnknownStream)

	// 恢复后投递和告警恢复
	require.NoError(t, pipe.ResumeStream("s1"))

	_, err = pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 50), DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&delivered) == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		events, err := pipe.GetRecentEvents("alerts.dev1", 10)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_CloseStream(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error { return nil })
	require.NoError(t, err)

	_, err = pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, _ := pipe.GetRecentEvents("s1", 10)
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pipe.CloseStream("s1"))
	// 重复关闭是幂等的
	require.NoError(t, pipe.CloseStream("s1"))

	// 关闭后拒绝发布与订阅
	_, err = pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
	require.ErrorIs(t, err, ErrStreamClosed)

	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error { return nil })
	require.ErrorIs(t, err, ErrStreamClosed)

	require.ErrorIs(t, pipe.PauseStream("s1"), ErrStreamClosed)

	// 已缓冲的数据仍可查询
	events, err := pipe.GetRecentEvents("s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	status, err := pipe.GetStreamStatus("s1")
	require.NoError(t, err)
	require.Equal(t, StreamClosed, status.Status)
	require.Zero(t, status.Subscribers)
}

func TestPipeline_EqualPriorityOrderPreserved(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()

	pipe, err := New(config)
	require.NoError(t, err)

	_, err = pipe.CreateStream("s1", CategoryActivity)
	require.NoError(t, err)

	ctx := context.Background()
	var published []string
	for i := 0; i < 10; i++ {
		id, err := pipe.Publish(ctx, "s1", "e1", Payload{}, DefaultPriority)
		require.NoError(t, err)
		published = append(published, id)
	}

	// drain关闭保证全部事件按序进入缓冲区后返回
	require.NoError(t, pipe.Shutdown(true))

	events, err := pipe.GetRecentEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 10)

	// recent 最新在前，反转后应与发布顺序一致
	for i, event := range events {
		require.Equal(t, published[len(published)-1-i], event.ID)
	}
}

func TestPipeline_ShutdownDiscard(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()

	pipe, err := New(config)
	require.NoError(t, err)

	_, err = pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	require.NoError(t, pipe.Shutdown(false))
	// 重复关闭是幂等的
	require.NoError(t, pipe.Shutdown(false))

	_, err = pipe.Publish(context.Background(), "s1", "e1", Payload{}, DefaultPriority)
	require.ErrorIs(t, err, ErrPipelineClosed)

	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error { return nil })
	require.ErrorIs(t, err, ErrPipelineClosed)

	_, err = pipe.CreateStream("s2", CategorySensor)
	require.ErrorIs(t, err, ErrPipelineClosed)

	// 查询接口在关闭后仍然可用
	_, err = pipe.GetStreamStatus("s1")
	require.NoError(t, err)
}

func TestPipeline_ShutdownDrain(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()

	pipe, err := New(config)
	require.NoError(t, err)

	_, err = pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", float64(i)), DefaultPriority)
		require.NoError(t, err)
	}

	require.NoError(t, pipe.Shutdown(true))

	// drain返回前，关闭前入队的全部事件已可见
	events, err := pipe.GetRecentEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)

	snap, err := pipe.GetAnalyticsSummary("s1")
	require.NoError(t, err)
	require.Equal(t, int64(20), snap.Events)
}

func TestPipeline_ShutdownDrainDeliversAlerts(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()

	pipe, err := New(config)
	require.NoError(t, err)

	_, err = pipe.CreateStream("s1", CategorySensor,
		WithThreshold("value", ThresholdRule{Max: f64(10)}),
	)
	require.NoError(t, err)

	_, err = pipe.Publish(context.Background(), "s1", "dev1", SensorPayload("value", 100), DefaultPriority)
	require.NoError(t, err)

	// drain中合成的告警也被排空
	require.NoError(t, pipe.Shutdown(true))

	events, err := pipe.GetRecentEvents("alerts.dev1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPipeline_StreamStatusTotals(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor, WithCapacity(2))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		status, err := pipe.GetStreamStatus("s1")
		return err == nil && status.Published == 5 && status.Buffered == 2 && status.Evicted == 3
	}, time.Second, 10*time.Millisecond)

	status, err := pipe.GetStreamStatus("s1")
	require.NoError(t, err)
	require.Equal(t, 2, status.Capacity)
	require.False(t, status.LastPublished.IsZero())
}

func TestPipeline_ListStreamsAndStats(t *testing.T) {
	pipe := newTestPipeline(t)

	_, err := pipe.CreateStream("b.stream", CategorySensor)
	require.NoError(t, err)
	_, err = pipe.CreateStream("a.stream", CategoryFinancial)
	require.NoError(t, err)

	streams := pipe.ListStreams()
	require.Len(t, streams, 2)
	// 按ID排序
	require.Equal(t, "a.stream", streams[0].ID)
	require.Equal(t, "b.stream", streams[1].ID)

	stats := pipe.Stats()
	require.Equal(t, 2, stats["streams"])
	require.Equal(t, false, stats["closed"])
}

func TestPipeline_RetentionTrim(t *testing.T) {
	config := DefaultConfig()
	config.Log = zap.NewNop()
	config.Stream.TickInterval = 30 * time.Millisecond

	pipe, err := New(config)
	require.NoError(t, err)
	defer pipe.Shutdown(false)

	_, err = pipe.CreateStream("s1", CategorySensor, WithRetention(50*time.Millisecond))
	require.NoError(t, err)

	_, err = pipe.Publish(context.Background(), "s1", "dev1", SensorPayload("value", 1), DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, _ := pipe.GetRecentEvents("s1", 0)
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	// 保留窗口过后被周期裁剪清理
	require.Eventually(t, func() bool {
		events, _ := pipe.GetRecentEvents("s1", 0)
		return len(events) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_MalformedCallbackDoesNotHaltDispatcher(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		return errors.New("always failing")
	})
	require.NoError(t, err)

	// 失败的订阅不阻止后续事件继续处理
	for i := 0; i < 3; i++ {
		_, err := pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", float64(i)), DefaultPriority)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		snap, err := pipe.GetAnalyticsSummary("s1")
		return err == nil && snap.Events == 3 && snap.ErrorCount == 3 && snap.LastError != ""
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_ProcessedVisibleToCallbacks(t *testing.T) {
	pipe := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipe.CreateStream("s1", CategorySensor)
	require.NoError(t, err)

	const total = 50
	var wg sync.WaitGroup
	var unprocessed int64

	// 回调并发读取 Processed，分发器必须在事件可见前完成置位
	_, err = pipe.Subscribe("s1", func(ctx context.Context, event *Event) error {
		if !event.Processed {
			atomic.AddInt64(&unprocessed, 1)
		}
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	wg.Add(total)
	for i := 0; i < total; i++ {
		_, err := pipe.Publish(ctx, "s1", "dev1", SensorPayload("value", float64(i)), DefaultPriority)
		require.NoError(t, err)
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt64(&unprocessed))

	// 历史查询看到的事件同样已置位
	events, err := pipe.GetRecentEvents("s1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, event := range events {
		require.True(t, event.Processed)
	}
}
