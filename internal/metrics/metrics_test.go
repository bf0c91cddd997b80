// =============================================================================
// 文件: internal/metrics/metrics_test.go
// =============================================================================
package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCountersReflectedInSnapshot(t *testing.T) {
	m := New()
	m.IncOrders()
	m.IncOrders()
	m.IncReplies()
	m.AddBytesSent(100)
	m.AddBytesReceived(50)
	m.AddRetransmits(3)

	s := m.GetSnapshot()
	if s.OrdersServed != 2 || s.RepliesSent != 1 {
		t.Errorf("订单/回执计数错误: %+v", s)
	}
	if s.BytesSent != 100 || s.BytesReceived != 50 {
		t.Errorf("字节计数错误: %+v", s)
	}
	if s.Retransmits != 3 {
		t.Errorf("重传计数错误: %d", s.Retransmits)
	}
	if s.UptimeSec < 0 {
		t.Errorf("运行时长为负: %f", s.UptimeSec)
	}
}

func TestByteCountersIgnoreNonPositive(t *testing.T) {
	m := New()
	m.AddBytesSent(0)
	m.AddBytesSent(-10)
	m.AddBytesReceived(-1)

	s := m.GetSnapshot()
	if s.BytesSent != 0 || s.BytesReceived != 0 {
		t.Errorf("非正值不应计入: %+v", s)
	}
}

func TestRTTAggregation(t *testing.T) {
	m := New()

	if s := m.GetSnapshot(); s.RTTMeanMs != 0 || s.RTTMaxMs != 0 {
		t.Errorf("无样本时 RTT 应为 0: %+v", s)
	}

	m.ObserveRTT(10 * time.Millisecond)
	m.ObserveRTT(30 * time.Millisecond)
	m.ObserveRTT(20 * time.Millisecond)

	s := m.GetSnapshot()
	if s.RTTMeanMs < 19.9 || s.RTTMeanMs > 20.1 {
		t.Errorf("RTT 均值 = %f, want ~20", s.RTTMeanMs)
	}
	if s.RTTMaxMs < 29.9 || s.RTTMaxMs > 30.1 {
		t.Errorf("RTT 最大值 = %f, want ~30", s.RTTMaxMs)
	}
}

func TestRTTMaxNotLoweredBySmallerSample(t *testing.T) {
	m := New()
	m.ObserveRTT(50 * time.Millisecond)
	m.ObserveRTT(5 * time.Millisecond)

	s := m.GetSnapshot()
	if s.RTTMaxMs < 49.9 {
		t.Errorf("最大值被小样本拉低: %f", s.RTTMaxMs)
	}
}

func TestPrometheusCollect(t *testing.T) {
	m := New()
	m.IncOrders()
	m.AddRetransmits(7)

	reg := prometheus.NewRegistry()
	if err := reg.Register(m); err != nil {
		t.Fatalf("注册收集器失败: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 {
			mm := mf.GetMetric()[0]
			switch {
			case mm.GetCounter() != nil:
				got[mf.GetName()] = mm.GetCounter().GetValue()
			case mm.GetGauge() != nil:
				got[mf.GetName()] = mm.GetGauge().GetValue()
			}
		}
	}

	if got["bistro_orders_served_total"] != 1 {
		t.Errorf("bistro_orders_served_total = %f, want 1", got["bistro_orders_served_total"])
	}
	if got["bistro_retransmits_total"] != 7 {
		t.Errorf("bistro_retransmits_total = %f, want 7", got["bistro_retransmits_total"])
	}
	if _, ok := got["bistro_uptime_seconds"]; !ok {
		t.Error("缺少 bistro_uptime_seconds")
	}
}
