// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 指标收集器 - 订单/回执/流量/重传计数与 RTT 聚合, 兼作 Prometheus 收集器
// =============================================================================
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BistroMetrics 指标收集器
type BistroMetrics struct {
	// 业务统计
	ordersServed uint64
	repliesSent  uint64

	// 流量统计
	bytesSent     uint64
	bytesReceived uint64

	// 传输层统计
	retransmits uint64

	// RTT 聚合 (微秒)
	rttCount   uint64
	rttTotalUs uint64
	rttMaxUs   uint64

	startTime time.Time

	// Prometheus 描述符
	descOrders      *prometheus.Desc
	descReplies     *prometheus.Desc
	descBytesSent   *prometheus.Desc
	descBytesRecv   *prometheus.Desc
	descRetransmits *prometheus.Desc
	descRTTMean     *prometheus.Desc
	descUptime      *prometheus.Desc
}

// Snapshot 对外 JSON 快照 (/live 推送与测试使用)
type Snapshot struct {
	OrdersServed  uint64  `json:"orders_served"`
	RepliesSent   uint64  `json:"replies_sent"`
	BytesSent     uint64  `json:"bytes_sent"`
	BytesReceived uint64  `json:"bytes_received"`
	Retransmits   uint64  `json:"retransmits"`
	RTTMeanMs     float64 `json:"rtt_mean_ms"`
	RTTMaxMs      float64 `json:"rtt_max_ms"`
	UptimeSec     float64 `json:"uptime_sec"`
}

// New 创建指标收集器
func New() *BistroMetrics {
	return &BistroMetrics{
		startTime: time.Now(),
		descOrders: prometheus.NewDesc("bistro_orders_served_total",
			"已处理订单总数", nil, nil),
		descReplies: prometheus.NewDesc("bistro_replies_sent_total",
			"已发送回执总数", nil, nil),
		descBytesSent: prometheus.NewDesc("bistro_bytes_sent_total",
			"应用层发送字节总数", nil, nil),
		descBytesRecv: prometheus.NewDesc("bistro_bytes_received_total",
			"应用层接收字节总数", nil, nil),
		descRetransmits: prometheus.NewDesc("bistro_retransmits_total",
			"传输层重传帧总数", nil, nil),
		descRTTMean: prometheus.NewDesc("bistro_rtt_mean_ms",
			"订单往返时延均值 (毫秒)", nil, nil),
		descUptime: prometheus.NewDesc("bistro_uptime_seconds",
			"进程运行时长 (秒)", nil, nil),
	}
}

// IncOrders 记一笔已处理订单
func (m *BistroMetrics) IncOrders() {
	atomic.AddUint64(&m.ordersServed, 1)
}

// IncReplies 记一笔已发送回执
func (m *BistroMetrics) IncReplies() {
	atomic.AddUint64(&m.repliesSent, 1)
}

// AddBytesSent 增加发送字节数
func (m *BistroMetrics) AddBytesSent(n int) {
	if n > 0 {
		atomic.AddUint64(&m.bytesSent, uint64(n))
	}
}

// AddBytesReceived 增加接收字节数
func (m *BistroMetrics) AddBytesReceived(n int) {
	if n > 0 {
		atomic.AddUint64(&m.bytesReceived, uint64(n))
	}
}

// AddRetransmits 累加重传帧数
func (m *BistroMetrics) AddRetransmits(n uint64) {
	atomic.AddUint64(&m.retransmits, n)
}

// ObserveRTT 登记一次订单往返时延
func (m *BistroMetrics) ObserveRTT(d time.Duration) {
	us := uint64(d.Microseconds())
	atomic.AddUint64(&m.rttCount, 1)
	atomic.AddUint64(&m.rttTotalUs, us)
	for {
		old := atomic.LoadUint64(&m.rttMaxUs)
		if us <= old || atomic.CompareAndSwapUint64(&m.rttMaxUs, old, us) {
			break
		}
	}
}

// GetSnapshot 读取当前快照
func (m *BistroMetrics) GetSnapshot() Snapshot {
	s := Snapshot{
		OrdersServed:  atomic.LoadUint64(&m.ordersServed),
		RepliesSent:   atomic.LoadUint64(&m.repliesSent),
		BytesSent:     atomic.LoadUint64(&m.bytesSent),
		BytesReceived: atomic.LoadUint64(&m.bytesReceived),
		Retransmits:   atomic.LoadUint64(&m.retransmits),
		RTTMaxMs:      float64(atomic.LoadUint64(&m.rttMaxUs)) / 1000.0,
		UptimeSec:     time.Since(m.startTime).Seconds(),
	}
	if n := atomic.LoadUint64(&m.rttCount); n > 0 {
		s.RTTMeanMs = float64(atomic.LoadUint64(&m.rttTotalUs)) / float64(n) / 1000.0
	}
	return s
}

// =============================================================================
// Prometheus 收集器实现
// =============================================================================

// Describe 实现 prometheus.Collector
func (m *BistroMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.descOrders
	ch <- m.descReplies
	ch <- m.descBytesSent
	ch <- m.descBytesRecv
	ch <- m.descRetransmits
	ch <- m.descRTTMean
	ch <- m.descUptime
}

// Collect 实现 prometheus.Collector
func (m *BistroMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.GetSnapshot()
	ch <- prometheus.MustNewConstMetric(m.descOrders, prometheus.CounterValue, float64(s.OrdersServed))
	ch <- prometheus.MustNewConstMetric(m.descReplies, prometheus.CounterValue, float64(s.RepliesSent))
	ch <- prometheus.MustNewConstMetric(m.descBytesSent, prometheus.CounterValue, float64(s.BytesSent))
	ch <- prometheus.MustNewConstMetric(m.descBytesRecv, prometheus.CounterValue, float64(s.BytesReceived))
	ch <- prometheus.MustNewConstMetric(m.descRetransmits, prometheus.CounterValue, float64(s.Retransmits))
	ch <- prometheus.MustNewConstMetric(m.descRTTMean, prometheus.GaugeValue, s.RTTMeanMs)
	ch <- prometheus.MustNewConstMetric(m.descUptime, prometheus.GaugeValue, s.UptimeSec)
}
