// =============================================================================
// 文件: internal/transport/transport.go
// 描述: ARQ 可靠传输 - 公共契约 (配置/接口/序号比较/定时器/统计)
//       GBN 与 SR 两种实现共用同一接口, 上层无感切换
// =============================================================================
package transport

import (
	"sync/atomic"
	"time"

	"github.com/mrcgq/bistro/internal/channel"
	"github.com/mrcgq/bistro/internal/wire"
)

// 默认参数
const (
	DefaultWindow = 32
	DefaultMSS    = 512
	DefaultRTO    = 120 * time.Millisecond

	// MaxWindowSR SR 的窗口上限 (槽位环预分配的规模上界)
	MaxWindowSR = 256

	// MaxMessage 单条消息上限, 超出部分截断
	MaxMessage = 64 * 1024
)

// Config 传输层参数, 零值字段取默认
type Config struct {
	InitSeq uint32
	Window  uint32
	MSS     int
	RTO     time.Duration
}

// withDefaults 返回填充了默认值的副本
func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MSS <= 0 {
		c.MSS = DefaultMSS
	}
	if c.RTO <= 0 {
		c.RTO = DefaultRTO
	}
	return c
}

// Transport 可靠传输接口, 由 GBN 与 SR 共同实现
type Transport interface {
	// Send 提交一条消息; 语义 (阻塞与否) 由实现决定
	Send(msg []byte) error

	// Recv 接收一条有序消息, 超时返回 (0, nil)
	Recv(buf []byte, timeout time.Duration) (int, error)

	// Close 释放底层信道, 可重复调用
	Close() error

	// Stats 返回当前统计快照
	Stats() Stats
}

// seqCmp 回绕安全的序号比较: <0 表示 a 在 b 之前, 0 相等, >0 在其后
// 所有窗口判断都必须经由此函数, 禁止直接比较
func seqCmp(a, b uint32) int32 {
	return int32(a - b)
}

// =============================================================================
// 截止时刻定时器 (值类型, 零分配)
// =============================================================================

// deadlineTimer 单调时钟上的截止时刻, armed 为 false 时视为未挂载
type deadlineTimer struct {
	armed    bool
	deadline time.Time
}

func (t *deadlineTimer) arm(d time.Duration) {
	t.armed = true
	t.deadline = time.Now().Add(d)
}

func (t *deadlineTimer) disarm() {
	t.armed = false
}

func (t *deadlineTimer) expired() bool {
	return t.armed && !time.Now().Before(t.deadline)
}

// =============================================================================
// 统计计数器
// =============================================================================

// Stats 传输层统计快照
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	Retransmits    uint64
	AcksSent       uint64
	AcksReceived   uint64
	OutOfOrder     uint64
	DupsDropped    uint64
}

// counters 原子计数器集合, 快照读取无锁
type counters struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	retransmits    atomic.Uint64
	acksSent       atomic.Uint64
	acksReceived   atomic.Uint64
	outOfOrder     atomic.Uint64
	dupsDropped    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		Retransmits:    c.retransmits.Load(),
		AcksSent:       c.acksSent.Load(),
		AcksReceived:   c.acksReceived.Load(),
		OutOfOrder:     c.outOfOrder.Load(),
		DupsDropped:    c.dupsDropped.Load(),
	}
}

// =============================================================================
// 实现共用的小工具
// =============================================================================

// sendAck 发送一个纯 ACK 帧 (seq=0, len=0)
func sendAck(ch *channel.Channel, buf []byte, ack uint32, ctr *counters, logf func(int, string, ...interface{})) {
	n := wire.Pack(buf, wire.FlagACK, 0, ack, nil)
	if n == 0 {
		return
	}
	if _, err := ch.Send(buf[:n]); err != nil {
		logf(0, "ACK(%d) 发送失败: %v", ack, err)
		return
	}
	ctr.acksSent.Add(1)
	ctr.framesSent.Add(1)
	logf(2, "发送 ACK(%d)", ack)
}
