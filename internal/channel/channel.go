// =============================================================================
// 文件: internal/channel/channel.go
// 描述: 不可靠信道仿真层 - 在 UDP 套接字上注入丢包/重复/乱序/延迟/限速
//       xorshift64* 确定性伪随机源, 同种子同序列; 负载字节不做任何检查或修改
// =============================================================================
package channel

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultSeed Seed 为 0 时使用的固定种子
const DefaultSeed = 0xC0FFEE1234

const (
	// sleepChunk 等待队头就绪时单次休眠上限
	sleepChunk = 5 * time.Millisecond

	// maxWait 单次 Send 内等待队头就绪的硬上限
	maxWait = 150 * time.Millisecond
)

// Config 信道损伤参数
type Config struct {
	LossPct       int    // 丢包概率 0..100
	DupPct        int    // 重复概率 0..100
	ReorderPct    int    // 乱序概率 0..100
	DelayMeanMs   int    // 延迟均值 (毫秒)
	DelayJitterMs int    // 延迟抖动幅度 (毫秒)
	RateMbps      int    // 限速 Mbps, 0 为不限
	Seed          uint64 // 随机种子, 0 取 DefaultSeed
}

// queuedFrame 延迟队列中的一帧, data 为堆上独立副本
type queuedFrame struct {
	data    []byte
	readyAt time.Time
}

// Channel 包装一个 UDP 套接字, 按配置对发送方向注入损伤
// 接收方向原样透传, 仅负责超时语义与对端地址学习
type Channel struct {
	mu   sync.Mutex
	conn *net.UDPConn
	peer *net.UDPAddr
	cfg  Config

	rng       uint64
	queue     []queuedFrame
	nextTx    time.Time // 令牌桶: 下一次允许发送的时刻
	nsPerByte int64     // 8000/RateMbps, 0 为不限速

	closed   bool
	logLevel int
}

// New 创建信道, conn 的生命周期转交给信道, peer 可为 nil (服务端等首包学习)
func New(conn *net.UDPConn, peer *net.UDPAddr, cfg Config, logLevel string) *Channel {
	level := 1
	switch logLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultSeed
	}

	var nsPerByte int64
	if cfg.RateMbps > 0 {
		nsPerByte = 8000 / int64(cfg.RateMbps)
	}

	return &Channel{
		conn:      conn,
		peer:      peer,
		cfg:       cfg,
		rng:       seed,
		nsPerByte: nsPerByte,
		logLevel:  level,
	}
}

// Peer 返回当前记录的对端地址
func (c *Channel) Peer() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// SetPeer 显式设置对端地址
func (c *Channel) SetPeer(peer *net.UDPAddr) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

// =============================================================================
// 伪随机源 (xorshift64*)
// =============================================================================

func (c *Channel) next() uint64 {
	x := c.rng
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	c.rng = x
	return x * 2685821657736338717
}

// roll 按百分比做一次伯努利抽样
func (c *Channel) roll(pct int) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return int(c.next()%100) < pct
}

// drawDelay 抽取一次延迟: mean + U[-jitter,+jitter], 负值截为 0
func (c *Channel) drawDelay() time.Duration {
	mean := int64(c.cfg.DelayMeanMs)
	jitter := int64(c.cfg.DelayJitterMs)
	d := mean
	if jitter > 0 {
		d += int64(c.next()%uint64(2*jitter+1)) - jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// =============================================================================
// 发送路径
// =============================================================================

// Send 把一帧交给信道, 依次经过 丢包/入队/重复/乱序/排队等待/令牌桶放行
// 被"丢弃"的帧对调用方仍表现为发送成功 (返回 len(b))
// 返回本次实际刷出的字节总数; 若帧仅入队未刷出, 返回 len(b)
func (c *Channel) Send(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("channel: 信道已关闭")
	}
	if c.peer == nil {
		return 0, fmt.Errorf("channel: 对端地址未知")
	}

	// 1. 丢包: 逻辑上算发送成功, 不入队
	if c.roll(c.cfg.LossPct) {
		c.log(2, "[CHAN DROP] %d 字节被丢弃", len(b))
		return len(b), nil
	}

	// 2. 入队独立副本
	now := time.Now()
	cp := make([]byte, len(b))
	copy(cp, b)
	c.queue = append(c.queue, queuedFrame{data: cp, readyAt: now.Add(c.drawDelay())})

	// 3. 重复: 再入队一份, 晚 1ms 就绪
	if c.roll(c.cfg.DupPct) {
		dup := make([]byte, len(b))
		copy(dup, b)
		c.queue = append(c.queue, queuedFrame{data: dup, readyAt: c.queue[len(c.queue)-1].readyAt.Add(time.Millisecond)})
		c.log(2, "[CHAN DUP] %d 字节重复入队", len(b))
	}

	// 4. 乱序: 队头与其后继交换
	if len(c.queue) >= 2 && c.roll(c.cfg.ReorderPct) {
		c.queue[0], c.queue[1] = c.queue[1], c.queue[0]
		c.log(2, "[CHAN REORDER] 队头交换")
	}

	// 5. 分片休眠等待队头就绪, 总等待不超过硬上限
	deadline := now.Add(maxWait)
	for len(c.queue) > 0 {
		wait := time.Until(c.queue[0].readyAt)
		if wait <= 0 {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		if wait > sleepChunk {
			wait = sleepChunk
		}
		time.Sleep(wait)
	}

	// 6. 刷出所有就绪帧, 受令牌桶约束
	flushed := 0
	for len(c.queue) > 0 {
		head := c.queue[0]
		now = time.Now()
		if now.Before(head.readyAt) {
			break
		}
		if c.nsPerByte > 0 && now.Before(c.nextTx) {
			break
		}

		n, err := c.conn.WriteToUDP(head.data, c.peer)
		if err != nil {
			return flushed, fmt.Errorf("channel: 套接字写入失败: %w", err)
		}
		if c.nsPerByte > 0 {
			base := c.nextTx
			if now.After(base) {
				base = now
			}
			c.nextTx = base.Add(time.Duration(c.nsPerByte * int64(n)))
		}
		c.queue = c.queue[1:]
		flushed += n
		c.log(2, "[CHAN SEND] %d 字节 -> %s", n, c.peer)
	}

	// 7. 没刷出任何帧但帧已入队: 对调用方表现为成功
	if flushed == 0 {
		return len(b), nil
	}
	return flushed, nil
}

// =============================================================================
// 接收路径
// =============================================================================

// Recv 带超时的阻塞读; 超时返回 (0, nil), 底层失败返回错误
// 每次成功接收都把来源地址记录为对端 (服务端借此学习对端)
func (c *Channel) Recv(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("channel: 信道已关闭")
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("channel: 设置读超时失败: %w", err)
	}

	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, fmt.Errorf("channel: 套接字读取失败: %w", err)
	}

	c.mu.Lock()
	c.peer = addr
	c.mu.Unlock()

	c.log(2, "[CHAN RECV] %d 字节 <- %s", n, addr)
	return n, nil
}

// Close 释放延迟队列并关闭底层套接字, 可重复调用
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	return c.conn.Close()
}

// =============================================================================
// 日志方法
// =============================================================================

func (c *Channel) log(level int, format string, args ...interface{}) {
	if level > c.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [CHAN] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
