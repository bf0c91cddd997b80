// =============================================================================
// 文件: internal/transport/sr.go
// 描述: Selective Repeat 可靠传输 - 逐包定时器, 仅重传超时帧, 乱序缓存重组
//       槽位环在创建时一次性预分配, 数据路径上不再为槽位分配内存; Send 阻塞直至全部确认
// =============================================================================
package transport

import (
	"fmt"
	"time"

	"github.com/mrcgq/bistro/internal/channel"
	"github.com/mrcgq/bistro/internal/wire"
)

// txSlot 发送侧槽位: 负载副本 + 独立重传定时器
type txSlot struct {
	buf   []byte
	len   int
	timer deadlineTimer
	inuse bool
}

// rxSlot 接收侧槽位: 乱序到达的帧在此等待按序前缀推进
type rxSlot struct {
	buf     []byte
	len     int
	present bool
}

// selectiveRepeat SR 状态机, 槽位按 seq mod wnd 索引
type selectiveRepeat struct {
	ch  *channel.Channel
	cfg Config

	sndUna uint32
	sndNxt uint32
	rcvNxt uint32

	tx []txSlot
	rx []rxSlot

	ctr      counters
	closed   bool
	logLevel int
}

// NewSelectiveRepeat 创建 SR 传输; 窗口钳制到 MaxWindowSR, 零值字段取默认
func NewSelectiveRepeat(ch *channel.Channel, cfg Config) Transport {
	return NewSelectiveRepeatLevel(ch, cfg, "info")
}

// NewSelectiveRepeatLevel 创建 SR 传输并指定日志级别
func NewSelectiveRepeatLevel(ch *channel.Channel, cfg Config, logLevel string) Transport {
	cfg = cfg.withDefaults()
	if cfg.Window > MaxWindowSR {
		cfg.Window = MaxWindowSR
	}

	level := 1
	switch logLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	s := &selectiveRepeat{
		ch:       ch,
		cfg:      cfg,
		sndUna:   cfg.InitSeq,
		sndNxt:   cfg.InitSeq,
		rcvNxt:   cfg.InitSeq,
		tx:       make([]txSlot, cfg.Window),
		rx:       make([]rxSlot, cfg.Window),
		logLevel: level,
	}
	for i := range s.tx {
		s.tx[i].buf = make([]byte, cfg.MSS)
	}
	for i := range s.rx {
		s.rx[i].buf = make([]byte, cfg.MSS)
	}
	return s
}

// idx 绝对序号到槽位环下标的映射
func (s *selectiveRepeat) idx(seq uint32) uint32 {
	return seq % s.cfg.Window
}

// sendFrame 打包并发送单个 DATA 帧, 捎带当前 rcvNxt
func (s *selectiveRepeat) sendFrame(seq uint32, payload []byte) error {
	buf := make([]byte, wire.HeaderSize+len(payload))
	n := wire.Pack(buf, wire.FlagDATA, seq, s.rcvNxt, payload)
	if n == 0 {
		return fmt.Errorf("sr: 帧打包失败 (len=%d)", len(payload))
	}
	if _, err := s.ch.Send(buf[:n]); err != nil {
		return fmt.Errorf("sr: 信道发送失败: %w", err)
	}
	s.ctr.framesSent.Add(1)
	s.ctr.bytesSent.Add(uint64(len(payload)))
	return nil
}

// consumeAck 处理任意头部携带的累积 ACK: 逐步推进 sndUna, 释放槽位并解除定时器
func (s *selectiveRepeat) consumeAck(h wire.Header) {
	if seqCmp(h.Ack, s.sndUna) < 0 || seqCmp(h.Ack, s.sndNxt) > 0 {
		return
	}
	if h.Flags&wire.FlagACK != 0 {
		s.ctr.acksReceived.Add(1)
	}
	for seqCmp(s.sndUna, h.Ack) < 0 {
		i := s.idx(s.sndUna)
		if s.tx[i].inuse {
			s.tx[i].inuse = false
			s.tx[i].timer.disarm()
		}
		s.sndUna++
	}
}

// retransmitExpired 扫描在途区间, 只重传定时器到期的槽位
func (s *selectiveRepeat) retransmitExpired() {
	for q := s.sndUna; seqCmp(s.sndNxt, q) > 0; q++ {
		i := s.idx(q)
		if s.tx[i].inuse && s.tx[i].timer.expired() {
			s.log(2, "槽位超时, 单帧重传 seq=%d", q)
			if err := s.sendFrame(q, s.tx[i].buf[:s.tx[i].len]); err != nil {
				s.log(0, "重传 seq=%d 失败: %v", q, err)
			}
			s.ctr.retransmits.Add(1)
			s.tx[i].timer.arm(s.cfg.RTO)
		}
	}
}

// pollAcks 非阻塞 (或定时) 轮询一次信道, 消费任意头部的 ACK
func (s *selectiveRepeat) pollAcks(timeout time.Duration) error {
	ibuf := make([]byte, 2048)
	rn, err := s.ch.Recv(ibuf, timeout)
	if err != nil {
		return err
	}
	if rn == 0 {
		return nil
	}
	if h, _, ok := wire.Parse(ibuf[:rn]); ok {
		s.ctr.framesReceived.Add(1)
		s.consumeAck(h)
	}
	return nil
}

// Send 分片发送整条消息并阻塞直至 sndUna==sndNxt (全部确认)
// 循环体: 轮询 ACK -> 重传到期槽位 -> 窗口满则退避 1ms -> 否则发下一片
func (s *selectiveRepeat) Send(msg []byte) error {
	if s.closed {
		return fmt.Errorf("sr: 传输已关闭")
	}

	off := 0
	for off < len(msg) {
		if err := s.pollAcks(0); err != nil {
			return err
		}
		s.retransmitExpired()

		if uint32(seqCmp(s.sndNxt, s.sndUna)) >= s.cfg.Window {
			time.Sleep(time.Millisecond)
			continue
		}

		chunk := len(msg) - off
		if chunk > s.cfg.MSS {
			chunk = s.cfg.MSS
		}
		if err := s.sendFrame(s.sndNxt, msg[off:off+chunk]); err != nil {
			return err
		}

		i := s.idx(s.sndNxt)
		copy(s.tx[i].buf, msg[off:off+chunk])
		s.tx[i].len = chunk
		s.tx[i].inuse = true
		s.tx[i].timer.arm(s.cfg.RTO)

		s.sndNxt++
		off += chunk
	}

	// 排空阶段: 带 RTO 时长的阻塞轮询, 持续消费 ACK 并重传超时槽位
	for seqCmp(s.sndUna, s.sndNxt) < 0 {
		if err := s.pollAcks(s.cfg.RTO); err != nil {
			return err
		}
		s.retransmitExpired()
	}
	return nil
}

// Recv 先交付已就位的按序槽 (无需等新帧), 否则轮询一次信道: 消费 ACK,
// DATA 帧按窗口缓存, 到达按序头时交付; 无论交付与否都回 ACK(rcvNxt)
// 空洞闭合后缓存的连续前缀逐次调用交付, 每帧一次, 字节不丢
func (s *selectiveRepeat) Recv(buf []byte, timeout time.Duration) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("sr: 传输已关闭")
	}

	// 上次空洞闭合时缓存的后继槽在此排队交付
	if s.rx[s.idx(s.rcvNxt)].present {
		return s.deliverHead(buf), nil
	}

	ibuf := make([]byte, 2048)
	rn, err := s.ch.Recv(ibuf, timeout)
	if err != nil {
		return 0, err
	}
	if rn == 0 {
		return 0, nil
	}

	h, payload, ok := wire.Parse(ibuf[:rn])
	if !ok {
		return 0, nil
	}
	s.ctr.framesReceived.Add(1)
	s.log(2, "收到帧 flags=%#02x seq=%d ack=%d len=%d (rcvNxt=%d)", h.Flags, h.Seq, h.Ack, h.Len, s.rcvNxt)

	s.consumeAck(h)

	if h.Flags&wire.FlagDATA == 0 {
		return 0, nil
	}

	// 窗口之外: 上方越界或已交付区段, 只回 ACK 提示进度
	if seqCmp(h.Seq, s.rcvNxt+s.cfg.Window) >= 0 {
		s.ctr.outOfOrder.Add(1)
		s.ackNow()
		return 0, nil
	}
	if seqCmp(h.Seq, s.rcvNxt) < 0 {
		s.ctr.dupsDropped.Add(1)
		s.ackNow()
		return 0, nil
	}

	i := s.idx(h.Seq)
	if !s.rx[i].present {
		n := int(h.Len)
		if n > len(s.rx[i].buf) {
			n = len(s.rx[i].buf)
		}
		copy(s.rx[i].buf, payload[:n])
		s.rx[i].len = n
		s.rx[i].present = true
	}

	// 按序头到达: 交付本槽; 已缓存的后继槽留待后续调用逐帧交付
	if h.Seq == s.rcvNxt {
		return s.deliverHead(buf), nil
	}

	// 空洞仍在: 缓存完毕, 继续通告 rcvNxt
	s.ctr.outOfOrder.Add(1)
	s.ackNow()
	return 0, nil
}

// deliverHead 交付 rcvNxt 所在槽位并推进一格, 回 ACK(rcvNxt)
func (s *selectiveRepeat) deliverHead(buf []byte) int {
	i := s.idx(s.rcvNxt)
	n := s.rx[i].len
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, s.rx[i].buf[:n])
	s.rx[i].present = false
	s.ctr.bytesReceived.Add(uint64(s.rx[i].len))
	s.rcvNxt++
	s.ackNow()
	return n
}

// ackNow 立即发出纯 ACK(rcvNxt)
func (s *selectiveRepeat) ackNow() {
	abuf := make([]byte, wire.HeaderSize)
	sendAck(s.ch, abuf, s.rcvNxt, &s.ctr, s.log)
}

// Close 关闭底层信道, 可重复调用
func (s *selectiveRepeat) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ch.Close()
}

// Stats 返回统计快照
func (s *selectiveRepeat) Stats() Stats {
	return s.ctr.snapshot()
}

func (s *selectiveRepeat) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [SR] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
