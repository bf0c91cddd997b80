// =============================================================================
// 文件: internal/transport/gbn.go
// 描述: Go-Back-N 可靠传输 - 固定窗口, 单 RTO 定时器, 超时成批重传, 累积 ACK
//       Send 非阻塞; 重传与窗口推进全部由 Recv 驱动 (活性模型)
// =============================================================================
package transport

import (
	"fmt"
	"time"

	"github.com/mrcgq/bistro/internal/channel"
	"github.com/mrcgq/bistro/internal/wire"
)

// goBackN GBN 发送端与接收端合一的状态机
type goBackN struct {
	ch  *channel.Channel
	cfg Config

	sndUna uint32 // 最早未确认序号
	sndNxt uint32 // 下一个待发序号
	rcvNxt uint32 // 期望接收序号

	timer deadlineTimer

	// 快照缓冲: 保存最近一条应用消息, 重传时按 mss 切片取用
	outbuf []byte
	outlen int

	// 单槽入站暂存: 有值时 Recv 先交付它
	inbuf  []byte
	inlen  int
	haveIn bool

	ctr      counters
	closed   bool
	logLevel int
}

// NewGoBackN 创建 GBN 传输, cfg 零值字段取默认 (wnd=32, mss=512, rto=120ms)
func NewGoBackN(ch *channel.Channel, cfg Config) Transport {
	return NewGoBackNLevel(ch, cfg, "info")
}

// NewGoBackNLevel 创建 GBN 传输并指定日志级别
func NewGoBackNLevel(ch *channel.Channel, cfg Config, logLevel string) Transport {
	cfg = cfg.withDefaults()

	level := 1
	switch logLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	return &goBackN{
		ch:       ch,
		cfg:      cfg,
		sndUna:   cfg.InitSeq,
		sndNxt:   cfg.InitSeq,
		rcvNxt:   cfg.InitSeq,
		outbuf:   make([]byte, MaxMessage),
		inbuf:    make([]byte, MaxMessage),
		logLevel: level,
	}
}

// outstanding 当前在途帧数; 不变式 0 <= outstanding <= wnd
func (s *goBackN) outstanding() uint32 {
	return uint32(seqCmp(s.sndNxt, s.sndUna))
}

// sendFrame 打包并发送单个 DATA 帧, 首个在途帧挂载定时器
func (s *goBackN) sendFrame(seq uint32, payload []byte) error {
	buf := make([]byte, wire.HeaderSize+len(payload))
	n := wire.Pack(buf, wire.FlagDATA, seq, s.rcvNxt, payload)
	if n == 0 {
		return fmt.Errorf("gbn: 帧打包失败 (len=%d)", len(payload))
	}
	if _, err := s.ch.Send(buf[:n]); err != nil {
		return fmt.Errorf("gbn: 信道发送失败: %w", err)
	}
	s.ctr.framesSent.Add(1)
	s.ctr.bytesSent.Add(uint64(len(payload)))
	if !s.timer.armed {
		s.timer.arm(s.cfg.RTO)
	}
	return nil
}

// retransmitWindow 从快照成批重传 [sndUna, sndNxt) 全部帧并重启定时器
func (s *goBackN) retransmitWindow() {
	if seqCmp(s.sndNxt, s.sndUna) <= 0 || s.outlen == 0 {
		s.timer.disarm()
		return
	}
	s.log(2, "RTO 超时, 重传窗口 [%d, %d)", s.sndUna, s.sndNxt)
	for q := s.sndUna; seqCmp(s.sndNxt, q) > 0; q++ {
		off := int(q-s.sndUna) * s.cfg.MSS
		if off >= s.outlen {
			break
		}
		c := s.outlen - off
		if c > s.cfg.MSS {
			c = s.cfg.MSS
		}
		if err := s.sendFrame(q, s.outbuf[off:off+c]); err != nil {
			s.log(0, "重传 seq=%d 失败: %v", q, err)
		}
		s.ctr.retransmits.Add(1)
	}
	s.timer.arm(s.cfg.RTO)
}

// Send 把消息快照进 outbuf, 在窗口允许的范围内按 mss 分片发送
// 窗口占满时直接停止并返回 nil (非阻塞); 未发出的剩余分片不会再发送,
// 后续 Recv 只推进 ACK 并重传已发出的 [sndUna, sndNxt)
func (s *goBackN) Send(msg []byte) error {
	if s.closed {
		return fmt.Errorf("gbn: 传输已关闭")
	}

	n := len(msg)
	if n > len(s.outbuf) {
		n = len(s.outbuf)
	}
	copy(s.outbuf, msg[:n])
	s.outlen = n

	off := 0
	for off < n {
		if s.outstanding() >= s.cfg.Window {
			break
		}
		chunk := n - off
		if chunk > s.cfg.MSS {
			chunk = s.cfg.MSS
		}
		if err := s.sendFrame(s.sndNxt, s.outbuf[off:off+chunk]); err != nil {
			return err
		}
		s.sndNxt++
		off += chunk
	}
	return nil
}

// Recv 轮询信道一次: 先交付暂存, 然后在轮询前及轮询超时 (无数据) 后检查 RTO,
// 消费累积 ACK, 仅交付按序 DATA (seq==rcvNxt); 乱序帧立即回 ACK(rcvNxt)
func (s *goBackN) Recv(buf []byte, timeout time.Duration) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("gbn: 传输已关闭")
	}

	// 暂存有货先交付
	if s.haveIn {
		n := s.inlen
		if n > len(buf) {
			n = len(buf)
		}
		copy(buf, s.inbuf[:n])
		s.haveIn = false
		s.inlen = 0
		return n, nil
	}

	// 轮询之前的 RTO 检查
	if seqCmp(s.sndNxt, s.sndUna) > 0 && s.timer.expired() {
		s.retransmitWindow()
	}

	ibuf := make([]byte, 2048)
	rn, err := s.ch.Recv(ibuf, timeout)
	if err != nil {
		return 0, err
	}
	if rn == 0 {
		// 超时路径上也要检查 RTO, 否则静默对端会卡死窗口
		if seqCmp(s.sndNxt, s.sndUna) > 0 && s.timer.expired() {
			s.retransmitWindow()
		}
		return 0, nil
	}

	h, payload, ok := wire.Parse(ibuf[:rn])
	if !ok {
		// 损坏帧静默丢弃
		return 0, nil
	}
	s.ctr.framesReceived.Add(1)
	s.log(2, "收到帧 flags=%#02x seq=%d ack=%d len=%d (rcvNxt=%d)", h.Flags, h.Seq, h.Ack, h.Len, s.rcvNxt)

	// 任何头部都可携带累积 ACK (纯 ACK 或捎带)
	if seqCmp(h.Ack, s.sndUna) >= 0 && seqCmp(h.Ack, s.sndNxt) <= 0 {
		if h.Flags&wire.FlagACK != 0 {
			s.ctr.acksReceived.Add(1)
		}
		s.sndUna = h.Ack
		if seqCmp(s.sndUna, s.sndNxt) == 0 {
			s.timer.disarm()
		} else {
			s.timer.arm(s.cfg.RTO)
		}
	}

	if h.Flags&wire.FlagDATA == 0 {
		return 0, nil
	}

	// 仅按序交付; 其余一律回 ACK(rcvNxt) 提示对端
	if seqCmp(h.Seq, s.rcvNxt) != 0 {
		if seqCmp(h.Seq, s.rcvNxt) < 0 {
			s.ctr.dupsDropped.Add(1)
		} else {
			s.ctr.outOfOrder.Add(1)
		}
		s.ackNow()
		return 0, nil
	}

	n := int(h.Len)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, payload[:n])
	s.ctr.bytesReceived.Add(uint64(h.Len))
	s.rcvNxt++
	s.ackNow()
	return n, nil
}

// ackNow 立即发出纯 ACK(rcvNxt)
func (s *goBackN) ackNow() {
	abuf := make([]byte, wire.HeaderSize)
	sendAck(s.ch, abuf, s.rcvNxt, &s.ctr, s.log)
}

// Close 关闭底层信道, 可重复调用
func (s *goBackN) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ch.Close()
}

// Stats 返回统计快照
func (s *goBackN) Stats() Stats {
	return s.ctr.snapshot()
}

func (s *goBackN) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [GBN] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
