// =============================================================================
// 文件: internal/transport/sr_test.go
// =============================================================================
package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/mrcgq/bistro/internal/wire"
)

func TestSRCleanExchange(t *testing.T) {
	ca, cb := newChannelPair(t)
	cli := NewSelectiveRepeatLevel(ca, Config{InitSeq: 1}, "error")
	srv := NewSelectiveRepeatLevel(cb, Config{InitSeq: 1}, "error")
	defer cli.Close()
	defer srv.Close()

	order := []byte("ORDER 7 fries,shake\n")
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2048)
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			n, err := srv.Recv(buf, 50*time.Millisecond)
			if err != nil {
				return
			}
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				got <- out
				return
			}
		}
	}()

	// SR 的 Send 阻塞直至全部确认; 对端的 Recv 循环会持续回 ACK
	if err := cli.Send(order); err != nil {
		t.Fatalf("客户端 Send: %v", err)
	}

	select {
	case msg := <-got:
		if !bytes.Equal(msg, order) {
			t.Fatalf("订单内容不一致: %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("服务端未收到订单")
	}

	if cli.(*selectiveRepeat).sndUna != cli.(*selectiveRepeat).sndNxt {
		t.Error("Send 返回后仍有在途帧")
	}
}

func TestSRMultiFragmentMessage(t *testing.T) {
	ca, cb := newChannelPair(t)
	cli := NewSelectiveRepeatLevel(ca, Config{InitSeq: 1, MSS: 8}, "error")
	srv := NewSelectiveRepeatLevel(cb, Config{InitSeq: 1, MSS: 8}, "error")
	defer cli.Close()
	defer srv.Close()

	msg := []byte("ORDER 42 double-cheese,cola,fries\n") // 跨多个 mss=8 分片
	frags := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		deadline := time.Now().Add(3 * time.Second)
		total := 0
		for time.Now().Before(deadline) && total < len(msg) {
			n, err := srv.Recv(buf, 50*time.Millisecond)
			if err != nil {
				return
			}
			if n > 0 {
				f := make([]byte, n)
				copy(f, buf[:n])
				frags <- f
				total += n
			}
		}
	}()

	if err := cli.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done
	close(frags)

	var joined []byte
	for f := range frags {
		joined = append(joined, f...)
	}
	if !bytes.Equal(joined, msg) {
		t.Fatalf("分片重组不一致: %q", joined)
	}
}

func TestSRStashOutOfOrderThenDeliver(t *testing.T) {
	raw, ch, sideAddr := newRawPeer(t)
	defer raw.Close()

	srv := NewSelectiveRepeatLevel(ch, Config{InitSeq: 1}, "error")
	defer srv.Close()

	fbuf := make([]byte, 256)
	out := make([]byte, 256)

	// 先送 seq=2 与 seq=3 (空洞在 1): 仅缓存不交付, 每帧回 ACK(1)
	for _, f := range []struct {
		seq     uint32
		payload string
	}{{2, "second"}, {3, "third"}} {
		fn := wire.Pack(fbuf, wire.FlagDATA, f.seq, 1, []byte(f.payload))
		if _, err := raw.WriteToUDP(fbuf[:fn], sideAddr); err != nil {
			t.Fatalf("WriteToUDP seq=%d: %v", f.seq, err)
		}
		n, err := srv.Recv(out, time.Second)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if n != 0 {
			t.Fatalf("空洞未补就交付了 %d 字节 (seq=%d)", n, f.seq)
		}
		drainAck(t, raw, 1)
	}

	// 再送 seq=1 补洞: 本次及后续调用逐帧交付 1,2,3, 字节一个不丢
	fn := wire.Pack(fbuf, wire.FlagDATA, 1, 1, []byte("first"))
	if _, err := raw.WriteToUDP(fbuf[:fn], sideAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		n, err := srv.Recv(out, time.Second)
		if err != nil {
			t.Fatalf("Recv #%d: %v", i+1, err)
		}
		if !bytes.Equal(out[:n], []byte(want)) {
			t.Fatalf("第 %d 次交付 = %q, want %q", i+1, out[:n], want)
		}
		drainAck(t, raw, uint32(i)+2)
	}
}

func TestSRDuplicateDataDropped(t *testing.T) {
	raw, ch, sideAddr := newRawPeer(t)
	defer raw.Close()

	srv := NewSelectiveRepeatLevel(ch, Config{InitSeq: 1}, "error")
	defer srv.Close()

	fbuf := make([]byte, 256)
	out := make([]byte, 256)
	fn := wire.Pack(fbuf, wire.FlagDATA, 1, 1, []byte("once"))

	if _, err := raw.WriteToUDP(fbuf[:fn], sideAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
	n, err := srv.Recv(out, time.Second)
	if err != nil || n == 0 {
		t.Fatalf("首帧未交付: n=%d err=%v", n, err)
	}
	drainAck(t, raw, 2)

	// 同一帧重放: 已交付区段, 丢弃并重申 ACK(2)
	if _, err := raw.WriteToUDP(fbuf[:fn], sideAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
	n, err = srv.Recv(out, time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 0 {
		t.Errorf("重复帧被再次交付: %d 字节", n)
	}
	drainAck(t, raw, 2)
	if srv.Stats().DupsDropped == 0 {
		t.Error("重复帧未计入统计")
	}
}

func TestSRAboveWindowRejected(t *testing.T) {
	raw, ch, sideAddr := newRawPeer(t)
	defer raw.Close()

	srv := NewSelectiveRepeatLevel(ch, Config{InitSeq: 1, Window: 4}, "error")
	defer srv.Close()

	// seq = rcvNxt + wnd 正好越界
	fbuf := make([]byte, 256)
	out := make([]byte, 256)
	fn := wire.Pack(fbuf, wire.FlagDATA, 5, 1, []byte("beyond"))
	if _, err := raw.WriteToUDP(fbuf[:fn], sideAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
	n, err := srv.Recv(out, time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 0 {
		t.Errorf("窗口上界外的帧被交付: %d 字节", n)
	}
	drainAck(t, raw, 1)
}

func TestSRWindowClamp(t *testing.T) {
	ca, cb := newChannelPair(t)
	defer cb.Close()
	tr := NewSelectiveRepeatLevel(ca, Config{Window: 1024}, "error")
	defer tr.Close()
	if w := tr.(*selectiveRepeat).cfg.Window; w != MaxWindowSR {
		t.Errorf("窗口未钳制: %d, want %d", w, MaxWindowSR)
	}
}

// drainAck 读取一个纯 ACK 帧并断言其确认号
func drainAck(t *testing.T, raw *net.UDPConn, want uint32) {
	t.Helper()
	buf := make([]byte, 256)
	raw.SetReadDeadline(time.Now().Add(time.Second))
	rn, _, err := raw.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("未收到 ACK: %v", err)
	}
	h, _, ok := wire.Parse(buf[:rn])
	if !ok {
		t.Fatal("ACK 帧解析失败")
	}
	if h.Flags&wire.FlagACK == 0 || h.Len != 0 {
		t.Fatalf("不是纯 ACK: flags=%#x len=%d", h.Flags, h.Len)
	}
	if h.Ack != want {
		t.Fatalf("ACK = %d, want %d", h.Ack, want)
	}
}
