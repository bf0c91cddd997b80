// =============================================================================
// 文件: internal/channel/channel_test.go
// =============================================================================
package channel

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// newLoopbackPair 创建一对互为对端的回环 UDP 套接字
func newLoopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn, *net.UDPAddr, *net.UDPAddr) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		a.Close()
		t.Fatalf("ListenUDP: %v", err)
	}
	return a, b, a.LocalAddr().(*net.UDPAddr), b.LocalAddr().(*net.UDPAddr)
}

func TestRngDeterministic(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer a.Close()
	defer b.Close()

	c1 := New(a, addrB, Config{Seed: 42}, "error")
	c2 := New(nil, nil, Config{Seed: 42}, "error")
	for i := 0; i < 1000; i++ {
		if c1.next() != c2.next() {
			t.Fatalf("相同种子第 %d 次抽样不一致", i)
		}
	}
}

func TestRngDefaultSeed(t *testing.T) {
	c := New(nil, nil, Config{}, "error")
	if c.rng != DefaultSeed {
		t.Errorf("Seed=0 应取默认种子 %#x, got %#x", uint64(DefaultSeed), c.rng)
	}
}

func TestCleanChannelDelivers(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer b.Close()

	tx := New(a, addrB, Config{}, "error")
	defer tx.Close()

	msg := []byte("ORDER 1 double-cheese\n")
	n, err := tx.Send(msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(msg) {
		t.Errorf("Send 返回 %d, want %d", n, len(msg))
	}

	buf := make([]byte, 2048)
	b.SetReadDeadline(time.Now().Add(time.Second))
	rn, _, err := b.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("对端未收到帧: %v", err)
	}
	if !bytes.Equal(buf[:rn], msg) {
		t.Errorf("负载被修改: got %q", buf[:rn])
	}
}

func TestFullLossNeverDelivers(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer b.Close()

	tx := New(a, addrB, Config{LossPct: 100, Seed: 7}, "error")
	defer tx.Close()

	for i := 0; i < 20; i++ {
		n, err := tx.Send([]byte("gone"))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		// 丢弃的帧对调用方仍是逻辑成功
		if n != 4 {
			t.Errorf("丢包时 Send 应返回 len(b)=4, got %d", n)
		}
	}

	buf := make([]byte, 64)
	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if rn, _, err := b.ReadFromUDP(buf); err == nil {
		t.Errorf("100%% 丢包仍收到 %d 字节", rn)
	}
}

func TestFullDupDeliversTwice(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer b.Close()

	tx := New(a, addrB, Config{DupPct: 100, Seed: 9}, "error")
	defer tx.Close()

	if _, err := tx.Send([]byte("twice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// 副本晚 1ms 就绪, Send 只等队头, 副本随下一次 Send 刷出
	if _, err := tx.Send([]byte("flush")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	got := 0
	for i := 0; i < 2; i++ {
		b.SetReadDeadline(time.Now().Add(time.Second))
		rn, _, err := b.ReadFromUDP(buf)
		if err != nil || !bytes.Equal(buf[:rn], []byte("twice")) {
			break
		}
		got++
	}
	if got != 2 {
		t.Errorf("100%% 重复应收到 2 份, got %d", got)
	}
}

func TestDelayHoldsFrame(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer b.Close()

	tx := New(a, addrB, Config{DelayMeanMs: 60}, "error")
	defer tx.Close()

	start := time.Now()
	if _, err := tx.Send([]byte("late")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	b.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := b.ReadFromUDP(buf); err != nil {
		t.Fatalf("延迟帧未到达: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("帧仅 %v 就到达, 延迟未生效", elapsed)
	}
}

func TestRecvTimeoutReturnsZero(t *testing.T) {
	a, b, addrA, addrB := newLoopbackPair(t)
	defer a.Close()

	rx := New(b, addrA, Config{}, "error")
	defer rx.Close()
	_ = addrB

	start := time.Now()
	n, err := rx.Recv(make([]byte, 64), 80*time.Millisecond)
	if err != nil {
		t.Fatalf("超时不应报错: %v", err)
	}
	if n != 0 {
		t.Errorf("超时应返回 0, got %d", n)
	}
	if time.Since(start) < 60*time.Millisecond {
		t.Errorf("超时过早返回")
	}
}

func TestRecvLearnsPeer(t *testing.T) {
	a, b, _, addrB := newLoopbackPair(t)
	defer a.Close()

	// 服务端信道初始不知道对端
	rx := New(b, nil, Config{}, "error")
	defer rx.Close()

	if _, err := a.WriteToUDP([]byte("HELLO\n"), addrB); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	buf := make([]byte, 64)
	n, err := rx.Recv(buf, time.Second)
	if err != nil || n == 0 {
		t.Fatalf("Recv 失败: n=%d err=%v", n, err)
	}
	peer := rx.Peer()
	if peer == nil {
		t.Fatal("接收后对端地址仍未知")
	}
	if peer.Port != a.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("学习到的对端端口 %d 与来源 %d 不符", peer.Port, a.LocalAddr().(*net.UDPAddr).Port)
	}
}

func TestSendAfterClose(t *testing.T) {
	a, _, _, addrB := newLoopbackPair(t)

	ch := New(a, addrB, Config{}, "error")
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("重复 Close 应为空操作: %v", err)
	}
	if _, err := ch.Send([]byte("x")); err == nil {
		t.Error("关闭后 Send 应报错")
	}
}
