// =============================================================================
// 文件: internal/session/session_test.go
// =============================================================================
package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestGeneratePSK(t *testing.T) {
	p1, err := GeneratePSK()
	if err != nil {
		t.Fatalf("GeneratePSK: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(p1)
	if err != nil {
		t.Fatalf("PSK 不是合法 base64: %v", err)
	}
	if len(raw) != PSKSize {
		t.Errorf("PSK 长度 = %d, want %d", len(raw), PSKSize)
	}
	p2, _ := GeneratePSK()
	if p1 == p2 {
		t.Error("两次生成的 PSK 相同")
	}
}

func TestPlainModeHello(t *testing.T) {
	a, err := NewAuthenticator("", 0)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	h, err := a.MakeHello()
	if err != nil {
		t.Fatalf("MakeHello: %v", err)
	}
	if !bytes.Equal(h, []byte("HELLO\n")) {
		t.Errorf("明文模式 HELLO = %q", h)
	}
	if err := a.VerifyHello(h); err != nil {
		t.Errorf("明文 HELLO 校验失败: %v", err)
	}
	if err := a.VerifyHello([]byte("GOODBYE\n")); !errors.Is(err, ErrBadHello) {
		t.Errorf("非 HELLO 报文应拒绝, got %v", err)
	}
}

func TestPSKModeAcceptsFreshHello(t *testing.T) {
	psk, _ := GeneratePSK()
	cli, err := NewAuthenticator(psk, 30)
	if err != nil {
		t.Fatalf("客户端认证器: %v", err)
	}
	srv, err := NewAuthenticator(psk, 30)
	if err != nil {
		t.Fatalf("服务端认证器: %v", err)
	}

	h, err := cli.MakeHello()
	if err != nil {
		t.Fatalf("MakeHello: %v", err)
	}
	if err := srv.VerifyHello(h); err != nil {
		t.Errorf("新鲜 HELLO 被拒: %v", err)
	}
}

func TestPSKModeRejectsReplay(t *testing.T) {
	psk, _ := GeneratePSK()
	cli, _ := NewAuthenticator(psk, 30)
	srv, _ := NewAuthenticator(psk, 30)

	h, _ := cli.MakeHello()
	if err := srv.VerifyHello(h); err != nil {
		t.Fatalf("首次校验失败: %v", err)
	}
	if err := srv.VerifyHello(h); !errors.Is(err, ErrReplayedHello) {
		t.Errorf("重放 HELLO 应拒绝, got %v", err)
	}
}

func TestPSKModeRejectsWrongKey(t *testing.T) {
	psk1, _ := GeneratePSK()
	psk2, _ := GeneratePSK()
	cli, _ := NewAuthenticator(psk1, 30)
	srv, _ := NewAuthenticator(psk2, 30)

	h, _ := cli.MakeHello()
	if err := srv.VerifyHello(h); !errors.Is(err, ErrStaleHello) {
		t.Errorf("错误密钥的 HELLO 应拒绝, got %v", err)
	}
}

func TestPSKModeRejectsMalformed(t *testing.T) {
	psk, _ := GeneratePSK()
	srv, _ := NewAuthenticator(psk, 30)

	bad := [][]byte{
		[]byte("HELLO\n"),                 // PSK 模式下缺少令牌
		[]byte("HELLO onlyone\n"),
		[]byte("HELLO !!! ???\n"),         // 非法 base64
		[]byte("HOWDY a b\n"),
		[]byte(""),
	}
	for _, b := range bad {
		if err := srv.VerifyHello(b); !errors.Is(err, ErrBadHello) {
			t.Errorf("VerifyHello(%q) 应返回 ErrBadHello, got %v", b, err)
		}
	}
}

func TestNewAuthenticatorRejectsBadPSK(t *testing.T) {
	if _, err := NewAuthenticator("not-base64!!!", 30); err == nil {
		t.Error("非法 base64 PSK 应报错")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewAuthenticator(short, 30); err == nil {
		t.Error("长度不足的 PSK 应报错")
	}
}

func TestReplayGuardFreshAndRepeat(t *testing.T) {
	rg := NewReplayGuard()
	n1 := []byte("nonce-aaaaaaaaaa")
	n2 := []byte("nonce-bbbbbbbbbb")

	if !rg.CheckAndMark(n1) {
		t.Error("首次出现的随机数被拦截")
	}
	if rg.CheckAndMark(n1) {
		t.Error("重复随机数未被拦截")
	}
	if !rg.CheckAndMark(n2) {
		t.Error("不同随机数被误拦")
	}

	checks, blocked := rg.Stats()
	if checks != 3 || blocked != 1 {
		t.Errorf("统计 = (%d, %d), want (3, 1)", checks, blocked)
	}
}
