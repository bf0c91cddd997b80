// =============================================================================
// 文件: internal/session/session.go
// 描述: 会话发起与 HELLO 认证 - 客户端在启用传输前先裸发一个 HELLO 数据报,
//       服务端以首个收到的数据报学习对端地址
//       配置 PSK 时 HELLO 携带 HKDF-SHA256 按粗粒度时间窗派生的认证令牌;
//       空 PSK 退化为明文 "HELLO\n" (实验室默认)
// =============================================================================
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// PSKSize 预共享密钥字节数
	PSKSize = 32

	nonceSize = 16
	tokenSize = 16

	// DefaultTimeWindow 令牌时间窗粒度 (秒)
	DefaultTimeWindow = 30

	helloInfo = "bistro-hello-v1"
)

// 认证失败的哨兵错误
var (
	ErrBadHello      = errors.New("session: HELLO 格式非法")
	ErrStaleHello    = errors.New("session: HELLO 令牌过期或密钥不符")
	ErrReplayedHello = errors.New("session: HELLO 重放")
)

// GeneratePSK 生成 base64 编码的 32 字节随机预共享密钥
func GeneratePSK() (string, error) {
	key := make([]byte, PSKSize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("session: 随机源失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Authenticator HELLO 的制作与校验; psk 为空时双方走明文模式
type Authenticator struct {
	psk        []byte
	timeWindow int
	guard      *ReplayGuard
}

// NewAuthenticator 创建认证器; pskBase64 为空串启用明文模式
func NewAuthenticator(pskBase64 string, timeWindowSec int) (*Authenticator, error) {
	if timeWindowSec <= 0 {
		timeWindowSec = DefaultTimeWindow
	}
	a := &Authenticator{timeWindow: timeWindowSec}
	if pskBase64 == "" {
		return a, nil
	}

	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("session: PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("session: PSK 长度 %d, 需要 %d 字节", len(psk), PSKSize)
	}
	a.psk = psk
	a.guard = NewReplayGuard()
	return a, nil
}

// currentWindow 当前时间窗编号
func (a *Authenticator) currentWindow() int64 {
	return time.Now().Unix() / int64(a.timeWindow)
}

// deriveKey 按时间窗派生令牌密钥: HKDF-SHA256(psk, salt=window)
func (a *Authenticator) deriveKey(window int64) ([]byte, error) {
	salt := []byte(fmt.Sprintf("%d", window))
	r := hkdf.New(sha256.New, a.psk, salt, []byte(helloInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("session: 密钥派生失败: %w", err)
	}
	return key, nil
}

// token 用窗口密钥对随机数做 HMAC, 截断为令牌
func (a *Authenticator) token(window int64, nonce []byte) ([]byte, error) {
	key, err := a.deriveKey(window)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, key)
	m.Write(nonce)
	return m.Sum(nil)[:tokenSize], nil
}

// MakeHello 生成客户端 HELLO 数据报
// 明文模式: "HELLO\n"; PSK 模式: "HELLO <nonce-b64> <token-b64>\n"
func (a *Authenticator) MakeHello() ([]byte, error) {
	if a.psk == nil {
		return []byte("HELLO\n"), nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("session: 随机源失败: %w", err)
	}
	tok, err := a.token(a.currentWindow(), nonce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("HELLO %s %s\n",
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tok))), nil
}

// VerifyHello 校验收到的 HELLO 数据报
// PSK 模式下允许相邻时间窗 (前后各一) 的时钟偏差, 并经防重放检查
func (a *Authenticator) VerifyHello(b []byte) error {
	s := strings.TrimRight(string(b), "\n")

	if a.psk == nil {
		if s != "HELLO" && !strings.HasPrefix(s, "HELLO ") {
			return ErrBadHello
		}
		return nil
	}

	fields := strings.Fields(s)
	if len(fields) != 3 || fields[0] != "HELLO" {
		return ErrBadHello
	}
	nonce, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil || len(nonce) != nonceSize {
		return ErrBadHello
	}
	tok, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil || len(tok) != tokenSize {
		return ErrBadHello
	}

	cur := a.currentWindow()
	valid := false
	for _, w := range []int64{cur, cur - 1, cur + 1} {
		want, derr := a.token(w, nonce)
		if derr != nil {
			return derr
		}
		if hmac.Equal(want, tok) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrStaleHello
	}
	if !a.guard.CheckAndMark(nonce) {
		return ErrReplayedHello
	}
	return nil
}
