// =============================================================================
// 文件: internal/app/app_test.go
// =============================================================================
package app

import (
	"bytes"
	"errors"
	"testing"
)

func TestOrderRoundTrip(t *testing.T) {
	cases := []Order{
		{ID: 1, Items: "double-cheese"},
		{ID: 42, Items: "fries,shake,cola"},
		{ID: 18446744073709551615, Items: "max-id"},
		{ID: 7, Items: "spaces in items are kept"},
	}
	for _, o := range cases {
		b := EncodeOrder(o)
		if b[len(b)-1] != '\n' {
			t.Errorf("编码缺少行尾换行: %q", b)
		}
		got, err := DecodeOrder(b)
		if err != nil {
			t.Fatalf("DecodeOrder(%q): %v", b, err)
		}
		if got != o {
			t.Errorf("往返不一致: got %+v, want %+v", got, o)
		}
	}
}

func TestDecodeOrderMalformed(t *testing.T) {
	bad := [][]byte{
		nil,
		[]byte(""),
		[]byte("ORDER\n"),
		[]byte("ORDER 12\n"),           // 没有品项分隔
		[]byte("ORDER abc items\n"),    // 订单号非数字
		[]byte("REPLY 1 2 x\n"),        // 错误标签
		[]byte("order 1 lowercase\n"),  // 标签大小写敏感
		[]byte("ORDER -1 negative\n"),  // 无符号解析拒绝负数
	}
	for _, b := range bad {
		if _, err := DecodeOrder(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeOrder(%q) 应返回 ErrMalformed, got %v", b, err)
		}
	}
}

func TestReplyRoundTrip(t *testing.T) {
	r := Reply{ID: 42, LatencyMs: 120, Items: "double-cheese,cola"}
	b := EncodeReply(r)
	if !bytes.Equal(b, []byte("REPLY 42 120 double-cheese,cola\n")) {
		t.Fatalf("编码格式错误: %q", b)
	}
	got, err := ParseReply(b)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if got != r {
		t.Errorf("往返不一致: got %+v, want %+v", got, r)
	}
}

func TestParseReplyMalformed(t *testing.T) {
	bad := [][]byte{
		[]byte("REPLY 1\n"),
		[]byte("REPLY 1 x items\n"),
		[]byte("REPLY x 1 items\n"),
		[]byte("ORDER 1 items\n"),
		[]byte("REPLY 1 4294967296 overflow\n"), // 延迟超出 uint32
	}
	for _, b := range bad {
		if _, err := ParseReply(b); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseReply(%q) 应返回 ErrMalformed, got %v", b, err)
		}
	}
}

func TestTransportOpacity(t *testing.T) {
	// 品项里出现协议关键词也不影响解析 (只认首个标签与前两个空格)
	o := Order{ID: 9, Items: "ORDER REPLY 1 2 3"}
	got, err := DecodeOrder(EncodeOrder(o))
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if got.Items != o.Items {
		t.Errorf("品项被改写: %q", got.Items)
	}
}
