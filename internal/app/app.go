// =============================================================================
// 文件: internal/app/app.go
// 描述: 应用层 ASCII 协议 - 订单与回执的确定性编解码
//       "ORDER <id> <items>\n" / "REPLY <id> <latency_ms> <items>\n"
//       传输层把这些字节当作不透明负载, 协议演进只发生在本层
// =============================================================================
package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed 文本格式不符合协议约定
var ErrMalformed = errors.New("app: 报文格式非法")

// Order 一条应用层订单
type Order struct {
	ID    uint64
	Items string
}

// Reply 服务端回执: 原样返回品项并附带厨房耗时
type Reply struct {
	ID        uint64
	LatencyMs uint32
	Items     string
}

// EncodeOrder 序列化为 "ORDER <id> <items>\n"
func EncodeOrder(o Order) []byte {
	return []byte(fmt.Sprintf("ORDER %d %s\n", o.ID, o.Items))
}

// DecodeOrder 解析订单文本; 品项取 id 后单个空格到行尾 (不含换行)
func DecodeOrder(b []byte) (Order, error) {
	s := string(b)
	if !strings.HasPrefix(s, "ORDER ") {
		return Order{}, fmt.Errorf("%w: 缺少 ORDER 标签", ErrMalformed)
	}
	s = s[len("ORDER "):]

	sp := strings.IndexByte(s, ' ')
	if sp <= 0 {
		return Order{}, fmt.Errorf("%w: 缺少品项分隔符", ErrMalformed)
	}
	id, err := strconv.ParseUint(s[:sp], 10, 64)
	if err != nil {
		return Order{}, fmt.Errorf("%w: 订单号 %q", ErrMalformed, s[:sp])
	}

	items := s[sp+1:]
	if nl := strings.IndexByte(items, '\n'); nl >= 0 {
		items = items[:nl]
	}
	return Order{ID: id, Items: items}, nil
}

// EncodeReply 序列化为 "REPLY <id> <latency_ms> <items>\n"
func EncodeReply(r Reply) []byte {
	return []byte(fmt.Sprintf("REPLY %d %d %s\n", r.ID, r.LatencyMs, r.Items))
}

// ParseReply 解析回执文本
func ParseReply(b []byte) (Reply, error) {
	s := string(b)
	if !strings.HasPrefix(s, "REPLY ") {
		return Reply{}, fmt.Errorf("%w: 缺少 REPLY 标签", ErrMalformed)
	}
	s = s[len("REPLY "):]

	sp1 := strings.IndexByte(s, ' ')
	if sp1 <= 0 {
		return Reply{}, fmt.Errorf("%w: 缺少延迟字段", ErrMalformed)
	}
	id, err := strconv.ParseUint(s[:sp1], 10, 64)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: 订单号 %q", ErrMalformed, s[:sp1])
	}
	s = s[sp1+1:]

	sp2 := strings.IndexByte(s, ' ')
	if sp2 <= 0 {
		return Reply{}, fmt.Errorf("%w: 缺少品项字段", ErrMalformed)
	}
	lat, err := strconv.ParseUint(s[:sp2], 10, 32)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: 延迟值 %q", ErrMalformed, s[:sp2])
	}

	items := s[sp2+1:]
	if nl := strings.IndexByte(items, '\n'); nl >= 0 {
		items = items[:nl]
	}
	return Reply{ID: id, LatencyMs: uint32(lat), Items: items}, nil
}
