// =============================================================================
// 文件: internal/wire/wire.go
// 描述: 线缆帧格式 - 固定 18 字节小端头部 (magic/flags/seq/ack/len/crc32c)
//       打包时计算校验和，解析时严格验证 magic、hdrlen、长度与校验和
// =============================================================================
package wire

import (
	"encoding/binary"

	"github.com/mrcgq/bistro/internal/checksum"
)

// 帧魔数与标志位
const (
	Magic = 0xB17E

	FlagACK  = 0x01
	FlagDATA = 0x02
	FlagFIN  = 0x04 // 保留，未使用
)

const (
	// HeaderSize 头部总长度 (magic 2 + flags 1 + hdrlen 1 + seq 4 + ack 4 + len 2 + crc 4)
	HeaderSize = 18

	// HdrLen hdrlen 字段的固定取值: seq 4 + ack 4 + len 2; 其后的 crc 4 字节不计入
	HdrLen = 10

	// MaxPayload 单帧最大负载
	MaxPayload = 65535
)

// 头部字段偏移
const (
	offMagic  = 0
	offFlags  = 2
	offHdrLen = 3
	offSeq    = 4
	offAck    = 8
	offLen    = 12
	offCRC    = 14
)

// Header 解析后的帧头部
type Header struct {
	Flags  uint8
	Seq    uint32
	Ack    uint32
	Len    uint16
	CRC32C uint32
}

// Pack 把头部和负载序列化进 buf 并写入校验和
// 返回写入的总字节数 (HeaderSize+len)；buf 容量不足时返回 0
func Pack(buf []byte, flags uint8, seq, ack uint32, payload []byte) int {
	n := len(payload)
	if n > MaxPayload || len(buf) < HeaderSize+n {
		return 0
	}

	binary.LittleEndian.PutUint16(buf[offMagic:], Magic)
	buf[offFlags] = flags
	buf[offHdrLen] = HdrLen
	binary.LittleEndian.PutUint32(buf[offSeq:], seq)
	binary.LittleEndian.PutUint32(buf[offAck:], ack)
	binary.LittleEndian.PutUint16(buf[offLen:], uint16(n))
	// 校验和覆盖 头部+负载，计算期间 crc 字段置零
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	copy(buf[HeaderSize:], payload)

	crc := checksum.Sum(buf[:HeaderSize+n])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return HeaderSize + n
}

// Parse 从接收到的 buf[0..n) 解析并验证帧
// 验证失败静默返回 ok=false，不产生任何副作用；payload 指向 buf 内部
func Parse(buf []byte) (h Header, payload []byte, ok bool) {
	if len(buf) < HeaderSize {
		return h, nil, false
	}
	if binary.LittleEndian.Uint16(buf[offMagic:]) != Magic {
		return h, nil, false
	}
	if buf[offHdrLen] != HdrLen {
		return h, nil, false
	}

	h.Flags = buf[offFlags]
	h.Seq = binary.LittleEndian.Uint32(buf[offSeq:])
	h.Ack = binary.LittleEndian.Uint32(buf[offAck:])
	h.Len = binary.LittleEndian.Uint16(buf[offLen:])
	h.CRC32C = binary.LittleEndian.Uint32(buf[offCRC:])

	// crc 字段清零后对整个接收跨度复算，再恢复原值
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	calc := checksum.Sum(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], h.CRC32C)
	if calc != h.CRC32C {
		return Header{}, nil, false
	}

	if len(buf) < HeaderSize+int(h.Len) {
		return Header{}, nil, false
	}
	return h, buf[HeaderSize : HeaderSize+int(h.Len)], true
}
