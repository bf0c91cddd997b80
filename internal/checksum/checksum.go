// =============================================================================
// 文件: internal/checksum/checksum.go
// 描述: 帧完整性校验原语 - CRC32C (Castagnoli, 硬件路径) 与 Fletcher-32 回退
// =============================================================================
package checksum

import (
	"hash/crc32"

	"golang.org/x/sys/cpu"
)

// castagnoli CRC32C 查表 (多项式 0x1EDC6F41)
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// hwAvailable 进程启动时探测一次，之后不再变化
var hwAvailable = cpu.X86.HasSSE42

// CRC32CAvailable 返回宿主 CPU 是否提供 CRC32C 指令 (x86-64 SSE4.2)
func CRC32CAvailable() bool {
	return hwAvailable
}

// CRC32C 计算 Castagnoli CRC32C (标准取反终结)
// 硬件不可用时返回 0，调用方据此回退到 Fletcher-32
func CRC32C(data []byte) uint32 {
	if !hwAvailable {
		return 0
	}
	return crc32.Checksum(data, castagnoli)
}

// Fletcher32 计算字节流的 Fletcher-32 校验和
// 字节序无关；按最多 360 字节分块累加，避免中间溢出
func Fletcher32(data []byte) uint32 {
	sum1, sum2 := uint32(0xffff), uint32(0xffff)
	for len(data) > 0 {
		n := len(data)
		if n > 360 {
			n = 360
		}
		for _, b := range data[:n] {
			sum1 += uint32(b)
			sum2 += sum1
		}
		data = data[n:]
		sum1 = (sum1 & 0xffff) + (sum1 >> 16)
		sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	}
	sum1 = (sum1 & 0xffff) + (sum1 >> 16)
	sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	return (sum2 << 16) | sum1
}

// Sum 按选择策略计算校验和: 硬件 CRC32C 优先，否则 Fletcher-32
// 会话两端必须得到同一选择，否则表现为校验失败
func Sum(data []byte) uint32 {
	if hwAvailable {
		return crc32.Checksum(data, castagnoli)
	}
	return Fletcher32(data)
}
