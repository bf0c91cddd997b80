// =============================================================================
// 文件: internal/kitchen/kitchen.go
// 描述: 厨房耗时仿真 - 均匀或指数分布抽取出餐时间, 同种子可复现
//       指数分布均值为 0 时回退到 (min+max)/2, 再不行取 40ms 底线
// =============================================================================
package kitchen

import (
	"math"
	"math/rand"
	"time"
)

// Dist 出餐时间分布
type Dist int

const (
	DistUniform Dist = iota
	DistExp
)

// ParseDist 解析分布名; 未知名字回落到均匀分布
func ParseDist(s string) Dist {
	if s == "exp" {
		return DistExp
	}
	return DistUniform
}

func (d Dist) String() string {
	if d == DistExp {
		return "exp"
	}
	return "uniform"
}

// Config 厨房参数; Max < Min 时两者互换
type Config struct {
	MinMs  uint32
	MaxMs  uint32
	Dist   Dist
	MeanMs float64 // 仅指数分布使用, 0 则取 (min+max)/2
	Seed   int64   // 0 取当前时钟
}

// Kitchen 独立持有随机源, 多实例互不干扰
type Kitchen struct {
	cfg Config
	rng *rand.Rand
}

// New 创建厨房仿真器
func New(cfg Config) *Kitchen {
	if cfg.MaxMs < cfg.MinMs {
		cfg.MinMs, cfg.MaxMs = cfg.MaxMs, cfg.MinMs
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Kitchen{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Cook 抽取一次出餐耗时
func (k *Kitchen) Cook() time.Duration {
	return time.Duration(k.drawMs()) * time.Millisecond
}

// drawMs 按分布抽取毫秒数, 指数分布钳制到 [min, max]
func (k *Kitchen) drawMs() uint32 {
	lo, hi := k.cfg.MinMs, k.cfg.MaxMs

	if k.cfg.Dist == DistUniform {
		span := uint64(hi-lo) + 1
		return lo + uint32(k.rng.Uint64()%span)
	}

	mu := k.cfg.MeanMs
	if mu <= 0 {
		mu = 0.5 * (float64(lo) + float64(hi))
		if mu <= 0 {
			mu = 40.0
		}
	}

	// (0,1] 区间抽样, 避免 log(0)
	u := (float64(k.rng.Int63n(1<<52)) + 1.0) / float64(int64(1)<<52)
	x := -mu * math.Log(u)

	if lo == hi {
		x = float64(lo)
	} else {
		if x < float64(lo) {
			x = float64(lo)
		}
		if x > float64(hi) {
			x = float64(hi)
		}
	}
	if x < 0 {
		x = 0
	}
	return uint32(x + 0.5)
}
