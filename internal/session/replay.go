// =============================================================================
// 文件: internal/session/replay.go
// 描述: HELLO 防重放 - 按时间片轮换的布隆过滤器, 旧片随窗口滑出自动失效
// =============================================================================
package session

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数: 每片预期项目数与误报率
	bloomExpectedItems = 10000
	bloomFalsePositive = 0.0001

	sliceDuration = 30 * time.Second
	maxSlices     = 6 // 保留 6 片 = 3 分钟记忆
)

// timeSlice 单个时间片
type timeSlice struct {
	bloom   *bloom.BloomFilter
	startAt time.Time
}

// ReplayGuard 记住近期见过的 HELLO 随机数, 重复出现判为重放
// 轮换在访问路径上惰性触发, 不占用后台协程
type ReplayGuard struct {
	mu     sync.Mutex
	slices [maxSlices]timeSlice
	cur    int

	checks  uint64
	blocked uint64
}

// NewReplayGuard 创建防重放保护器
func NewReplayGuard() *ReplayGuard {
	rg := &ReplayGuard{}
	now := time.Now()
	for i := range rg.slices {
		rg.slices[i] = timeSlice{
			bloom:   bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive),
			startAt: now,
		}
	}
	return rg
}

// rotateLocked 当前片过期则推进到下一片并清空
func (rg *ReplayGuard) rotateLocked(now time.Time) {
	if now.Sub(rg.slices[rg.cur].startAt) < sliceDuration {
		return
	}
	rg.cur = (rg.cur + 1) % maxSlices
	rg.slices[rg.cur].bloom.ClearAll()
	rg.slices[rg.cur].startAt = now
}

// CheckAndMark 检查随机数是否新鲜并登记
// 返回 true 表示首次出现, false 表示近期已见 (重放)
func (rg *ReplayGuard) CheckAndMark(nonce []byte) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	rg.checks++
	rg.rotateLocked(time.Now())

	for i := range rg.slices {
		if rg.slices[i].bloom.Test(nonce) {
			rg.blocked++
			return false
		}
	}
	rg.slices[rg.cur].bloom.Add(nonce)
	return true
}

// Stats 返回 (总检查数, 拦截数)
func (rg *ReplayGuard) Stats() (uint64, uint64) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.checks, rg.blocked
}
