// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 配置加载/校验/默认值, 多数字段有对应的命令行旗标
//       (time_window 与 transport 段只能由配置文件给出)
//       命令行显式给出的值覆盖配置文件
// =============================================================================
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	Listen     string `yaml:"listen"`
	PSK        string `yaml:"psk"`
	TimeWindow int    `yaml:"time_window"`
	LogLevel   string `yaml:"log_level"`
	Proto      string `yaml:"proto"` // gbn | sr

	Channel   ChannelConfig   `yaml:"channel"`
	Transport TransportConfig `yaml:"transport"`
	Kitchen   KitchenConfig   `yaml:"kitchen"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ChannelConfig 信道损伤配置
type ChannelConfig struct {
	LossPct       int    `yaml:"loss_pct"`
	DupPct        int    `yaml:"dup_pct"`
	ReorderPct    int    `yaml:"reorder_pct"`
	DelayMeanMs   int    `yaml:"delay_mean_ms"`
	DelayJitterMs int    `yaml:"delay_jitter_ms"`
	RateMbps      int    `yaml:"rate_mbps"`
	Seed          uint64 `yaml:"seed"`
}

// TransportConfig 传输层调优
type TransportConfig struct {
	InitSeq uint32 `yaml:"init_seq"`
	Window  uint32 `yaml:"window"`
	MSS     int    `yaml:"mss"`
	RTOMs   int    `yaml:"rto_ms"`
}

// KitchenConfig 厨房耗时仿真配置
type KitchenConfig struct {
	MinMs  uint32  `yaml:"min_ms"`
	MaxMs  uint32  `yaml:"max_ms"`
	Dist   string  `yaml:"dist"` // uniform | exp
	MeanMs float64 `yaml:"mean_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":9000",
		TimeWindow: 30,
		LogLevel:   "info",
		Proto:      "gbn",

		Transport: TransportConfig{
			InitSeq: 1,
			Window:  32,
			MSS:     512,
			RTOMs:   150,
		},
		Kitchen: KitchenConfig{
			MinMs: 40,
			MaxMs: 40,
			Dist:  "uniform",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9100",
		},
	}
}

// Load 读取并校验配置文件, 未给出的字段保持默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 做范围检查, 配置非法时返回首个问题
func (c *Config) Validate() error {
	switch c.Proto {
	case "gbn", "sr":
	default:
		return fmt.Errorf("proto 必须是 gbn 或 sr, got %q", c.Proto)
	}

	switch c.LogLevel {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("log_level 必须是 error/info/debug, got %q", c.LogLevel)
	}

	for name, pct := range map[string]int{
		"loss_pct":    c.Channel.LossPct,
		"dup_pct":     c.Channel.DupPct,
		"reorder_pct": c.Channel.ReorderPct,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s 必须在 0..100, got %d", name, pct)
		}
	}
	if c.Channel.DelayMeanMs < 0 || c.Channel.DelayJitterMs < 0 {
		return fmt.Errorf("延迟参数不能为负")
	}
	if c.Channel.RateMbps < 0 {
		return fmt.Errorf("rate_mbps 不能为负, got %d", c.Channel.RateMbps)
	}

	if c.Transport.MSS < 0 || c.Transport.MSS > 1400 {
		return fmt.Errorf("mss 必须在 0..1400, got %d", c.Transport.MSS)
	}
	if c.Transport.RTOMs < 0 {
		return fmt.Errorf("rto_ms 不能为负, got %d", c.Transport.RTOMs)
	}

	switch c.Kitchen.Dist {
	case "uniform", "exp":
	default:
		return fmt.Errorf("kitchen.dist 必须是 uniform 或 exp, got %q", c.Kitchen.Dist)
	}

	if c.TimeWindow <= 0 {
		return fmt.Errorf("time_window 必须为正, got %d", c.TimeWindow)
	}
	return nil
}

// GenerateExampleConfig 生成带注释的示例配置
func GenerateExampleConfig() string {
	return `# Byte-Bistro 配置示例
listen: ":9000"                     # 服务端监听地址
psk: ""                             # base64 的 32 字节预共享密钥; 空为明文 HELLO
time_window: 30                     # HELLO 令牌时间窗 (秒)
log_level: "info"                   # 日志级别: error, info, debug
proto: "gbn"                        # 可靠传输协议: gbn 或 sr

channel:
  loss_pct: 0                       # 丢包概率 0..100
  dup_pct: 0                        # 重复概率 0..100
  reorder_pct: 0                    # 乱序概率 0..100
  delay_mean_ms: 0                  # 延迟均值 (毫秒)
  delay_jitter_ms: 0                # 延迟抖动幅度 (毫秒)
  rate_mbps: 0                      # 限速 Mbps, 0 不限
  seed: 0                           # 随机种子, 0 取固定默认

transport:
  init_seq: 1                       # 初始序号
  window: 32                        # 滑动窗口帧数
  mss: 512                          # 单帧最大分片
  rto_ms: 150                       # 重传超时 (毫秒)

kitchen:
  min_ms: 40                        # 出餐最短耗时
  max_ms: 40                        # 出餐最长耗时
  dist: "uniform"                   # 分布: uniform 或 exp
  mean_ms: 0                        # 指数分布均值, 0 取 (min+max)/2

metrics:
  enabled: false                    # 是否开启监控端点
  listen: ":9100"                   # 监控监听地址
  enable_pprof: false               # 是否暴露 pprof
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
