// =============================================================================
// 文件: cmd/bistro-server/main.go
// 描述: 主程序入口 - UDP 监听 + 信道损伤 + 可靠传输 + 厨房仿真 + Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/bistro/internal/app"
	"github.com/mrcgq/bistro/internal/channel"
	"github.com/mrcgq/bistro/internal/config"
	"github.com/mrcgq/bistro/internal/kitchen"
	"github.com/mrcgq/bistro/internal/metrics"
	"github.com/mrcgq/bistro/internal/session"
	"github.com/mrcgq/bistro/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (YAML)")
	showVersion := flag.Bool("version", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	listen := flag.String("listen", "", "监听地址 (host:port)")
	proto := flag.String("proto", "", "可靠传输协议: gbn 或 sr")
	psk := flag.String("psk", "", "base64 预共享密钥; 空为明文 HELLO")
	verbose := flag.Bool("v", false, "调试日志")
	quiet := flag.Bool("q", false, "仅错误日志")
	_ = verbose
	_ = quiet

	// 信道损伤参数
	loss := flag.Int("loss", 0, "丢包概率 0..100")
	dup := flag.Int("dup", 0, "重复概率 0..100")
	reorder := flag.Int("reorder", 0, "乱序概率 0..100")
	dmean := flag.Int("dmean", 0, "延迟均值 (毫秒)")
	djitter := flag.Int("djitter", 0, "延迟抖动 (毫秒)")
	rate := flag.Int("rate", 0, "限速 Mbps, 0 不限")
	seed := flag.Uint64("seed", 0, "信道随机种子, 0 取固定默认")

	// 厨房仿真参数
	cookMin := flag.Uint("cook-min", 0, "出餐最短耗时 (毫秒)")
	cookMax := flag.Uint("cook-max", 0, "出餐最长耗时 (毫秒)")
	cookDist := flag.String("cook-dist", "", "耗时分布: uniform 或 exp")
	cookMean := flag.Float64("cook-mean", 0, "指数分布均值 (毫秒)")

	// 监控参数
	metricsListen := flag.String("metrics-listen", "", "监控监听地址, 设置后开启监控")
	enablePprof := flag.Bool("pprof", false, "暴露 pprof 端点")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		p, err := session.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(p)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("bistro.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: bistro.example.yaml")
		return
	}

	// 加载配置, 再用显式给出的命令行参数覆盖
	cfg := config.DefaultConfig()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = c
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "proto":
			cfg.Proto = *proto
		case "psk":
			cfg.PSK = *psk
		case "v":
			cfg.LogLevel = "debug"
		case "q":
			cfg.LogLevel = "error"
		case "loss":
			cfg.Channel.LossPct = *loss
		case "dup":
			cfg.Channel.DupPct = *dup
		case "reorder":
			cfg.Channel.ReorderPct = *reorder
		case "dmean":
			cfg.Channel.DelayMeanMs = *dmean
		case "djitter":
			cfg.Channel.DelayJitterMs = *djitter
		case "rate":
			cfg.Channel.RateMbps = *rate
		case "seed":
			cfg.Channel.Seed = *seed
		case "cook-min":
			cfg.Kitchen.MinMs = uint32(*cookMin)
		case "cook-max":
			cfg.Kitchen.MaxMs = uint32(*cookMax)
		case "cook-dist":
			cfg.Kitchen.Dist = *cookDist
		case "cook-mean":
			cfg.Kitchen.MeanMs = *cookMean
		case "metrics-listen":
			cfg.Metrics.Enabled = true
			cfg.Metrics.Listen = *metricsListen
		case "pprof":
			cfg.Metrics.EnablePprof = *enablePprof
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}
}

// run 装配并运行服务, ctx 取消后优雅收尾
func run(ctx context.Context, cfg *config.Config) error {
	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("解析监听地址: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	auth, err := session.NewAuthenticator(cfg.PSK, cfg.TimeWindow)
	if err != nil {
		conn.Close()
		return fmt.Errorf("认证模块错误: %w", err)
	}

	// 指标
	var bm *metrics.BistroMetrics
	var ms *metrics.Server
	if cfg.Metrics.Enabled {
		bm = metrics.New()
		ms = metrics.NewServer(cfg.Metrics.Listen, bm, cfg.Metrics.EnablePprof)
		if err := ms.Start(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("监控启动失败: %w", err)
		}
		defer ms.Stop()
	}

	ch := channel.New(conn, nil, channel.Config{
		LossPct:       cfg.Channel.LossPct,
		DupPct:        cfg.Channel.DupPct,
		ReorderPct:    cfg.Channel.ReorderPct,
		DelayMeanMs:   cfg.Channel.DelayMeanMs,
		DelayJitterMs: cfg.Channel.DelayJitterMs,
		RateMbps:      cfg.Channel.RateMbps,
		Seed:          cfg.Channel.Seed,
	}, cfg.LogLevel)
	defer ch.Close()

	printBanner(cfg, conn.LocalAddr().String())

	// 等待并校验客户端 HELLO
	if err := waitHello(ctx, ch, auth); err != nil {
		return err
	}
	fmt.Printf("[INFO] 客户端已接入: %s\n", ch.Peer())

	kit := kitchen.New(kitchen.Config{
		MinMs:  cfg.Kitchen.MinMs,
		MaxMs:  cfg.Kitchen.MaxMs,
		Dist:   kitchen.ParseDist(cfg.Kitchen.Dist),
		MeanMs: cfg.Kitchen.MeanMs,
		Seed:   int64(cfg.Channel.Seed),
	})

	var tr transport.Transport
	tcfg := transport.Config{
		InitSeq: cfg.Transport.InitSeq,
		Window:  uint32(cfg.Transport.Window),
		MSS:     cfg.Transport.MSS,
		RTO:     time.Duration(cfg.Transport.RTOMs) * time.Millisecond,
	}
	switch cfg.Proto {
	case "sr":
		tr = transport.NewSelectiveRepeatLevel(ch, tcfg, cfg.LogLevel)
	default:
		tr = transport.NewGoBackNLevel(ch, tcfg, cfg.LogLevel)
	}

	serveLoop(ctx, tr, kit, bm, cfg.LogLevel)

	st := tr.Stats()
	fmt.Printf("\n[INFO] 收发帧 %d/%d, 重传 %d, 字节 %d/%d\n",
		st.FramesSent, st.FramesReceived, st.Retransmits, st.BytesSent, st.BytesReceived)
	return tr.Close()
}

// waitHello 反复收包直到出现合法 HELLO; 非法报文记录后继续等
func waitHello(ctx context.Context, ch *channel.Channel, auth *session.Authenticator) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := ch.Recv(buf, 200*time.Millisecond)
		if err != nil {
			return fmt.Errorf("等待 HELLO: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := auth.VerifyHello(buf[:n]); err != nil {
			switch {
			case errors.Is(err, session.ErrReplayedHello):
				fmt.Printf("[ERROR] 重放 HELLO 被拒: %s\n", ch.Peer())
			case errors.Is(err, session.ErrStaleHello):
				fmt.Printf("[ERROR] HELLO 令牌过期或密钥不符: %s\n", ch.Peer())
			default:
				fmt.Printf("[ERROR] 非法 HELLO: %v\n", err)
			}
			continue
		}
		return nil
	}
}

// serveLoop 订单处理主循环: 收 ORDER -> 厨房耗时 -> 回 REPLY
func serveLoop(ctx context.Context, tr transport.Transport, kit *kitchen.Kitchen, bm *metrics.BistroMetrics, logLevel string) {
	buf := make([]byte, transport.MaxMessage)
	lastRetrans := uint64(0)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := tr.Recv(buf, 100*time.Millisecond)
		if err != nil {
			fmt.Printf("[ERROR] 接收失败: %v\n", err)
			return
		}
		if n == 0 {
			continue
		}

		order, err := app.DecodeOrder(buf[:n])
		if err != nil {
			fmt.Printf("[ERROR] 订单解析失败: %v\n", err)
			continue
		}
		if logLevel != "error" {
			fmt.Printf("[INFO] 接单 #%d: %s\n", order.ID, order.Items)
		}

		cook := kit.Cook()
		select {
		case <-time.After(cook):
		case <-ctx.Done():
			return
		}

		reply := app.Reply{
			ID:        order.ID,
			LatencyMs: uint32(cook.Milliseconds()),
			Items:     order.Items,
		}
		payload := app.EncodeReply(reply)
		if err := tr.Send(payload); err != nil {
			fmt.Printf("[ERROR] 回执发送失败: %v\n", err)
			continue
		}

		if bm != nil {
			bm.IncOrders()
			bm.IncReplies()
			bm.AddBytesReceived(n)
			bm.AddBytesSent(len(payload))
			st := tr.Stats()
			if st.Retransmits > lastRetrans {
				bm.AddRetransmits(st.Retransmits - lastRetrans)
				lastRetrans = st.Retransmits
			}
		}
	}
}

func printVersion() {
	fmt.Printf("Byte-Bistro Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("传输协议:")
	fmt.Println("  - gbn : Go-Back-N 滑动窗口 (累计确认, 整窗重传)")
	fmt.Println("  - sr  : Selective Repeat (逐帧定时, 乱序暂存)")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  # 干净信道")
	fmt.Println("  bistro-server --listen :9000 --proto gbn")
	fmt.Println()
	fmt.Println("  # 10% 丢包 + 20ms 延迟, 开启监控")
	fmt.Println("  bistro-server --loss 10 --dmean 20 --metrics-listen :9100")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics : Prometheus 格式指标")
	fmt.Println("  - /health  : JSON 健康状态")
	fmt.Println("  - /live    : WebSocket 实时快照")
}

func printBanner(cfg *config.Config, local string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║        Byte-Bistro Server v%-30s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听: %-49s ║\n", local)
	fmt.Printf("║  协议: %-49s ║\n", cfg.Proto)
	auth := "明文 HELLO"
	if cfg.PSK != "" {
		auth = fmt.Sprintf("PSK (时间窗 %d 秒)", cfg.TimeWindow)
	}
	fmt.Printf("║  认证: %-49s ║\n", auth)
	fmt.Printf("║  信道: 丢包 %d%% 重复 %d%% 乱序 %d%% 延迟 %d±%dms          \n",
		cfg.Channel.LossPct, cfg.Channel.DupPct, cfg.Channel.ReorderPct,
		cfg.Channel.DelayMeanMs, cfg.Channel.DelayJitterMs)
	fmt.Printf("║  厨房: %d..%dms %-38s ║\n", cfg.Kitchen.MinMs, cfg.Kitchen.MaxMs, cfg.Kitchen.Dist)
	if cfg.Metrics.Enabled {
		fmt.Printf("║  监控: http://localhost%-33s ║\n", cfg.Metrics.Listen+"/metrics")
	}
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                          ║")
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Println()
}
