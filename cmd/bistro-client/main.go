// =============================================================================
// 文件: cmd/bistro-client/main.go
// 描述: 压测客户端 - 多 worker 并发下单, 每 worker 独立套接字/信道/传输实例,
//       统计订单往返时延与重传
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/bistro/internal/app"
	"github.com/mrcgq/bistro/internal/channel"
	"github.com/mrcgq/bistro/internal/session"
	"github.com/mrcgq/bistro/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// replyTimeout 单笔订单等待回执上限
const replyTimeout = 5 * time.Second

// menu 下单菜品样本
var menu = []string{
	"double-cheese,cola",
	"veggie-wrap",
	"ramen,gyoza,tea",
	"espresso",
	"burger,fries,shake",
}

// clientOptions 客户端参数
type clientOptions struct {
	addr    string
	proto   string
	psk     string
	orders  int
	workers int

	loss    int
	dup     int
	reorder int
	dmean   int
	djitter int
	rate    int
	seed    uint64

	window uint32
	mss    int
	rtoMs  int

	timeWindow int
	logLevel   string
}

// tally 跨 worker 汇总计数
type tally struct {
	sent        atomic.Uint64
	ok          atomic.Uint64
	timeouts    atomic.Uint64
	mismatch    atomic.Uint64
	rttCount    atomic.Uint64
	rttTotal    atomic.Int64 // 纳秒
	retransmits atomic.Uint64
}

func main() {
	opt := parseFlags()
	printBanner(opt)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var tl tally

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opt.workers; w++ {
		id := w
		g.Go(func() error {
			return runWorker(ctx, id, opt, &tl)
		})
	}
	err := g.Wait()

	printSummary(&tl, time.Since(start))
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

// parseFlags 解析命令行参数
func parseFlags() *clientOptions {
	opt := &clientOptions{}

	flag.StringVar(&opt.addr, "addr", "127.0.0.1:9000", "服务器地址")
	flag.StringVar(&opt.proto, "proto", "gbn", "可靠传输协议: gbn 或 sr")
	flag.StringVar(&opt.psk, "psk", "", "base64 预共享密钥; 空为明文 HELLO")
	flag.IntVar(&opt.orders, "n", 10, "每 worker 下单数")
	flag.IntVar(&opt.workers, "c", 1, "并发 worker 数")

	flag.IntVar(&opt.loss, "loss", 0, "丢包概率 0..100")
	flag.IntVar(&opt.dup, "dup", 0, "重复概率 0..100")
	flag.IntVar(&opt.reorder, "reorder", 0, "乱序概率 0..100")
	flag.IntVar(&opt.dmean, "dmean", 0, "延迟均值 (毫秒)")
	flag.IntVar(&opt.djitter, "djitter", 0, "延迟抖动 (毫秒)")
	flag.IntVar(&opt.rate, "rate", 0, "限速 Mbps, 0 不限")
	flag.Uint64Var(&opt.seed, "seed", 0, "信道随机种子, 0 取固定默认")

	wnd := flag.Uint("wnd", 32, "滑动窗口帧数")
	flag.IntVar(&opt.mss, "mss", 512, "单帧最大分片")
	flag.IntVar(&opt.rtoMs, "rto", 150, "重传超时 (毫秒)")
	flag.IntVar(&opt.timeWindow, "time-window", 30, "HELLO 令牌时间窗 (秒)")

	verbose := flag.Bool("v", false, "调试日志")
	quiet := flag.Bool("q", false, "仅错误日志")
	showVersion := flag.Bool("version", false, "显示版本")

	flag.Parse()
	opt.window = uint32(*wnd)

	if *showVersion {
		fmt.Printf("Byte-Bistro Client v%s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
		fmt.Printf("  Go: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	opt.logLevel = "info"
	if *verbose {
		opt.logLevel = "debug"
	}
	if *quiet {
		opt.logLevel = "error"
	}

	if opt.proto != "gbn" && opt.proto != "sr" {
		fmt.Fprintf(os.Stderr, "[ERROR] proto 必须是 gbn 或 sr, got %q\n", opt.proto)
		os.Exit(1)
	}
	if opt.orders <= 0 || opt.workers <= 0 {
		fmt.Fprintln(os.Stderr, "[ERROR] -n 与 -c 必须为正")
		os.Exit(1)
	}
	return opt
}

// runWorker 单 worker 生命周期: 建链 -> HELLO -> 顺序下单
func runWorker(ctx context.Context, id int, opt *clientOptions, tl *tally) error {
	peer, err := net.ResolveUDPAddr("udp", opt.addr)
	if err != nil {
		return fmt.Errorf("worker %d 解析地址: %w", id, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("worker %d 套接字: %w", id, err)
	}

	seed := opt.seed
	if seed != 0 {
		// 各 worker 错开种子, 避免同步损伤
		seed += uint64(id) * 7919
	}
	ch := channel.New(conn, peer, channel.Config{
		LossPct:       opt.loss,
		DupPct:        opt.dup,
		ReorderPct:    opt.reorder,
		DelayMeanMs:   opt.dmean,
		DelayJitterMs: opt.djitter,
		RateMbps:      opt.rate,
		Seed:          seed,
	}, opt.logLevel)

	auth, err := session.NewAuthenticator(opt.psk, opt.timeWindow)
	if err != nil {
		ch.Close()
		return fmt.Errorf("worker %d 认证模块: %w", id, err)
	}
	hello, err := auth.MakeHello()
	if err != nil {
		ch.Close()
		return fmt.Errorf("worker %d 构造 HELLO: %w", id, err)
	}
	if _, err := ch.Send(hello); err != nil {
		ch.Close()
		return fmt.Errorf("worker %d 发送 HELLO: %w", id, err)
	}

	tcfg := transport.Config{
		InitSeq: 1,
		Window:  opt.window,
		MSS:     opt.mss,
		RTO:     time.Duration(opt.rtoMs) * time.Millisecond,
	}
	var tr transport.Transport
	if opt.proto == "sr" {
		tr = transport.NewSelectiveRepeatLevel(ch, tcfg, opt.logLevel)
	} else {
		tr = transport.NewGoBackNLevel(ch, tcfg, opt.logLevel)
	}
	defer func() {
		st := tr.Stats()
		tl.retransmits.Add(st.Retransmits)
		tr.Close()
	}()

	buf := make([]byte, transport.MaxMessage)
	for i := 0; i < opt.orders; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		order := app.Order{
			ID:    uint64(id)*1_000_000 + uint64(i) + 1,
			Items: menu[(id+i)%len(menu)],
		}
		payload := app.EncodeOrder(order)

		begin := time.Now()
		if err := tr.Send(payload); err != nil {
			return fmt.Errorf("worker %d 发送订单 #%d: %w", id, order.ID, err)
		}
		tl.sent.Add(1)

		reply, err := awaitReply(ctx, tr, buf)
		if err != nil {
			return err
		}
		if reply == nil {
			tl.timeouts.Add(1)
			if opt.logLevel != "error" {
				fmt.Printf("[INFO] worker %d 订单 #%d 超时\n", id, order.ID)
			}
			continue
		}

		rtt := time.Since(begin)
		if reply.ID != order.ID || reply.Items != order.Items {
			tl.mismatch.Add(1)
			fmt.Printf("[ERROR] worker %d 回执不匹配: 发 #%d %q, 收 #%d %q\n",
				id, order.ID, order.Items, reply.ID, reply.Items)
			continue
		}

		tl.ok.Add(1)
		tl.rttCount.Add(1)
		tl.rttTotal.Add(int64(rtt))
		if opt.logLevel == "debug" {
			fmt.Printf("[DEBUG] worker %d 订单 #%d 完成: 厨房 %dms, 往返 %.1fms\n",
				id, order.ID, reply.LatencyMs, float64(rtt.Microseconds())/1000.0)
		}
	}
	return nil
}

// awaitReply 以 100ms 节拍轮询回执, 超时返回 (nil, nil)
func awaitReply(ctx context.Context, tr transport.Transport, buf []byte) (*app.Reply, error) {
	deadline := time.Now().Add(replyTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := tr.Recv(buf, 100*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("接收回执: %w", err)
		}
		if n == 0 {
			continue
		}
		reply, err := app.ParseReply(buf[:n])
		if err != nil {
			fmt.Printf("[ERROR] 回执解析失败: %v\n", err)
			continue
		}
		return &reply, nil
	}
	return nil, nil
}

func printBanner(opt *clientOptions) {
	if opt.logLevel == "error" {
		return
	}
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║        Byte-Bistro Client v%-30s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  服务器: %-47s ║\n", opt.addr)
	fmt.Printf("║  协议:   %-47s ║\n", opt.proto)
	fmt.Printf("║  负载:   %d worker x %d 单%-29s ║\n", opt.workers, opt.orders, "")
	fmt.Printf("║  信道:   丢包 %d%% 重复 %d%% 乱序 %d%% 延迟 %d±%dms        \n",
		opt.loss, opt.dup, opt.reorder, opt.dmean, opt.djitter)
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(tl *tally, elapsed time.Duration) {
	sent := tl.sent.Load()
	ok := tl.ok.Load()
	fmt.Println()
	fmt.Printf("[STATS] 耗时 %.2fs | 下单 %d | 成功 %d | 超时 %d | 不匹配 %d | 重传 %d\n",
		elapsed.Seconds(), sent, ok, tl.timeouts.Load(), tl.mismatch.Load(), tl.retransmits.Load())
	if n := tl.rttCount.Load(); n > 0 {
		mean := float64(tl.rttTotal.Load()) / float64(n) / 1e6
		fmt.Printf("[STATS] RTT 均值 %.1fms | 吞吐 %.1f 单/秒\n",
			mean, float64(ok)/elapsed.Seconds())
	}
}
