// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 监控端点服务 - Prometheus /metrics, /health, 可选 pprof,
//       以及 /live WebSocket 周期推送 JSON 快照供实验实时观测
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// livePushInterval /live 推送周期
const livePushInterval = time.Second

// Server 指标服务器
type Server struct {
	listen      string
	enablePprof bool

	httpServer *http.Server
	registry   *prometheus.Registry
	bm         *BistroMetrics
	upgrader   websocket.Upgrader
}

// NewServer 创建指标服务器并注册业务收集器与 Go 运行时收集器
func NewServer(listen string, bm *BistroMetrics, enablePprof bool) *Server {
	// 自定义 registry, 避免污染全局
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(bm)

	return &Server{
		listen:      listen,
		enablePprof: enablePprof,
		registry:    registry,
		bm:          bm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 实验端点, 允许任意来源
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start 启动服务器, 在后台监听直到 Stop
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/live", s.handleLive)

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[Metrics] 服务器错误: %v\n", err)
		}
	}()
	return nil
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"snapshot":  s.bm.GetSnapshot(),
	})
}

// handleLive WebSocket 升级后按固定周期推送快照, 对端断开即退出
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 丢弃入站消息, 仅借读循环感知断连
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePushInterval)
	defer ticker.Stop()
	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.bm.GetSnapshot()); err != nil {
			return
		}
	}
}

// Stop 优雅停止服务器
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

// Registry 返回 registry (测试或扩展用)
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
