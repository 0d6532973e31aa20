// Package http 提供运维HTTP接口: 健康检查、指标快照、模型缓存失效
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"medpredict/ml"
	"medpredict/monitoring"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	MaxRequestSize int64
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		MaxRequestSize: 1 << 20,
	}
}

// Pinger 数据库健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies 处理器依赖
type Dependencies struct {
	Cache      *ml.Cache
	Metrics    *monitoring.Metrics
	Database   Pinger
	ModelsRoot string
	Logger     *zap.Logger
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultServerConfig().Timeout
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultServerConfig().MaxRequestSize
	}

	mux := http.NewServeMux()
	RegisterHandlers(mux, deps)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(deps.Logger),              // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(deps.Logger),                // 2. 日志中间件
		SecurityHeadersMiddleware,                    // 3. 安全头中间件
		RequestSizeMiddleware(config.MaxRequestSize), // 4. 请求大小限制
		TimeoutMiddleware(config.Timeout),            // 5. 超时中间件
	)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      chain(mux),
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout + time.Second,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
		logger: deps.Logger,
	}
}

// Handler 返回包装后的处理器, 便于测试
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
