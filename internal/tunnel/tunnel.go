package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/server"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Options 隧道选项
type Options struct {
	// Transport 到私有入口的传输层，为nil时使用默认传输层
	Transport http.RoundTripper
}

// Tunnel 公网入口。接受任意方法和路径，原样转发到私有入口并原样返回响应，
// 不做重试和内容改写，是唯一跨越公网与私网边界的组件。
type Tunnel struct {
	echo   *echo.Echo
	target *url.URL
	logger config.Logger
}

// New 创建隧道，target为私有入口地址，如 http://127.0.0.1:8000
func New(target string, logger config.Logger, opts Options) (*Tunnel, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("解析隧道目标地址失败: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("隧道目标地址无效: %s", target)
	}

	t := &Tunnel{
		echo:   server.NewEcho(logger),
		target: u,
		logger: logger,
	}

	// 为每个请求补充请求ID，并传递给后端
	t.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))

	balancer := middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{
		{Name: "ingress", URL: u},
	})
	t.echo.Use(middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer:     balancer,
		RetryCount:   0,
		ErrorHandler: t.handleError,
		Transport:    opts.Transport,
	}))

	return t, nil
}

// Handler 返回隧道的http.Handler
func (t *Tunnel) Handler() http.Handler {
	return t.echo
}

// Target 返回私有入口地址
func (t *Tunnel) Target() string {
	return t.target.String()
}

// Start 非阻塞启动
func (t *Tunnel) Start(addr string) {
	t.logger.Info("边界隧道已就绪", zap.String("listen", addr), zap.String("target", t.target.String()))
	server.Start(t.echo, addr, "tunnel", t.logger)
}

// Shutdown 优雅关闭
func (t *Tunnel) Shutdown(ctx context.Context) error {
	return server.Shutdown(ctx, t.echo, "tunnel", t.logger)
}

// handleError 私有入口不可达时返回502，客户端断开时返回499
func (t *Tunnel) handleError(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == middleware.StatusCodeContextCanceled {
		t.logger.Debug("客户端提前断开", zap.String("path", c.Request().URL.Path))
		return err
	}

	t.logger.Error("无法连接私有入口",
		zap.String("target", t.target.String()),
		zap.String("path", c.Request().URL.Path),
		zap.Error(err))
	return err
}
