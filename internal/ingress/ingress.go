package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/hewenyu/edge-fabric/internal/balancer"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/metrics"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/internal/router"
	"github.com/hewenyu/edge-fabric/internal/server"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const (
	// contextKeyDecision 路由结果在echo.Context中的键
	contextKeyDecision = "fabric.decision"
	// contextKeyTarget 代理目标在echo.Context中的键
	contextKeyTarget = "fabric.target"
)

// Selector 目标选择与在途请求计数
type Selector interface {
	SelectAndAcquire(serviceName string) (model.Instance, error)
	Release(serviceName, instanceID string)
}

// ServiceLookup 查询服务声明，用于获取实例端口
type ServiceLookup interface {
	Service(serviceName string) (model.Service, error)
}

// Options 私有入口选项
type Options struct {
	// UpstreamTimeout 等待后端响应头的超时时间，0表示不限制
	UpstreamTimeout time.Duration
	// Transport 自定义到后端的传输层，为nil时基于默认传输层创建
	Transport http.RoundTripper
	Metrics   *metrics.Metrics
}

// ErrorResponse 入口返回的错误响应
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Service   string `json:"service,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Ingress 私有入口：按路径路由，轮询选择健康实例后透明转发
type Ingress struct {
	echo     *echo.Echo
	router   *router.Router
	selector Selector
	services ServiceLookup
	logger   config.Logger
	metrics  *metrics.Metrics
}

// New 创建私有入口
func New(r *router.Router, selector Selector, services ServiceLookup, logger config.Logger, opts Options) *Ingress {
	in := &Ingress{
		echo:     server.NewEcho(logger),
		router:   r,
		selector: selector,
		services: services,
		logger:   logger,
		metrics:  opts.Metrics,
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = opts.UpstreamTimeout
		transport = t
	}

	in.echo.Use(in.resolve)
	in.echo.Use(in.release)
	in.echo.Use(middleware.ProxyWithConfig(middleware.ProxyConfig{
		Skipper:      in.skipUnmatched,
		Balancer:     &poolBalancer{ingress: in},
		RetryCount:   0,
		ContextKey:   contextKeyTarget,
		ErrorHandler: in.handleProxyError,
		Transport:    transport,
	}))

	// 未命中任何路由的请求落到默认响应
	in.echo.Any("/", in.defaultHandler)
	in.echo.Any("/*", in.defaultHandler)

	return in
}

// Handler 返回入口的http.Handler
func (in *Ingress) Handler() http.Handler {
	return in.echo
}

// Start 非阻塞启动
func (in *Ingress) Start(addr string) {
	server.Start(in.echo, addr, "ingress", in.logger)
}

// Shutdown 优雅关闭
func (in *Ingress) Shutdown(ctx context.Context) error {
	return server.Shutdown(ctx, in.echo, "ingress", in.logger)
}

// resolve 对每个请求做一次路由决策
func (in *Ingress) resolve(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		decision := in.router.Resolve(c.Request().URL.Path)
		c.Set(contextKeyDecision, decision)
		in.metrics.ObserveRequest(decision.Service)
		return next(c)
	}
}

// release 请求结束后释放目标实例的在途计数
func (in *Ingress) release(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if tgt, ok := c.Get(contextKeyTarget).(*middleware.ProxyTarget); ok && tgt != nil {
			if service, ok := tgt.Meta["service"].(string); ok {
				in.selector.Release(service, tgt.Name)
			}
		}
		return err
	}
}

func (in *Ingress) skipUnmatched(c echo.Context) bool {
	decision, _ := c.Get(contextKeyDecision).(router.Decision)
	return !decision.Matched
}

// defaultHandler 返回配置的固定响应
func (in *Ingress) defaultHandler(c echo.Context) error {
	action := in.router.DefaultAction()
	return c.Blob(action.Status, action.ContentType, []byte(action.Body))
}

// handleProxyError 把选择与转发错误映射为HTTP响应，不做任何重试
func (in *Ingress) handleProxyError(c echo.Context, err error) error {
	decision, _ := c.Get(contextKeyDecision).(router.Decision)

	switch {
	case errors.Is(err, balancer.ErrNoHealthyTarget):
		in.metrics.ObserveNoHealthyTarget()
		in.logger.Warn("服务没有健康实例",
			zap.String("service", decision.Service),
			zap.String("path", c.Request().URL.Path))
		return c.JSON(http.StatusServiceUnavailable, &ErrorResponse{
			Success:   false,
			Service:   decision.Service,
			Message:   "服务暂不可用: 没有健康的实例",
			Timestamp: time.Now().Format(time.RFC3339),
		})

	case registry.IsNotFound(err):
		in.logger.Error("路由指向未声明的服务",
			zap.String("service", decision.Service),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, &ErrorResponse{
			Success:   false,
			Service:   decision.Service,
			Message:   "路由配置错误: " + err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == middleware.StatusCodeContextCanceled {
		in.metrics.ObserveClientAbort()
		in.logger.Debug("客户端提前断开，已放弃后端请求",
			zap.String("service", decision.Service),
			zap.String("path", c.Request().URL.Path))
		return err
	}

	in.metrics.ObserveUpstreamError()
	in.logger.Warn("转发到后端失败",
		zap.String("service", decision.Service),
		zap.Error(err))
	return err
}

// poolBalancer 把路由结果和选择器适配为echo的代理目标来源
type poolBalancer struct {
	ingress *Ingress
}

// NextTarget 实现middleware.TargetProvider
func (b *poolBalancer) NextTarget(c echo.Context) (*middleware.ProxyTarget, error) {
	decision, _ := c.Get(contextKeyDecision).(router.Decision)

	svc, err := b.ingress.services.Service(decision.Service)
	if err != nil {
		return nil, err
	}
	inst, err := b.ingress.selector.SelectAndAcquire(decision.Service)
	if err != nil {
		return nil, err
	}

	return &middleware.ProxyTarget{
		Name: inst.ID,
		URL:  &url.URL{Scheme: "http", Host: inst.Endpoint(svc.Port)},
		Meta: echo.Map{"service": decision.Service},
	}, nil
}

// Next 实现middleware.ProxyBalancer；选择失败时返回nil
func (b *poolBalancer) Next(c echo.Context) *middleware.ProxyTarget {
	tgt, err := b.NextTarget(c)
	if err != nil {
		return nil
	}
	return tgt
}

// AddTarget 目标来自注册表，不支持手动添加
func (b *poolBalancer) AddTarget(*middleware.ProxyTarget) bool {
	return false
}

// RemoveTarget 目标来自注册表，不支持手动移除
func (b *poolBalancer) RemoveTarget(string) bool {
	return false
}
