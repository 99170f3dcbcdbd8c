package apihandler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/metrics"
	"github.com/hewenyu/edge-fabric/internal/platform"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/internal/router"
	"github.com/hewenyu/edge-fabric/internal/server"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartManagementAPI 启动管理与生命周期API服务
	StartManagementAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// Registry 管理API读取的注册表视图
type Registry interface {
	Services() []model.Service
	Service(serviceName string) (model.Service, error)
	Instances(serviceName string) ([]model.Instance, error)
}

// RouteTable 管理API读取的路由表视图
type RouteTable interface {
	Routes() []model.Route
	Resolve(path string) router.Decision
	DefaultAction() model.DefaultAction
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	managementServer *echo.Echo
	cfg              *config.Config
	logger           config.Logger
	registry         Registry
	routes           RouteTable
	lifecycle        platform.Lifecycle
	metrics          *metrics.Metrics

	// 后台排空任务使用的上下文，关闭时取消
	drainCtx    context.Context
	drainCancel context.CancelFunc
	drainWg     sync.WaitGroup
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, reg Registry, routes RouteTable, lifecycle platform.Lifecycle, m *metrics.Metrics) *EchoHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &EchoHandler{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		routes:      routes,
		lifecycle:   lifecycle,
		metrics:     m,
		drainCtx:    ctx,
		drainCancel: cancel,
	}
	h.managementServer = h.newServer()
	return h
}

// requestValidator 使用validator校验请求体的validate标签
type requestValidator struct {
	validator *validator.Validate
}

// Validate 实现echo.Validator接口
func (v *requestValidator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

func (h *EchoHandler) newServer() *echo.Echo {
	e := server.NewEcho(h.logger)
	e.Validator = &requestValidator{validator: validator.New(validator.WithRequiredStructEnabled())}

	// 添加CORS中间件
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	h.managementServer = e
	h.registerManagementRoutes()
	h.registerLifecycleRoutes()
	return e
}

// StartManagementAPI 启动管理与生命周期API服务（非阻塞）
func (h *EchoHandler) StartManagementAPI() error {
	server.Start(h.managementServer, h.cfg.Management.Addr(), "management", h.logger)
	return nil
}

// Shutdown 优雅关闭API服务，并让进行中的排空任务立即完成
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭管理API服务...")

	h.drainCancel()
	done := make(chan struct{})
	go func() {
		h.drainWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("等待排空任务结束超时")
	}

	return server.Shutdown(ctx, h.managementServer, "management", h.logger)
}

// registerManagementRoutes 注册管理API路由
func (h *EchoHandler) registerManagementRoutes() {
	// 健康检查端点
	h.managementServer.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "edge-fabric-management-api",
		})
	})

	h.managementServer.GET("/admin/services", h.getAllServicesHandler)
	h.managementServer.GET("/admin/services/:serviceName", h.getServiceDetailHandler)
	h.managementServer.GET("/admin/services/:serviceName/instances", h.getServiceInstancesHandler)
	h.managementServer.PUT("/admin/services/:serviceName/desired-count", h.updateDesiredCountHandler)

	h.managementServer.GET("/admin/routes", h.getRoutesHandler)
	h.managementServer.GET("/admin/resolve", h.resolveHandler)

	h.managementServer.GET("/admin/metrics", h.getMetricsHandler)
}

// registerLifecycleRoutes 注册平台生命周期API路由
func (h *EchoHandler) registerLifecycleRoutes() {
	h.managementServer.POST("/services/:serviceName/instances", h.instanceStartedHandler)
	h.managementServer.DELETE("/services/:serviceName/instances/:instanceId", h.instanceStoppedHandler)
	h.managementServer.POST("/services/:serviceName/instances/:instanceId/drain", h.instanceDrainingHandler)
}

// BaseResponse 通用响应字段
type BaseResponse struct {
	Success   bool   `json:"success"`           // 是否成功
	Message   string `json:"message,omitempty"` // 可选消息
	Timestamp string `json:"timestamp"`         // 时间戳
}

func newBase(success bool, message string) BaseResponse {
	return BaseResponse{
		Success:   success,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// errorStatus 把注册表错误映射为HTTP状态码
func errorStatus(err error) int {
	var regErr *registry.Error
	errors.As(err, &regErr)
	switch {
	case registry.IsNotFound(err):
		return http.StatusNotFound
	case regErr != nil && regErr.Code == registry.ErrInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ServiceSummary 服务容量概览
type ServiceSummary struct {
	Name         string                  `json:"name"`
	DNSName      string                  `json:"dns_name"`
	Port         int                     `json:"port"`
	DesiredCount int                     `json:"desired_count"`
	Registered   int                     `json:"registered"`
	Healthy      int                     `json:"healthy"`
	HealthCheck  model.HealthCheckConfig `json:"health_check"`
}

// ServiceListResponse 服务列表响应
type ServiceListResponse struct {
	BaseResponse
	Services []ServiceSummary `json:"services"`
	Count    int              `json:"count"`
}

// ServiceDetailResponse 服务详情响应
type ServiceDetailResponse struct {
	BaseResponse
	Service   *ServiceSummary  `json:"service,omitempty"`
	Instances []model.Instance `json:"instances,omitempty"`
}

func summarize(svc model.Service, instances []model.Instance) ServiceSummary {
	healthy := 0
	for _, inst := range instances {
		if inst.State == model.StateHealthy {
			healthy++
		}
	}
	return ServiceSummary{
		Name:         svc.Name,
		DNSName:      svc.DNSName,
		Port:         svc.Port,
		DesiredCount: svc.DesiredCount,
		Registered:   len(instances),
		Healthy:      healthy,
		HealthCheck:  svc.HealthCheck,
	}
}

// getAllServicesHandler 返回所有服务的期望、注册和健康实例数
func (h *EchoHandler) getAllServicesHandler(c echo.Context) error {
	services := h.registry.Services()
	summaries := make([]ServiceSummary, 0, len(services))
	for _, svc := range services {
		instances, err := h.registry.Instances(svc.Name)
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(svc, instances))
	}

	return c.JSON(http.StatusOK, &ServiceListResponse{
		BaseResponse: newBase(true, ""),
		Services:     summaries,
		Count:        len(summaries),
	})
}

// getServiceDetailHandler 返回单个服务的概览和实例
func (h *EchoHandler) getServiceDetailHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")

	svc, err := h.registry.Service(serviceName)
	if err != nil {
		return c.JSON(errorStatus(err), &ServiceDetailResponse{BaseResponse: newBase(false, err.Error())})
	}
	instances, err := h.registry.Instances(serviceName)
	if err != nil {
		return c.JSON(errorStatus(err), &ServiceDetailResponse{BaseResponse: newBase(false, err.Error())})
	}

	summary := summarize(svc, instances)
	return c.JSON(http.StatusOK, &ServiceDetailResponse{
		BaseResponse: newBase(true, ""),
		Service:      &summary,
		Instances:    instances,
	})
}

// getServiceInstancesHandler 返回服务的全部实例
func (h *EchoHandler) getServiceInstancesHandler(c echo.Context) error {
	instances, err := h.registry.Instances(c.Param("serviceName"))
	if err != nil {
		return c.JSON(errorStatus(err), &ServiceDetailResponse{BaseResponse: newBase(false, err.Error())})
	}
	if instances == nil {
		instances = []model.Instance{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"instances": instances,
		"count":     len(instances),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// DesiredCountRequest 更新期望实例数请求
type DesiredCountRequest struct {
	DesiredCount *int `json:"desired_count" validate:"required,min=0"`
}

// updateDesiredCountHandler 外部扩缩容组件更新期望实例数
func (h *EchoHandler) updateDesiredCountHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")

	req := new(DesiredCountRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, newBase(false, "请求格式错误: "+err.Error()))
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, newBase(false, "请求参数无效：desired_count必须是非负整数"))
	}

	if err := h.lifecycle.DesiredCountChanged(serviceName, *req.DesiredCount); err != nil {
		h.logger.Warn("更新期望实例数失败", zap.String("service", serviceName), zap.Error(err))
		return c.JSON(errorStatus(err), newBase(false, err.Error()))
	}
	return c.JSON(http.StatusOK, newBase(true, "期望实例数已更新"))
}

// RouteListResponse 路由表响应
type RouteListResponse struct {
	BaseResponse
	Routes        []model.Route       `json:"routes"`
	DefaultAction model.DefaultAction `json:"default_action"`
}

// getRoutesHandler 返回按优先级排序的路由表
func (h *EchoHandler) getRoutesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, &RouteListResponse{
		BaseResponse:  newBase(true, ""),
		Routes:        h.routes.Routes(),
		DefaultAction: h.routes.DefaultAction(),
	})
}

// ResolveResponse 路由决策响应
type ResolveResponse struct {
	BaseResponse
	Path     string `json:"path"`
	Matched  bool   `json:"matched"`
	Service  string `json:"service,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// resolveHandler 返回某个路径的路由决策，便于排查路由配置
func (h *EchoHandler) resolveHandler(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, newBase(false, "请求参数无效：path是必需的"))
	}

	d := h.routes.Resolve(path)
	return c.JSON(http.StatusOK, &ResolveResponse{
		BaseResponse: newBase(true, ""),
		Path:         path,
		Matched:      d.Matched,
		Service:      d.Service,
		Pattern:      d.Pattern,
		Priority:     d.Priority,
	})
}

// getMetricsHandler 返回进程内指标
func (h *EchoHandler) getMetricsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"data":      h.metrics.Snapshot(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// InstanceStartedRequest 实例启动请求
type InstanceStartedRequest struct {
	InstanceID string `json:"instance_id,omitempty"` // 为空时自动生成
	Address    string `json:"address" validate:"required"` // host 或 host:port
}

// InstanceResponse 实例生命周期响应
type InstanceResponse struct {
	BaseResponse
	ServiceName string `json:"service_name"`
	InstanceID  string `json:"instance_id"`
}

// instanceStartedHandler 平台报告新实例启动
func (h *EchoHandler) instanceStartedHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")

	req := new(InstanceStartedRequest)
	if err := c.Bind(req); err != nil {
		h.logger.Error("解析实例启动请求失败", zap.Error(err))
		return c.JSON(http.StatusBadRequest, &InstanceResponse{
			BaseResponse: newBase(false, "请求格式错误: "+err.Error()),
			ServiceName:  serviceName,
		})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, &InstanceResponse{
			BaseResponse: newBase(false, "请求参数无效：address是必需的"),
			ServiceName:  serviceName,
		})
	}
	if req.InstanceID == "" {
		req.InstanceID = uuid.NewString()
	}

	if err := h.lifecycle.InstanceStarted(serviceName, req.InstanceID, req.Address); err != nil {
		h.logger.Warn("注册实例失败",
			zap.String("service", serviceName),
			zap.String("instance", req.InstanceID),
			zap.Error(err))
		return c.JSON(errorStatus(err), &InstanceResponse{
			BaseResponse: newBase(false, "注册实例失败: "+err.Error()),
			ServiceName:  serviceName,
			InstanceID:   req.InstanceID,
		})
	}

	return c.JSON(http.StatusCreated, &InstanceResponse{
		BaseResponse: newBase(true, "实例已注册"),
		ServiceName:  serviceName,
		InstanceID:   req.InstanceID,
	})
}

// instanceStoppedHandler 平台报告实例终止
func (h *EchoHandler) instanceStoppedHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	if err := h.lifecycle.InstanceStopped(serviceName, instanceID); err != nil {
		h.logger.Warn("注销实例失败",
			zap.String("service", serviceName),
			zap.String("instance", instanceID),
			zap.Error(err))
		return c.JSON(errorStatus(err), &InstanceResponse{
			BaseResponse: newBase(false, "注销实例失败: "+err.Error()),
			ServiceName:  serviceName,
			InstanceID:   instanceID,
		})
	}

	return c.JSON(http.StatusOK, &InstanceResponse{
		BaseResponse: newBase(true, "实例已注销"),
		ServiceName:  serviceName,
		InstanceID:   instanceID,
	})
}

// DrainRequest 排空请求
type DrainRequest struct {
	GraceSeconds int `json:"grace_seconds,omitempty" validate:"min=0"` // 为0时使用配置的默认宽限期
}

// instanceDrainingHandler 在后台排空实例，立即返回202
func (h *EchoHandler) instanceDrainingHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	var req DrainRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, newBase(false, "请求格式错误: "+err.Error()))
		}
		if err := c.Validate(&req); err != nil {
			return c.JSON(http.StatusBadRequest, newBase(false, "请求参数无效：grace_seconds不能为负数"))
		}
	}

	if _, err := h.registry.Service(serviceName); err != nil {
		return c.JSON(errorStatus(err), &InstanceResponse{
			BaseResponse: newBase(false, err.Error()),
			ServiceName:  serviceName,
			InstanceID:   instanceID,
		})
	}

	grace := h.cfg.Drain.Grace
	if req.GraceSeconds > 0 {
		grace = time.Duration(req.GraceSeconds) * time.Second
	}

	h.drainWg.Add(1)
	go func() {
		defer h.drainWg.Done()
		if err := h.lifecycle.InstanceDraining(h.drainCtx, serviceName, instanceID, grace); err != nil {
			h.logger.Warn("排空实例未正常完成",
				zap.String("service", serviceName),
				zap.String("instance", instanceID),
				zap.Error(err))
		}
	}()

	return c.JSON(http.StatusAccepted, &InstanceResponse{
		BaseResponse: newBase(true, "实例开始排空"),
		ServiceName:  serviceName,
		InstanceID:   instanceID,
	})
}
