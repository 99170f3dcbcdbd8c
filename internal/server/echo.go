package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewEcho 创建带有恢复和访问日志中间件的Echo实例
func NewEcho(logger config.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(RequestLogger(logger))
	return e
}

// RequestLogger 通过zap输出访问日志
func RequestLogger(logger config.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.RequestID != "" {
				fields = append(fields, zap.String("request_id", v.RequestID))
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				logger.Warn("请求处理出错", fields...)
				return nil
			}
			logger.Debug("请求完成", fields...)
			return nil
		},
	})
}

// Start 非阻塞地启动Echo服务
func Start(e *echo.Echo, addr string, name string, logger config.Logger) {
	logger.Info("启动HTTP服务", zap.String("server", name), zap.String("address", addr))

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP服务启动失败", zap.String("server", name), zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭Echo服务
func Shutdown(ctx context.Context, e *echo.Echo, name string, logger config.Logger) error {
	if e == nil {
		return nil
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("关闭HTTP服务出错", zap.String("server", name), zap.Error(err))
		return err
	}
	logger.Info("HTTP服务已关闭", zap.String("server", name))
	return nil
}
