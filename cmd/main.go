package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hewenyu/edge-fabric/internal/apihandler"
	"github.com/hewenyu/edge-fabric/internal/balancer"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/dnsserver"
	"github.com/hewenyu/edge-fabric/internal/etcdclient"
	"github.com/hewenyu/edge-fabric/internal/healthcheck"
	"github.com/hewenyu/edge-fabric/internal/ingress"
	"github.com/hewenyu/edge-fabric/internal/metrics"
	"github.com/hewenyu/edge-fabric/internal/platform"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/internal/tunnel"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"go.uber.org/zap"
)

// 优雅关闭的最长等待时间
const shutdownTimeout = 10 * time.Second

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Edge Fabric Starting...",
		zap.String("version", "0.1.0"),
		zap.String("public", appConfig.Public.Addr()),
		zap.String("ingress", appConfig.Ingress.Addr()),
		zap.String("management", appConfig.Management.Addr()),
	)

	if err := run(); err != nil {
		logger.Error("启动失败", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 核心：注册表、目标选择、平台声明
	reg := registry.New(logger.Named("registry"))
	selector := balancer.NewSelector(reg)
	p := platform.New(reg, selector, logger.Named("platform"))
	if err := p.Bootstrap(appConfig); err != nil {
		return fmt.Errorf("声明服务和路由失败: %w", err)
	}
	r, err := p.Router(appConfig.DefaultAction)
	if err != nil {
		return fmt.Errorf("生成路由表失败: %w", err)
	}
	m := metrics.New()
	defer m.Shutdown(context.Background())

	// 健康检查
	checker := healthcheck.NewChecker(reg, healthcheck.NewHTTPProber(nil), logger.Named("healthcheck"), healthcheck.Options{
		StartupGrace: appConfig.Health.StartupGrace,
		Metrics:      m,
	})
	if err := checker.Start(ctx); err != nil {
		return err
	}
	defer checker.Stop()

	// 私有入口
	in := ingress.New(r, selector, reg, logger.Named("ingress"), ingress.Options{
		UpstreamTimeout: appConfig.Ingress.UpstreamTimeout,
		Metrics:         m,
	})
	in.Start(appConfig.Ingress.Addr())

	// 边界隧道
	tun, err := tunnel.New(appConfig.Public.Target, logger.Named("tunnel"), tunnel.Options{})
	if err != nil {
		return err
	}
	tun.Start(appConfig.Public.Addr())

	// 管理与生命周期API
	api := apihandler.NewAPIHandler(appConfig, logger.Named("api"), reg, r, p, m)
	if err := api.StartManagementAPI(); err != nil {
		return err
	}

	// 私有DNS命名空间
	var dnsServer *dnsserver.Server
	if appConfig.DNS.Enabled {
		dnsServer = dnsserver.NewServer(reg, logger.Named("dns"), dnsserver.Options{
			ListenAddress: appConfig.DNS.ListenAddress,
			Port:          appConfig.DNS.Port,
			Protocol:      appConfig.DNS.Protocol,
			Namespace:     appConfig.DNS.Namespace,
			TTL:           appConfig.DNS.TTL,
			UpstreamDNS:   appConfig.DNS.UpstreamDNS,
			Metrics:       m,
		})
		if err := dnsServer.Start(); err != nil {
			return err
		}
	}

	// etcd中的实例生命周期事件
	var watcher *etcdclient.LifecycleWatcher
	if appConfig.Etcd.Enabled {
		etcdClient := etcdclient.NewEtcdClient(appConfig, logger)
		if err := etcdClient.Connect(); err != nil {
			return err
		}
		defer etcdClient.Close()

		if err := etcdClient.Ping(ctx); err != nil {
			return err
		}
		watcher = etcdclient.NewLifecycleWatcher(etcdClient, p, appConfig.Etcd.Prefix, appConfig.Drain.Grace, logger.Named("lifecycle"))
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	printEndpoints(r.Routes())

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// 先关闭公网入口，再关闭内部组件
	tun.Shutdown(shutdownCtx)
	in.Shutdown(shutdownCtx)
	api.Shutdown(shutdownCtx)
	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Warn("关闭DNS服务出错", zap.Error(err))
		}
	}

	cancel()
	if watcher != nil {
		watcher.Wait()
	}

	logger.Info("已关闭")
	return nil
}

// printEndpoints 输出公网访问地址
func printEndpoints(routes []model.Route) {
	base := "http://" + appConfig.Public.Addr()
	logger.Info("API endpoint", zap.String("url", base))
	for _, route := range routes {
		for _, pattern := range route.Patterns {
			logger.Info("路由入口",
				zap.String("url", base+strings.TrimSuffix(pattern, "*")),
				zap.String("service", route.Service))
		}
	}
}
