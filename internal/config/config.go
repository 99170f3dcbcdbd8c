package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ListenConfig 监听地址配置
type ListenConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Addr 返回 ip:port 形式的监听地址
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.ListenAddress, l.Port)
}

// ServiceConfig 单个后端服务的声明
type ServiceConfig struct {
	Name         string                  `mapstructure:"name"`
	DesiredCount int                     `mapstructure:"desired_count"`
	Port         int                     `mapstructure:"port"`
	DNSName      string                  `mapstructure:"dns_name"`
	HealthCheck  model.HealthCheckConfig `mapstructure:"health_check"`
}

// Config 应用程序配置结构
type Config struct {
	// 公网入口（边界隧道）配置
	Public struct {
		ListenConfig `mapstructure:",squash"`
		// 私有入口地址，隧道把请求原样转发到这里
		Target string `mapstructure:"target"`
	} `mapstructure:"public"`

	// 私有入口（路由 + 负载均衡）配置
	Ingress struct {
		ListenConfig `mapstructure:",squash"`
		// 等待后端响应头的超时时间，0表示不限制
		UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	} `mapstructure:"ingress"`

	// 管理与生命周期API配置
	Management ListenConfig `mapstructure:"management"`

	// 未匹配路由时的默认响应
	DefaultAction model.DefaultAction `mapstructure:"default_action"`

	// 服务与路由声明
	Services []ServiceConfig `mapstructure:"services"`
	Routes   []model.Route   `mapstructure:"routes"`

	// 健康检查全局配置
	Health struct {
		// 新注册实例在首次探测前额外等待的时间
		StartupGrace time.Duration `mapstructure:"startup_grace"`
	} `mapstructure:"health"`

	// 实例排空配置
	Drain struct {
		Grace time.Duration `mapstructure:"grace"`
	} `mapstructure:"drain"`

	// 私有DNS命名空间配置
	DNS struct {
		Enabled       bool     `mapstructure:"enabled"`
		ListenAddress string   `mapstructure:"listen_address"`
		Port          int      `mapstructure:"port"`
		Protocol      string   `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Namespace     string   `mapstructure:"namespace"`
		TTL           uint32   `mapstructure:"ttl"`
		UpstreamDNS   []string `mapstructure:"upstream_dns"`
	} `mapstructure:"dns"`

	// etcd配置，用于监听平台推送的实例生命周期事件
	Etcd struct {
		Enabled   bool     `mapstructure:"enabled"`
		Endpoints []string `mapstructure:"endpoints"`
		Username  string   `mapstructure:"username"`
		Password  string   `mapstructure:"password"`
		Prefix    string   `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.edge-fabric")
		v.AddConfigPath("/etc/edge-fabric")
	}
	v.SetConfigType("yaml")

	// 找不到配置文件时使用默认值，其他错误直接返回
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量，.env中的值不覆盖已有的环境变量
	if err := loadEnvFile(configPath); err != nil {
		return nil, fmt.Errorf("读取.env文件错误: %w", err)
	}
	v.SetEnvPrefix("EDGE_FABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	config.DefaultAction = config.DefaultAction.WithDefaults()
	if config.Public.Target == "" {
		config.Public.Target = fmt.Sprintf("http://127.0.0.1:%d", config.Ingress.Port)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadEnvFile 依次查找配置文件所在目录和当前目录下的.env，加载找到的第一个
func loadEnvFile(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return godotenv.Load(path)
		}
	}
	return nil
}

// Validate 检查服务与路由声明之间的引用关系
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("服务名称不能为空")
		}
		if _, dup := names[svc.Name]; dup {
			return fmt.Errorf("服务重复声明: %s", svc.Name)
		}
		if svc.Port <= 0 {
			return fmt.Errorf("服务[%s]端口无效: %d", svc.Name, svc.Port)
		}
		names[svc.Name] = struct{}{}
	}

	for i, r := range c.Routes {
		if len(r.Patterns) == 0 {
			return fmt.Errorf("第%d条路由没有路径模式", i+1)
		}
		if _, ok := names[r.Service]; !ok {
			return fmt.Errorf("路由%v指向未声明的服务: %s", r.Patterns, r.Service)
		}
	}

	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("public.listen_address", "0.0.0.0")
	v.SetDefault("public.port", 8080)
	v.SetDefault("public.target", "")

	v.SetDefault("ingress.listen_address", "127.0.0.1")
	v.SetDefault("ingress.port", 8000)
	v.SetDefault("ingress.upstream_timeout", 30*time.Second)

	v.SetDefault("management.listen_address", "127.0.0.1")
	v.SetDefault("management.port", 8081)

	v.SetDefault("default_action.status", 200)
	v.SetDefault("default_action.content_type", "text/plain; charset=UTF-8")
	v.SetDefault("default_action.body", "")

	// 两个后端服务，各自两个副本，监听80端口
	v.SetDefault("services", []map[string]interface{}{
		{
			"name":          "items",
			"desired_count": 2,
			"port":          80,
			"dns_name":      "ItemsService",
			"health_check": map[string]interface{}{
				"path":     "/api/items/ping",
				"interval": "30s",
				"timeout":  "3s",
			},
		},
		{
			"name":          "ratings",
			"desired_count": 2,
			"port":          80,
			"dns_name":      "RatingsService",
			"health_check": map[string]interface{}{
				"path":     "/api/ratings/ping",
				"interval": "30s",
				"timeout":  "3s",
			},
		},
	})
	v.SetDefault("routes", []map[string]interface{}{
		{
			"patterns":          []string{"/api/items*"},
			"priority":          1,
			"service":           "items",
			"health_check_path": "/api/items/ping",
		},
		{
			"patterns":          []string{"/api/ratings*"},
			"priority":          2,
			"service":           "ratings",
			"health_check_path": "/api/ratings/ping",
		},
	})

	v.SetDefault("health.startup_grace", time.Duration(0))
	v.SetDefault("drain.grace", 30*time.Second)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "127.0.0.1")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.namespace", "http-api.local")
	v.SetDefault("dns.ttl", 10)
	v.SetDefault("dns.upstream_dns", []string{})

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/fabric/instances/")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("public.port", "EDGE_FABRIC_PUBLIC_PORT")
	v.BindEnv("ingress.port", "EDGE_FABRIC_INGRESS_PORT")
	v.BindEnv("management.port", "EDGE_FABRIC_MANAGEMENT_PORT")
	v.BindEnv("dns.port", "EDGE_FABRIC_DNS_PORT")
	v.BindEnv("etcd.endpoints", "EDGE_FABRIC_ETCD_ENDPOINTS")
	v.BindEnv("default_action.status", "EDGE_FABRIC_DEFAULT_STATUS")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.edge-fabric/config.yaml",
		"/etc/edge-fabric/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
