package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, 8080, config.Public.Port, "公网入口端口应为8080")
	assert.Equal(t, 8000, config.Ingress.Port, "私有入口端口应为8000")
	assert.Equal(t, 8081, config.Management.Port, "管理API端口应为8081")
	assert.Equal(t, "http://127.0.0.1:8000", config.Public.Target, "隧道目标应指向私有入口")
	assert.Equal(t, 200, config.DefaultAction.Status, "默认响应状态码应为200")
	assert.Equal(t, "http-api.local", config.DNS.Namespace)
	assert.Equal(t, 30*time.Second, config.Drain.Grace)

	// 默认声明两个服务和两条路由
	require.Len(t, config.Services, 2)
	assert.Equal(t, "items", config.Services[0].Name)
	assert.Equal(t, 2, config.Services[0].DesiredCount)
	assert.Equal(t, 80, config.Services[0].Port)
	assert.Equal(t, "ItemsService", config.Services[0].DNSName)
	assert.Equal(t, "/api/items/ping", config.Services[0].HealthCheck.Path)
	assert.Equal(t, 30*time.Second, config.Services[0].HealthCheck.Interval)
	assert.Equal(t, 3*time.Second, config.Services[0].HealthCheck.Timeout)

	require.Len(t, config.Routes, 2)
	assert.Equal(t, []string{"/api/items*"}, config.Routes[0].Patterns)
	assert.Equal(t, 1, config.Routes[0].Priority)
	assert.Equal(t, "ratings", config.Routes[1].Service)
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("EDGE_FABRIC_PUBLIC_PORT", "9090")
	t.Setenv("EDGE_FABRIC_INGRESS_PORT", "9000")
	t.Setenv("EDGE_FABRIC_DEFAULT_STATUS", "404")

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, 9090, config.Public.Port, "环境变量应正确覆盖公网入口端口")
	assert.Equal(t, 9000, config.Ingress.Port, "环境变量应正确覆盖私有入口端口")
	assert.Equal(t, "http://127.0.0.1:9000", config.Public.Target, "隧道目标应跟随私有入口端口")
	assert.Equal(t, 404, config.DefaultAction.Status)

	// 确认其他值不受影响
	assert.Equal(t, 8081, config.Management.Port, "管理API端口不应被环境变量影响")
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
services:
  - name: orders
    port: 8080
    desired_count: 3
    health_check:
      path: /healthz
      interval: 5s
      timeout: 1s
      healthy_threshold: 2
      unhealthy_threshold: 3
      matcher: "200"
routes:
  - patterns: ["/orders*", "/v2/orders/*"]
    priority: 10
    service: orders
default_action:
  status: 204
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, config.Services, 1)
	svc := config.Services[0]
	assert.Equal(t, "orders", svc.Name)
	assert.Equal(t, 3, svc.DesiredCount)
	assert.Equal(t, 5*time.Second, svc.HealthCheck.Interval)
	assert.Equal(t, time.Second, svc.HealthCheck.Timeout)
	assert.Equal(t, 2, svc.HealthCheck.HealthyThreshold)
	assert.Equal(t, 3, svc.HealthCheck.UnhealthyThreshold)
	assert.Equal(t, "200", svc.HealthCheck.Matcher)

	require.Len(t, config.Routes, 1)
	assert.Equal(t, []string{"/orders*", "/v2/orders/*"}, config.Routes[0].Patterns)
	assert.Equal(t, 204, config.DefaultAction.Status)
	assert.NotEmpty(t, config.DefaultAction.ContentType)
}

func TestLoadConfigRejectsUnknownRouteTarget(t *testing.T) {
	content := `
services:
  - name: items
    port: 80
routes:
  - patterns: ["/api/users*"]
    priority: 1
    service: users
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	assert.Error(t, err, "路由指向未声明的服务应加载失败")
	assert.Nil(t, config)
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestLoadConfigReadsEnvFileNextToConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EDGE_FABRIC_MANAGEMENT_PORT=9181\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("EDGE_FABRIC_MANAGEMENT_PORT") })

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9181, config.Management.Port)
	assert.Equal(t, "debug", config.Log.Level)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EDGE_FABRIC_PUBLIC_PORT=9999\n"), 0o600))
	t.Setenv("EDGE_FABRIC_PUBLIC_PORT", "9090")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, config.Public.Port)
}
