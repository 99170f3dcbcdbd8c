package etcdclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/stretchr/testify/require"
)

// createTestConfig 使用环境变量中的etcd地址，未设置时跳过测试
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()

	etcdEndpoints := os.Getenv("EDGE_FABRIC_ETCD_ENDPOINTS")
	if etcdEndpoints == "" {
		t.Skip("跳过集成测试：环境变量EDGE_FABRIC_ETCD_ENDPOINTS未设置")
	}

	cfg := &config.Config{}
	cfg.Etcd.Endpoints = []string{etcdEndpoints}
	return cfg
}

// CreateEtcdClientForTest 创建并连接真实的etcd客户端，供测试使用
func CreateEtcdClientForTest(t *testing.T) *EtcdClient {
	t.Helper()

	cfg := createTestConfig(t)
	logger, err := config.NewLogger(true, "debug")
	require.NoError(t, err, "创建测试日志记录器失败")

	client := NewEtcdClient(cfg, logger)
	require.NoError(t, client.Connect(), "连接etcd失败")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx), "Ping etcd失败")

	return client
}
