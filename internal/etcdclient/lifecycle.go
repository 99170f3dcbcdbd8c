package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/platform"
	"go.uber.org/zap"
)

// InstanceRecord 平台写入etcd的实例记录，键为 <prefix><service>/<instance_id>
type InstanceRecord struct {
	Address  string `json:"address"`
	Draining bool   `json:"draining,omitempty"`
}

// LifecycleWatcher 把etcd中的实例记录变化转换为平台生命周期事件：
// 写入为启动，draining为true时排空，删除为停止。
type LifecycleWatcher struct {
	client    Client
	lifecycle platform.Lifecycle
	prefix    string
	grace     time.Duration
	logger    config.Logger

	// known 通过etcd得知的实例键，只在回调协程中访问
	known map[string]struct{}

	mu       sync.Mutex
	draining map[string]bool
	wg       sync.WaitGroup
	ctx      context.Context
}

// NewLifecycleWatcher 创建实例生命周期监听器
func NewLifecycleWatcher(client Client, lifecycle platform.Lifecycle, prefix string, grace time.Duration, logger config.Logger) *LifecycleWatcher {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LifecycleWatcher{
		client:    client,
		lifecycle: lifecycle,
		prefix:    prefix,
		grace:     grace,
		logger:    logger,
		known:     make(map[string]struct{}),
		draining:  make(map[string]bool),
	}
}

// Start 回放现有记录并开始监听。ctx取消后监听停止，进行中的排空立即完成。
func (w *LifecycleWatcher) Start(ctx context.Context) error {
	w.ctx = ctx
	return w.client.StartWatch(ctx, w.prefix, w.handle)
}

// Wait 等待进行中的排空任务结束
func (w *LifecycleWatcher) Wait() {
	w.wg.Wait()
}

func (w *LifecycleWatcher) handle(event WatchEvent) {
	if event.EventType == EventResync {
		w.reconcile(event.Keys)
		return
	}

	serviceName, instanceID, ok := parseInstanceKey(w.prefix, event.Key)
	if !ok {
		w.logger.Warn("忽略无法识别的实例键", zap.String("key", event.Key))
		return
	}

	if event.EventType == EventDelete {
		delete(w.known, event.Key)
		if err := w.lifecycle.InstanceStopped(serviceName, instanceID); err != nil {
			w.logger.Warn("注销实例失败",
				zap.String("service", serviceName),
				zap.String("instance", instanceID),
				zap.Error(err))
		}
		return
	}

	record, err := parseInstanceRecord(event.Value)
	if err != nil {
		w.logger.Warn("解析实例记录失败", zap.String("key", event.Key), zap.Error(err))
		return
	}

	w.known[event.Key] = struct{}{}
	if record.Draining {
		w.startDrain(serviceName, instanceID)
		return
	}

	if err := w.lifecycle.InstanceStarted(serviceName, instanceID, record.Address); err != nil {
		w.logger.Warn("注册实例失败",
			zap.String("service", serviceName),
			zap.String("instance", instanceID),
			zap.Error(err))
	}
}

// reconcile 重新列出前缀后，停止已不在etcd中的实例
func (w *LifecycleWatcher) reconcile(keys []string) {
	current := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		current[key] = struct{}{}
	}

	for key := range w.known {
		if _, ok := current[key]; ok {
			continue
		}
		delete(w.known, key)

		serviceName, instanceID, _ := parseInstanceKey(w.prefix, key)
		w.logger.Info("重新同步时发现实例记录已删除",
			zap.String("service", serviceName),
			zap.String("instance", instanceID))
		if err := w.lifecycle.InstanceStopped(serviceName, instanceID); err != nil {
			w.logger.Warn("注销实例失败",
				zap.String("service", serviceName),
				zap.String("instance", instanceID),
				zap.Error(err))
		}
	}
}

// startDrain 在后台排空实例，同一实例只排空一次
func (w *LifecycleWatcher) startDrain(serviceName, instanceID string) {
	key := serviceName + "/" + instanceID

	w.mu.Lock()
	if w.draining[key] {
		w.mu.Unlock()
		return
	}
	w.draining[key] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.draining, key)
			w.mu.Unlock()
		}()

		if err := w.lifecycle.InstanceDraining(w.ctx, serviceName, instanceID, w.grace); err != nil {
			w.logger.Warn("排空实例未正常完成",
				zap.String("service", serviceName),
				zap.String("instance", instanceID),
				zap.Error(err))
		}
	}()
}

// parseInstanceKey 从 <prefix><service>/<instance_id> 中解析服务名和实例ID
func parseInstanceKey(prefix, key string) (string, string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func parseInstanceRecord(value string) (InstanceRecord, error) {
	var record InstanceRecord
	if value == "" {
		return record, fmt.Errorf("空的实例记录")
	}
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return record, err
	}
	if record.Address == "" && !record.Draining {
		return record, fmt.Errorf("实例记录缺少address")
	}
	return record, nil
}
