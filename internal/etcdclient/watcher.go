package etcdclient

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 监听事件类型
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
	// EventResync 重新列出前缀，Keys为此刻存在的全部键，随后的create事件回放它们的值
	EventResync = "resync"
)

// WatchEvent 定义监听事件
type WatchEvent struct {
	EventType string   // 事件类型: "create", "update", "delete", "resync"
	Key       string   // 发生变化的key
	Value     string   // 变化后的值 (对于delete事件，此字段为空)
	PrevValue string   // 变化前的值 (对于create事件，此字段为空)
	Keys      []string // resync事件中前缀下的全部键
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// StartWatch 先把前缀下的现有键作为create事件回放，再从下一个revision开始监听。
// 回调在同一个协程中按顺序调用。
func (e *EtcdClient) StartWatch(ctx context.Context, prefix string, callback WatchCallback) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	e.logger.Info("开始监听etcd变化", zap.String("prefix", prefix))

	rev, err := e.list(ctx, prefix, callback)
	if err != nil {
		return err
	}

	go e.watchLoop(ctx, prefix, rev, callback)
	return nil
}

// list 读取前缀下的全部键，先发出resync事件再逐个回放，返回下一个要监听的revision
func (e *EtcdClient) list(ctx context.Context, prefix string, callback WatchCallback) (int64, error) {
	getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	getResp, err := e.client.Get(getCtx, prefix, clientv3.WithPrefix())
	cancel()
	if err != nil {
		e.logger.Error("获取初始键值失败", zap.String("prefix", prefix), zap.Error(err))
		return 0, fmt.Errorf("获取初始键值失败: %w", err)
	}

	keys := make([]string, 0, len(getResp.Kvs))
	for _, kv := range getResp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	callback(WatchEvent{EventType: EventResync, Keys: keys})

	for _, kv := range getResp.Kvs {
		callback(WatchEvent{EventType: EventCreate, Key: string(kv.Key), Value: string(kv.Value)})
	}
	return getResp.Header.Revision + 1, nil
}

// watchLoop 监听被取消时从最后处理的revision之后重新监听。
// 所需的revision已被压缩时，期间的删除事件已经丢失，需要重新列出前缀。
func (e *EtcdClient) watchLoop(ctx context.Context, prefix string, rev int64, callback WatchCallback) {
	resync := false
	for {
		if resync {
			next, err := e.list(ctx, prefix, callback)
			if err == nil {
				rev = next
				resync = false
			}
		}

		if !resync {
			watchChan := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())

			for watchResp := range watchChan {
				if watchResp.Canceled {
					e.logger.Warn("etcd监听被取消", zap.String("prefix", prefix), zap.Error(watchResp.Err()))
					if watchResp.CompactRevision != 0 {
						resync = true
					}
					break
				}

				for _, event := range watchResp.Events {
					callback(toWatchEvent(event))
					rev = event.Kv.ModRevision + 1

					e.logger.Debug("检测到etcd变化",
						zap.String("type", event.Type.String()),
						zap.String("key", string(event.Kv.Key)))
				}
			}
		}

		select {
		case <-ctx.Done():
			e.logger.Info("停止监听etcd变化", zap.String("prefix", prefix))
			return
		case <-time.After(time.Second):
		}
	}
}

func toWatchEvent(event *clientv3.Event) WatchEvent {
	we := WatchEvent{
		Key:   string(event.Kv.Key),
		Value: string(event.Kv.Value),
	}

	switch event.Type {
	case clientv3.EventTypePut:
		if event.IsCreate() {
			we.EventType = EventCreate
		} else {
			we.EventType = EventUpdate
			if event.PrevKv != nil {
				we.PrevValue = string(event.PrevKv.Value)
			}
		}
	case clientv3.EventTypeDelete:
		we.EventType = EventDelete
		we.Value = ""
		if event.PrevKv != nil {
			we.PrevValue = string(event.PrevKv.Value)
		}
	}
	return we
}
