package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, matchID string, event Event) error
	// Subscribe 返回的通道在 ctx 取消后关闭，订阅方以 ctx 控制生命周期
	Subscribe(ctx context.Context, matchID string) (<-chan Event, error)
}
