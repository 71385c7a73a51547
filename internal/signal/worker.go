package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"matchvoice/internal/orchestrator"

	"github.com/containerd/errdefs"
	"github.com/hibiken/asynq"
)

type Worker struct {
	handler Handler
	logger  *slog.Logger
}

func NewWorker(handler Handler, logger *slog.Logger) *Worker {
	return &Worker{
		handler: handler,
		logger:  logger.With("component", "signal-worker"),
	}
}

// HandlePhaseSignal 消费一条信号任务。坏载荷和非法信号直接丢弃，
// 不值得重试；其余错误交还队列按退避重投。
func (w *Worker) HandlePhaseSignal(ctx context.Context, task *asynq.Task) error {
	var sig orchestrator.PhaseSignal
	if err := json.Unmarshal(task.Payload(), &sig); err != nil {
		w.logger.Error("Failed to unmarshal signal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}

	if err := w.handler.HandleSignal(ctx, sig); err != nil {
		if errdefs.IsInvalidArgument(err) {
			w.logger.Warn("Dropping invalid signal",
				"player_id", sig.PlayerID, "match_id", sig.MatchID, "error", err)
			return fmt.Errorf("invalid signal: %v: %w", err, asynq.SkipRetry)
		}
		w.logger.Error("Signal handling failed",
			"player_id", sig.PlayerID, "match_id", sig.MatchID, "error", err)
		return err
	}
	return nil
}
