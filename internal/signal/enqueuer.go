// Package signal 把遥测信号经由任务队列解耦：API 层只负责入队立刻返回，
// worker 串行消费并驱动状态机。队列天然吸收信号风暴。
package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"matchvoice/internal/orchestrator"

	"github.com/hibiken/asynq"
)

type Enqueuer struct {
	queueClient *asynq.Client
	logger      *slog.Logger
}

func NewEnqueuer(queueClient *asynq.Client, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		queueClient: queueClient,
		logger:      logger.With("component", "signal-enqueuer"),
	}
}

// EnqueueSignal queues one phase signal for the worker. Queue-level
// retries only cover infrastructure failures; signal semantics stay in
// the orchestrator.
func (e *Enqueuer) EnqueueSignal(sig orchestrator.PhaseSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	task := asynq.NewTask(PhaseSignalTask, payload)
	info, err := e.queueClient.Enqueue(task, asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}

	e.logger.Debug("Signal enqueued",
		"task_id", info.ID,
		"player_id", sig.PlayerID,
		"match_id", sig.MatchID,
		"phase", sig.Phase)
	return nil
}
