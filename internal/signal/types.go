package signal

import (
	"context"

	"matchvoice/internal/orchestrator"
)

// PhaseSignalTask 是入队的遥测信号任务类型
const PhaseSignalTask = "signal:phase"

// Handler is the downstream consumer of dequeued phase signals.
type Handler interface {
	HandleSignal(ctx context.Context, sig orchestrator.PhaseSignal) error
}
