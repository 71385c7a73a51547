package api

import (
	"net/http"

	"matchvoice/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// SignalQueue 是信号入队的能力接口，由 signal.Enqueuer 实现
type SignalQueue interface {
	EnqueueSignal(sig orchestrator.PhaseSignal) error
}

type SignalHandler struct {
	queue SignalQueue
}

func NewSignalHandler(queue SignalQueue) *SignalHandler {
	return &SignalHandler{queue: queue}
}

// PostSignal POST /api/v1/signals
// 接收一条遥测信号并立刻返回。信号的语义校验和状态推进都在 worker 里，
// 这里只保证它进了队列。
func (h *SignalHandler) PostSignal(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	sig := orchestrator.PhaseSignal{
		PlayerID: req.PlayerID,
		MatchID:  req.MatchID,
		TeamID:   req.TeamID,
		Phase:    orchestrator.Phase(req.Phase),
		Left:     req.Left,
	}
	if !sig.Left && !orchestrator.ValidPhase(sig.Phase) {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "unknown phase: "+req.Phase)
		return
	}

	if err := h.queue.EnqueueSignal(sig); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, SignalAcceptedResponse{
		Status:   "accepted",
		PlayerID: req.PlayerID,
		MatchID:  req.MatchID,
	})
}
