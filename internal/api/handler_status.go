package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"matchvoice/internal/eventbus"
	"matchvoice/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// StatusReader 是编排器的只读查询面
type StatusReader interface {
	PlayerStatus(ctx context.Context, playerID string) (orchestrator.MatchStatus, error)
	Match(ctx context.Context, matchID string) (*orchestrator.MatchRecord, error)
	MatchRooms(ctx context.Context, matchID string) ([]*orchestrator.RoomRecord, error)
}

type StatusHandler struct {
	reader StatusReader
	bus    eventbus.EventBus
}

func NewStatusHandler(reader StatusReader, bus eventbus.EventBus) *StatusHandler {
	return &StatusHandler{reader: reader, bus: bus}
}

// GetPlayerStatus GET /api/v1/players/:id/status
func (h *StatusHandler) GetPlayerStatus(c *gin.Context) {
	playerID := c.Param("id")

	status, err := h.reader.PlayerStatus(c.Request.Context(), playerID)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	resp := PlayerStatusResponse{
		PlayerID: playerID,
		MatchID:  status.MatchID,
		Phase:    string(status.Phase),
		TeamID:   status.TeamID,
	}
	if status.Room != nil {
		resp.Room = &RoomStatusBody{
			RoomID:     status.Room.RoomID,
			ChannelRef: status.Room.ChannelRef,
			Degraded:   status.Room.Degraded,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetMatch GET /api/v1/matches/:id
func (h *StatusHandler) GetMatch(c *gin.Context) {
	matchID := c.Param("id")

	match, err := h.reader.Match(c.Request.Context(), matchID)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}
	rooms, err := h.reader.MatchRooms(c.Request.Context(), matchID)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	resp := MatchResponse{
		MatchID:   match.MatchID,
		Phase:     string(match.Phase),
		Teams:     match.Teams,
		Ended:     match.Ended,
		Rooms:     make([]RoomResponse, 0, len(rooms)),
		CreatedAt: formatTime(match.CreatedAt),
	}
	for _, rec := range rooms {
		resp.Rooms = append(resp.Rooms, roomResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

// StreamEvents GET /api/v1/matches/:id/events
// 通过 SSE 向客户端推送比赛的房间生命周期事件流
func (h *StatusHandler) StreamEvents(c *gin.Context) {
	matchID := c.Param("id")

	eventCh, err := h.bus.Subscribe(c.Request.Context(), matchID)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接要绕过 http.Server 的 WriteTimeout，否则传输中途会被强行掐断
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			sseEvent := SSEEvent{
				Type:      string(event.Type),
				MatchID:   event.MatchID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			}
			data, err := json.Marshal(sseEvent)
			if err != nil {
				return false
			}
			c.SSEvent("message", string(data))

			// 比赛结束是事件流的终点
			return event.Type != eventbus.EventMatchEnded

		case <-c.Request.Context().Done():
			// 客户端断连
			return false

		case <-time.After(30 * time.Second):
			// 心跳保持连接
			c.SSEvent("ping", "")
			return true
		}
	})
}
