package api

import (
	"time"

	"matchvoice/internal/orchestrator"
)

// SignalRequest 是客户端上报的一条遥测信号
type SignalRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
	MatchID  string `json:"match_id" binding:"required"`
	TeamID   string `json:"team_id"`
	Phase    string `json:"phase"`
	Left     bool   `json:"left"`
}

type SignalAcceptedResponse struct {
	Status   string `json:"status"`
	PlayerID string `json:"player_id"`
	MatchID  string `json:"match_id"`
}

type RoomResponse struct {
	RoomID     string   `json:"room_id"`
	TeamID     string   `json:"team_id"`
	ChannelRef string   `json:"channel_ref"`
	Members    []string `json:"members"`
	Degraded   bool     `json:"degraded,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type MatchResponse struct {
	MatchID   string              `json:"match_id"`
	Phase     string              `json:"phase"`
	Teams     map[string][]string `json:"teams"`
	Ended     bool                `json:"ended"`
	Rooms     []RoomResponse      `json:"rooms"`
	CreatedAt string              `json:"created_at"`
}

type PlayerStatusResponse struct {
	PlayerID string          `json:"player_id"`
	MatchID  string          `json:"match_id,omitempty"`
	Phase    string          `json:"phase"`
	TeamID   string          `json:"team_id,omitempty"`
	Room     *RoomStatusBody `json:"room,omitempty"`
}

type RoomStatusBody struct {
	RoomID     string `json:"room_id"`
	ChannelRef string `json:"channel_ref"`
	Degraded   bool   `json:"degraded,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	MatchID   string `json:"match_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func roomResponse(rec *orchestrator.RoomRecord) RoomResponse {
	members := make([]string, 0, len(rec.Members))
	for playerID := range rec.Members {
		members = append(members, playerID)
	}
	return RoomResponse{
		RoomID:     rec.RoomID,
		TeamID:     rec.TeamID,
		ChannelRef: rec.ChannelRef,
		Members:    members,
		Degraded:   rec.Degraded,
		CreatedAt:  formatTime(rec.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
