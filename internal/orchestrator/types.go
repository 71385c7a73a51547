package orchestrator

import (
	"time"

	"matchvoice/internal/retry"
)

// Phase 是一局比赛的生命周期阶段，按遥测信号推进。
type Phase string

const (
	PhaseNone        Phase = "none"
	PhaseChampSelect Phase = "champ_select"
	PhaseLoading     Phase = "loading"
	PhaseInProgress  Phase = "in_progress"
	PhaseEnded       Phase = "ended"
)

// ValidPhase reports whether p is a phase the state machine understands.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseChampSelect, PhaseLoading, PhaseInProgress, PhaseEnded:
		return true
	}
	return false
}

// PhaseSignal 是一条来自单个玩家客户端的遥测信号。
// 信号可能乱序、重复、并发到达；处理它必须是幂等的。
type PhaseSignal struct {
	PlayerID string `json:"player_id"`
	MatchID  string `json:"match_id"`
	TeamID   string `json:"team_id"`
	Phase    Phase  `json:"phase"`

	// Left marks an early-leave signal: the player abandoned the match
	// before it ended.
	Left bool `json:"left,omitempty"`
}

// PlayerSession is the per-player pointer into the current match.
// Last writer wins; the record expires with the session TTL.
type PlayerSession struct {
	PlayerID       string    `json:"player_id"`
	PlatformUserID string    `json:"platform_user_id,omitempty"`
	CurrentMatchID string    `json:"current_match_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MatchRecord is the merged view of every signal seen for one match:
// the furthest phase and the union of reported rosters.
type MatchRecord struct {
	MatchID   string              `json:"match_id"`
	Phase     Phase               `json:"phase"`
	Teams     map[string][]string `json:"teams"`
	Ended     bool                `json:"ended"`
	CreatedAt time.Time           `json:"created_at"`
}

// HasPlayer reports whether the player is already on any team roster.
// A player's first reported team sticks; later signals never move them.
func (m *MatchRecord) HasPlayer(playerID string) bool {
	for _, roster := range m.Teams {
		for _, p := range roster {
			if p == playerID {
				return true
			}
		}
	}
	return false
}

// TeamOf returns the team the player was rostered on, or "".
func (m *MatchRecord) TeamOf(playerID string) string {
	for teamID, roster := range m.Teams {
		for _, p := range roster {
			if p == playerID {
				return teamID
			}
		}
	}
	return ""
}

// RoomRecord is the orchestrator's authority on one provisioned voice
// room. Members maps playerID → platform user id actually granted.
type RoomRecord struct {
	RoomID     string            `json:"room_id"`
	MatchID    string            `json:"match_id"`
	TeamID     string            `json:"team_id"`
	ChannelRef string            `json:"channel_ref"`
	Members    map[string]string `json:"members"`

	// Degraded means at least one grant permanently failed; the room is
	// usable but incomplete.
	Degraded  bool      `json:"degraded,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// TeardownRequestedAt 非空表示拆除已请求但平台侧删除还没成功，
	// 由 sweep 在宽限期后重试。
	TeardownRequestedAt *time.Time `json:"teardown_requested_at,omitempty"`
}

// MatchRoomIndex maps teamID → roomID for one match. It lives under a
// single key so room creation races resolve on one compare-and-swap.
type MatchRoomIndex struct {
	MatchID string            `json:"match_id"`
	Rooms   map[string]string `json:"rooms"`
}

// MatchStatus is the read-model answer for "what is this player in".
type MatchStatus struct {
	MatchID string      `json:"match_id,omitempty"`
	Phase   Phase       `json:"phase"`
	TeamID  string      `json:"team_id,omitempty"`
	Room    *RoomStatus `json:"room,omitempty"`
}

type RoomStatus struct {
	RoomID     string `json:"room_id"`
	ChannelRef string `json:"channel_ref"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// Config 是编排器的运行参数。零值无效，请从 DefaultConfig 出发。
type Config struct {
	SessionTTL  time.Duration
	MatchTTL    time.Duration
	RoomTTL     time.Duration
	LockLease   time.Duration
	CallTimeout time.Duration

	// MinLinkedPlayers is the minimum number of roster members with a
	// linked platform identity before a team room is worth creating.
	MinLinkedPlayers int

	Retry retry.Config
}

func DefaultConfig() Config {
	return Config{
		SessionTTL:       7 * 24 * time.Hour,
		MatchTTL:         time.Hour,
		RoomTTL:          time.Hour,
		LockLease:        15 * time.Second,
		CallTimeout:      5 * time.Second,
		MinLinkedPlayers: 1,
		Retry:            retry.DefaultConfig(),
	}
}
