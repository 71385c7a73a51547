package eventbus

import "time"

type EventType string

const (
	EventRoomCreated    EventType = "room.created"
	EventRoomDegraded   EventType = "room.degraded"
	EventRoomMemberLeft EventType = "room.member_left"
	EventRoomClosed     EventType = "room.closed"
	EventMatchEnded     EventType = "match.ended"
)

type Event struct {
	Type      EventType `json:"type"`
	MatchID   string    `json:"match_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func MatchChannelKey(matchID string) string {
	return "match:" + matchID + ":events"
}
