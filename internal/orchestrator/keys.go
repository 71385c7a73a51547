package orchestrator

const (
	sessionKeyPrefix   = "session:"
	matchKeyPrefix     = "match:"
	roomKeyPrefix      = "room:"
	matchRoomKeyPrefix = "matchroom:"
	lockKeyPrefix      = "lock:"
)

func sessionKey(playerID string) string { return sessionKeyPrefix + playerID }

func matchKey(matchID string) string { return matchKeyPrefix + matchID }

func roomKey(roomID string) string { return roomKeyPrefix + roomID }

func matchRoomKey(matchID string) string { return matchRoomKeyPrefix + matchID }

func lockKey(matchID string) string { return lockKeyPrefix + matchID }

// newRoomID is deterministic on purpose: a match/team pair maps to one
// room identity no matter which signal wins the creation race.
func newRoomID(matchID, teamID string) string {
	return matchID + ":" + teamID
}
