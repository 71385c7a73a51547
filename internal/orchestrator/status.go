package orchestrator

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

// PlayerStatus 回答"这个玩家现在在哪"。纯读路径，绝不改状态。
func (o *Orchestrator) PlayerStatus(ctx context.Context, playerID string) (MatchStatus, error) {
	status := MatchStatus{Phase: PhaseNone}

	sess, err := o.getSession(ctx, playerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return status, nil
		}
		return status, err
	}
	if sess.CurrentMatchID == "" {
		return status, nil
	}

	match, _, err := o.getMatch(ctx, sess.CurrentMatchID)
	if err != nil {
		return status, err
	}
	if match == nil || match.Ended {
		return status, nil
	}
	status.MatchID = match.MatchID
	status.Phase = match.Phase

	teamID := match.TeamOf(playerID)
	if teamID == "" {
		return status, nil
	}
	status.TeamID = teamID

	idx, _, err := o.getIndex(ctx, match.MatchID)
	if err != nil {
		return status, err
	}
	roomID, ok := idx.Rooms[teamID]
	if !ok {
		return status, nil
	}

	rec, _, err := o.getRoom(ctx, roomID)
	if err != nil {
		// 记录和索引暂时不一致也不在这里修，sweep 负责
		if errdefs.IsNotFound(err) {
			return status, nil
		}
		return status, err
	}
	if rec.TeardownRequestedAt != nil {
		return status, nil
	}
	status.Room = &RoomStatus{
		RoomID:     rec.RoomID,
		ChannelRef: rec.ChannelRef,
		Degraded:   rec.Degraded,
	}
	return status, nil
}

// Match returns the merged record for one match, or errdefs.ErrNotFound.
func (o *Orchestrator) Match(ctx context.Context, matchID string) (*MatchRecord, error) {
	rec, _, err := o.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("match %s: %w", matchID, errdefs.ErrNotFound)
	}
	return rec, nil
}

// MatchRooms returns the live room records for one match.
func (o *Orchestrator) MatchRooms(ctx context.Context, matchID string) ([]*RoomRecord, error) {
	idx, _, err := o.getIndex(ctx, matchID)
	if err != nil {
		return nil, err
	}
	rooms := make([]*RoomRecord, 0, len(idx.Rooms))
	for _, roomID := range idx.Rooms {
		rec, _, err := o.getRoom(ctx, roomID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		rooms = append(rooms, rec)
	}
	return rooms, nil
}
