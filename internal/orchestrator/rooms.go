package orchestrator

import (
	"context"
	"errors"
	"time"

	"matchvoice/internal/eventbus"
	"matchvoice/internal/lock"
	"matchvoice/internal/monitor"
	"matchvoice/internal/retry"
	"matchvoice/internal/store"
	"matchvoice/internal/voice"

	"github.com/containerd/errdefs"
)

// ensureRooms 把比赛收敛到"每个有资格的队伍恰好一个房间、名单里每个
// 已绑定的玩家都拿到权限"的状态。整个过程在比赛锁下进行；抢不到锁说明
// 另一条信号正在做同样的事，直接让路。
func (o *Orchestrator) ensureRooms(ctx context.Context, match *MatchRecord) error {
	lease, err := o.locks.Acquire(ctx, lockKey(match.MatchID), o.cfg.LockLease)
	if errors.Is(err, lock.ErrLockBusy) {
		monitor.LockBusyTotal.Inc()
		o.logger.Debug("Match lock busy, standing down", "match_id", match.MatchID)
		return nil
	}
	if err != nil {
		o.logger.Error("Lock acquire failed, dropping signal", "match_id", match.MatchID, "error", err)
		return nil
	}
	defer o.release(lease)

	// 锁内重读名单：让路的并发信号在抢锁之前就已经把自己的名单合并
	// 进了比赛记录，持锁者只有基于最新记录收敛，放弃的信号才真的不丢事
	fresh, _, err := o.getMatch(ctx, match.MatchID)
	if err != nil {
		o.logger.Error("Match reload failed, dropping signal", "match_id", match.MatchID, "error", err)
		return nil
	}
	if fresh != nil {
		if fresh.Ended {
			return nil
		}
		match = fresh
	}

	idx, version, err := o.getIndex(ctx, match.MatchID)
	if err != nil {
		o.logger.Error("Room index load failed, dropping signal", "match_id", match.MatchID, "error", err)
		return nil
	}

	for teamID, roster := range match.Teams {
		if _, ok := idx.Rooms[teamID]; !ok {
			if !o.teamEligible(ctx, roster) {
				continue
			}
			if err := o.createTeamRoom(ctx, lease, match.MatchID, teamID, idx, &version); err != nil {
				if errors.Is(err, lock.ErrLockLost) {
					monitor.LockLostTotal.Inc()
					o.logger.Warn("Lease lost during room creation, aborting", "match_id", match.MatchID)
					return nil
				}
				o.logger.Error("Team room creation failed",
					"match_id", match.MatchID, "team_id", teamID, "error", err)
				continue
			}
		}
		if roomID, ok := idx.Rooms[teamID]; ok {
			if err := o.ensureMembers(ctx, lease, match, teamID, roomID); err != nil {
				if errors.Is(err, lock.ErrLockLost) {
					monitor.LockLostTotal.Inc()
					o.logger.Warn("Lease lost during member sync, aborting", "match_id", match.MatchID)
					return nil
				}
				o.logger.Error("Member sync failed",
					"match_id", match.MatchID, "room_id", roomID, "error", err)
			}
		}
	}
	return nil
}

// teamEligible 判断这支队伍值不值得开房：至少有人上报，且已绑定身份的
// 人数达到阈值。不够格不算错误，后续信号会再评估。
func (o *Orchestrator) teamEligible(ctx context.Context, roster []string) bool {
	if len(roster) == 0 {
		return false
	}
	linked := 0
	for _, playerID := range roster {
		if o.resolveIdentity(ctx, playerID) != "" {
			linked++
		}
	}
	return linked >= o.cfg.MinLinkedPlayers
}

// createTeamRoom provisions the external channel, records it, then
// publishes it into the match index with a compare-and-swap. Losing the
// index CAS means someone else created a room for this team despite the
// lock; their room wins and ours is compensated away.
func (o *Orchestrator) createTeamRoom(ctx context.Context, lease *lock.Lease, matchID, teamID string, idx *MatchRoomIndex, version *int64) error {
	if err := o.locks.EnsureFor(ctx, lease, o.cfg.CallTimeout, o.cfg.LockLease); err != nil {
		return err
	}

	// 之前的创建可能写了记录却没写进索引；先复用遗留记录
	rec, _, err := o.getRoom(ctx, newRoomID(matchID, teamID))
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if rec == nil {
		var ref voice.ChannelRef
		err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
			r, err := o.voice.CreateRoom(ctx, matchID, teamID)
			if err == nil {
				ref = r
			}
			return err
		})
		if err != nil {
			return err
		}
		monitor.RoomsCreatedTotal.Inc()

		rec = &RoomRecord{
			RoomID:     newRoomID(matchID, teamID),
			MatchID:    matchID,
			TeamID:     teamID,
			ChannelRef: string(ref),
			Members:    make(map[string]string),
			CreatedAt:  time.Now(),
		}
		if err := o.putRoom(ctx, rec, 0); err != nil {
			o.compensateChannel(ctx, ref)
			return err
		}
	}

	idx.Rooms[teamID] = rec.RoomID
	if err := o.putIndex(ctx, idx, *version); err != nil {
		if !errors.Is(err, store.ErrVersionMismatch) {
			delete(idx.Rooms, teamID)
			return err
		}
		// 索引被并发改写：以存储里的为准，放弃我们这个房间
		fresh, freshVersion, gerr := o.getIndex(ctx, matchID)
		if gerr != nil {
			return gerr
		}
		if fresh.Rooms[teamID] != rec.RoomID {
			_ = o.store.Delete(ctx, roomKey(rec.RoomID))
			o.compensateChannel(ctx, voice.ChannelRef(rec.ChannelRef))
		}
		*idx = *fresh
		*version = freshVersion
		return nil
	}
	*version++

	o.logger.Info("Team room created",
		"match_id", matchID, "team_id", teamID, "room_id", rec.RoomID, "channel_ref", rec.ChannelRef)
	o.publish(ctx, matchID, eventbus.EventRoomCreated, map[string]string{
		"room_id": rec.RoomID, "team_id": teamID, "channel_ref": rec.ChannelRef,
	})
	return nil
}

// compensateChannel 删除一个没能登记成功的频道，避免平台上留孤儿。
// 删除失败只记日志：sweep 的安全阈值最终会兜底。
func (o *Orchestrator) compensateChannel(ctx context.Context, ref voice.ChannelRef) {
	if err := o.voice.DeleteRoom(ctx, ref); err != nil && !errdefs.IsNotFound(err) {
		o.logger.Warn("Compensating channel delete failed", "channel_ref", ref, "error", err)
	}
}

// ensureMembers grants channel access to every rostered, linked player
// whose session still points at this match. Grant failures degrade the
// room instead of rolling it back.
func (o *Orchestrator) ensureMembers(ctx context.Context, lease *lock.Lease, match *MatchRecord, teamID, roomID string) error {
	rec, version, err := o.getRoom(ctx, roomID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// 记录没了（TTL 或重启），下一轮创建会补上
			return nil
		}
		return err
	}
	if rec.TeardownRequestedAt != nil {
		return nil
	}

	changed := false
	wasDegraded := rec.Degraded
	for _, playerID := range match.Teams[teamID] {
		if _, ok := rec.Members[playerID]; ok {
			continue
		}
		platformID := o.resolveIdentity(ctx, playerID)
		if platformID == "" {
			continue
		}
		if !o.sessionInMatch(ctx, playerID, match.MatchID) {
			continue
		}

		if err := o.locks.EnsureFor(ctx, lease, o.cfg.CallTimeout, o.cfg.LockLease); err != nil {
			return err
		}
		gerr := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
			return o.voice.GrantAccess(ctx, voice.ChannelRef(rec.ChannelRef), platformID)
		})
		if gerr != nil {
			monitor.GrantFailuresTotal.Inc()
			o.logger.Error("Access grant failed, room degraded",
				"room_id", roomID, "player_id", playerID, "error", gerr)
			rec.Degraded = true
			changed = true
			continue
		}

		// 拉人是尽力而为：玩家不在语音里时平台会拒绝
		if merr := o.voice.MoveMember(ctx, platformID, voice.ChannelRef(rec.ChannelRef)); merr != nil {
			if !errdefs.IsInvalidArgument(merr) {
				o.logger.Warn("Member move failed", "room_id", roomID, "player_id", playerID, "error", merr)
			}
		}

		rec.Members[playerID] = platformID
		changed = true
	}

	if !changed {
		return nil
	}
	if err := o.putRoom(ctx, rec, version); err != nil {
		// 锁下不该有人并发写房间记录；留给下一条信号收敛
		o.logger.Warn("Room record write lost a race", "room_id", roomID, "error", err)
		return nil
	}
	if rec.Degraded && !wasDegraded {
		o.publish(ctx, match.MatchID, eventbus.EventRoomDegraded, map[string]string{
			"room_id": roomID, "team_id": teamID,
		})
	}
	return nil
}

// sessionInMatch checks the membership precondition: the player's own
// session must still point at this match.
func (o *Orchestrator) sessionInMatch(ctx context.Context, playerID, matchID string) bool {
	sess, err := o.getSession(ctx, playerID)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			o.logger.Warn("Session load failed", "player_id", playerID, "error", err)
		}
		return false
	}
	return sess.CurrentMatchID == matchID
}
