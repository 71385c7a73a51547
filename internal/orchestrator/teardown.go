package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"matchvoice/internal/eventbus"
	"matchvoice/internal/lock"
	"matchvoice/internal/monitor"
	"matchvoice/internal/retry"
	"matchvoice/internal/store"
	"matchvoice/internal/voice"

	"github.com/containerd/errdefs"
)

// endMatch 在比赛锁下拆掉整场比赛的房间并把比赛标记为已结束。
// 抢不到锁就让路：持锁的那一方（另一条结束信号或 sweep）会完成同样的拆除。
func (o *Orchestrator) endMatch(ctx context.Context, matchID string) error {
	lease, err := o.locks.Acquire(ctx, lockKey(matchID), o.cfg.LockLease)
	if errors.Is(err, lock.ErrLockBusy) {
		monitor.LockBusyTotal.Inc()
		o.logger.Debug("Match lock busy on teardown, standing down", "match_id", matchID)
		return nil
	}
	if err != nil {
		o.logger.Error("Lock acquire failed on teardown, dropping signal", "match_id", matchID, "error", err)
		return nil
	}
	defer o.release(lease)

	clean, err := o.teardownLocked(ctx, lease, matchID)
	if err != nil {
		if errors.Is(err, lock.ErrLockLost) {
			monitor.LockLostTotal.Inc()
			o.logger.Warn("Lease lost during teardown, aborting", "match_id", matchID)
			return nil
		}
		return err
	}

	if err := o.markMatchEnded(ctx, matchID); err != nil {
		o.logger.Error("Failed to mark match ended", "match_id", matchID, "error", err)
	}
	o.publish(ctx, matchID, eventbus.EventMatchEnded, map[string]bool{"clean": clean})
	return nil
}

// teardownLocked tears down every room in the match index. It reports
// whether the match came out clean; rooms whose platform delete failed
// stay behind for the sweep to retry.
func (o *Orchestrator) teardownLocked(ctx context.Context, lease *lock.Lease, matchID string) (bool, error) {
	idx, version, err := o.getIndex(ctx, matchID)
	if err != nil {
		return false, err
	}
	if len(idx.Rooms) == 0 {
		return true, nil
	}

	for teamID, roomID := range idx.Rooms {
		rec, recVersion, err := o.getRoom(ctx, roomID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				// 记录先没了就顺手修索引
				delete(idx.Rooms, teamID)
				continue
			}
			return false, err
		}

		if err := o.teardownRoom(ctx, lease, rec, recVersion); err != nil {
			if errors.Is(err, lock.ErrLockLost) {
				return false, err
			}
			o.logger.Error("Room teardown failed, leaving for sweep",
				"match_id", matchID, "room_id", roomID, "error", err)
			continue
		}
		delete(idx.Rooms, teamID)
		monitor.RoomsClosedTotal.Inc()
		o.publish(ctx, matchID, eventbus.EventRoomClosed, map[string]string{
			"room_id": roomID, "team_id": teamID,
		})
	}

	if len(idx.Rooms) == 0 {
		if err := o.store.Delete(ctx, matchRoomKey(matchID)); err != nil {
			return false, fmt.Errorf("delete room index %s: %w", matchID, err)
		}
		return true, nil
	}
	if err := o.putIndex(ctx, idx, version); err != nil {
		return false, err
	}
	return false, nil
}

// teardownRoom revokes access, deletes the platform channel, then drops
// the record. A failed platform delete marks the record instead, so the
// sweep can retry after the grace period.
func (o *Orchestrator) teardownRoom(ctx context.Context, lease *lock.Lease, rec *RoomRecord, version int64) error {
	for playerID, platformID := range rec.Members {
		if err := o.locks.EnsureFor(ctx, lease, o.cfg.CallTimeout, o.cfg.LockLease); err != nil {
			return err
		}
		// 撤权是尽力而为，频道马上就要删了
		if err := o.voice.RevokeAccess(ctx, voice.ChannelRef(rec.ChannelRef), platformID); err != nil && !errdefs.IsNotFound(err) {
			o.logger.Warn("Access revoke failed", "room_id", rec.RoomID, "player_id", playerID, "error", err)
		}
	}

	if err := o.locks.EnsureFor(ctx, lease, o.cfg.CallTimeout, o.cfg.LockLease); err != nil {
		return err
	}
	err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		return o.voice.DeleteRoom(ctx, voice.ChannelRef(rec.ChannelRef))
	})
	if err != nil && !errdefs.IsNotFound(err) {
		now := time.Now()
		rec.TeardownRequestedAt = &now
		if perr := o.putRoom(ctx, rec, version); perr != nil {
			o.logger.Warn("Failed to mark room for teardown retry", "room_id", rec.RoomID, "error", perr)
		}
		return err
	}

	if err := o.store.Delete(ctx, roomKey(rec.RoomID)); err != nil {
		return fmt.Errorf("delete room record %s: %w", rec.RoomID, err)
	}
	return nil
}

func (o *Orchestrator) markMatchEnded(ctx context.Context, matchID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, version, err := o.getMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if rec == nil || rec.Ended {
			return nil
		}
		rec.Phase = PhaseEnded
		rec.Ended = true

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal match: %w", err)
		}
		err = o.store.CompareAndSwap(ctx, matchKey(matchID), version, data, o.cfg.MatchTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			return err
		}
	}
	return fmt.Errorf("match %s: ended-mark contention exhausted: %w", matchID, store.ErrVersionMismatch)
}

// handleLeave 处理玩家提前退出：撤权、移出名单，并在房间空了之后请求
// 拆除，让 sweep 在宽限期后关掉空房间。
func (o *Orchestrator) handleLeave(ctx context.Context, sig PhaseSignal) error {
	o.clearSessionPointer(ctx, sig.PlayerID, sig.MatchID)

	lease, err := o.locks.Acquire(ctx, lockKey(sig.MatchID), o.cfg.LockLease)
	if errors.Is(err, lock.ErrLockBusy) {
		monitor.LockBusyTotal.Inc()
		o.logger.Debug("Match lock busy on leave, standing down", "match_id", sig.MatchID)
		return nil
	}
	if err != nil {
		o.logger.Error("Lock acquire failed on leave, dropping signal", "match_id", sig.MatchID, "error", err)
		return nil
	}
	defer o.release(lease)

	idx, _, err := o.getIndex(ctx, sig.MatchID)
	if err != nil {
		return err
	}
	roomID := o.roomOfPlayer(ctx, idx, sig)
	if roomID == "" {
		return nil
	}

	rec, version, err := o.getRoom(ctx, roomID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	platformID, ok := rec.Members[sig.PlayerID]
	if !ok {
		return nil
	}

	if err := o.locks.EnsureFor(ctx, lease, o.cfg.CallTimeout, o.cfg.LockLease); err != nil {
		if errors.Is(err, lock.ErrLockLost) {
			monitor.LockLostTotal.Inc()
			return nil
		}
		return err
	}
	if err := o.voice.RevokeAccess(ctx, voice.ChannelRef(rec.ChannelRef), platformID); err != nil && !errdefs.IsNotFound(err) {
		o.logger.Warn("Access revoke on leave failed",
			"room_id", roomID, "player_id", sig.PlayerID, "error", err)
	}

	delete(rec.Members, sig.PlayerID)
	if len(rec.Members) == 0 && rec.TeardownRequestedAt == nil {
		// 最后一个人走了，标记拆除请求，宽限期内还能反悔
		now := time.Now()
		rec.TeardownRequestedAt = &now
	}
	if err := o.putRoom(ctx, rec, version); err != nil {
		o.logger.Warn("Room record write lost a race on leave", "room_id", roomID, "error", err)
		return nil
	}

	o.logger.Info("Player left room", "match_id", sig.MatchID, "room_id", roomID, "player_id", sig.PlayerID)
	o.publish(ctx, sig.MatchID, eventbus.EventRoomMemberLeft, map[string]string{
		"room_id": roomID, "player_id": sig.PlayerID,
	})
	return nil
}

// roomOfPlayer finds the player's room via the reported team, falling
// back to a scan of the match's rooms when the signal omitted it.
func (o *Orchestrator) roomOfPlayer(ctx context.Context, idx *MatchRoomIndex, sig PhaseSignal) string {
	if sig.TeamID != "" {
		return idx.Rooms[sig.TeamID]
	}
	for _, roomID := range idx.Rooms {
		rec, _, err := o.getRoom(ctx, roomID)
		if err != nil {
			continue
		}
		if _, ok := rec.Members[sig.PlayerID]; ok {
			return roomID
		}
	}
	return ""
}

// clearSessionPointer drops the player's current-match pointer if it
// still points at the match being left.
func (o *Orchestrator) clearSessionPointer(ctx context.Context, playerID, matchID string) {
	sess, err := o.getSession(ctx, playerID)
	if err != nil {
		return
	}
	if sess.CurrentMatchID != matchID {
		return
	}
	sess.CurrentMatchID = ""
	sess.UpdatedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := o.store.Put(ctx, sessionKey(playerID), data, o.cfg.SessionTTL); err != nil {
		o.logger.Warn("Session clear failed", "player_id", playerID, "error", err)
	}
}
