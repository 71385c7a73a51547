package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"matchvoice/internal/eventbus"
	"matchvoice/internal/lock"
	"matchvoice/internal/monitor"

	"github.com/containerd/errdefs"
)

// SweepConfig 控制后台清扫的节奏和阈值。
type SweepConfig struct {
	// Interval 两轮清扫之间的间隔
	Interval time.Duration

	// SafetyThreshold 任何房间的最长存活时间，超过即视为泄漏强制拆除
	SafetyThreshold time.Duration

	// TeardownGrace 拆除请求标记后的宽限期，期内玩家回流可以撤销
	TeardownGrace time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:        60 * time.Second,
		SafetyThreshold: 2 * time.Hour,
		TeardownGrace:   2 * time.Minute,
	}
}

// Sweeper 周期性兜底：重试失败的拆除、关掉空房间、强拆超龄房间、
// 修复索引和记录之间的不一致。它是信号丢失后系统仍能收敛的保证。
type Sweeper struct {
	orch   *Orchestrator
	config SweepConfig
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSweeper(orch *Orchestrator, config SweepConfig, logger *slog.Logger) *Sweeper {
	def := DefaultSweepConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.SafetyThreshold <= 0 {
		config.SafetyThreshold = def.SafetyThreshold
	}
	if config.TeardownGrace <= 0 {
		config.TeardownGrace = def.TeardownGrace
	}
	return &Sweeper{
		orch:   orch,
		config: config,
		logger: logger.With("component", "sweep"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.logger.Info("Sweeper started",
			"interval", s.config.Interval,
			"safety_threshold", s.config.SafetyThreshold,
			"teardown_grace", s.config.TeardownGrace)

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
				s.RunOnce(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("Sweeper stopped")
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunOnce 执行一轮完整清扫。每个房间、每场比赛的失败都只记日志，
// 不中断整轮。
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweepRooms(ctx)
	s.sweepIndexes(ctx)
}

func (s *Sweeper) sweepRooms(ctx context.Context) {
	keys, err := s.orch.store.ScanPrefix(ctx, roomKeyPrefix)
	if err != nil {
		s.logger.Error("Room scan failed", "error", err)
		return
	}

	now := time.Now()
	for _, key := range keys {
		roomID := strings.TrimPrefix(key, roomKeyPrefix)
		rec, _, err := s.orch.getRoom(ctx, roomID)
		if err != nil {
			if !errdefs.IsNotFound(err) {
				s.logger.Warn("Room load failed during sweep", "room_id", roomID, "error", err)
			}
			continue
		}

		reason := s.reapReason(ctx, rec, now)
		if reason == "" {
			continue
		}

		s.logger.Warn("Sweeping room",
			"room_id", rec.RoomID, "match_id", rec.MatchID,
			"reason", reason, "age", now.Sub(rec.CreatedAt))
		if err := s.orch.ReapRoom(ctx, rec.MatchID, rec.RoomID); err != nil {
			s.logger.Error("Room reap failed", "room_id", rec.RoomID, "error", err)
			continue
		}
		monitor.SweepReapedTotal.Inc()
	}
}

// reapReason decides whether the room must go now, and why.
func (s *Sweeper) reapReason(ctx context.Context, rec *RoomRecord, now time.Time) string {
	if rec.TeardownRequestedAt != nil && now.Sub(*rec.TeardownRequestedAt) >= s.config.TeardownGrace {
		return "teardown retry"
	}
	if now.Sub(rec.CreatedAt) >= s.config.SafetyThreshold {
		return "safety threshold"
	}

	// 孤儿记录：索引里没有它。刚创建的房间可能还没写进索引，
	// 给一个宽限期再下结论。
	if now.Sub(rec.CreatedAt) >= s.config.TeardownGrace {
		idx, _, err := s.orch.getIndex(ctx, rec.MatchID)
		if err == nil && idx.Rooms[rec.TeamID] != rec.RoomID {
			return "orphan record"
		}
	}
	return ""
}

func (s *Sweeper) sweepIndexes(ctx context.Context) {
	keys, err := s.orch.store.ScanPrefix(ctx, matchRoomKeyPrefix)
	if err != nil {
		s.logger.Error("Index scan failed", "error", err)
		return
	}

	for _, key := range keys {
		matchID := strings.TrimPrefix(key, matchRoomKeyPrefix)
		repaired, err := s.orch.RepairIndex(ctx, matchID)
		if err != nil {
			s.logger.Error("Index repair failed", "match_id", matchID, "error", err)
			continue
		}
		if repaired > 0 {
			s.logger.Warn("Repaired room index", "match_id", matchID, "removed_entries", repaired)
			monitor.SweepRepairsTotal.Add(float64(repaired))
		}
	}
}

// ReapRoom tears down a single room under the match lock and drops its
// index entry. A busy lock means live signal traffic is already working
// on this match; the next sweep pass will see whatever is left.
func (o *Orchestrator) ReapRoom(ctx context.Context, matchID, roomID string) error {
	lease, err := o.locks.Acquire(ctx, lockKey(matchID), o.cfg.LockLease)
	if errors.Is(err, lock.ErrLockBusy) {
		monitor.LockBusyTotal.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	defer o.release(lease)

	rec, version, err := o.getRoom(ctx, roomID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := o.teardownRoom(ctx, lease, rec, version); err != nil {
		return err
	}
	if err := o.removeIndexEntry(ctx, matchID, rec.TeamID, roomID); err != nil {
		return err
	}
	monitor.RoomsClosedTotal.Inc()
	o.publish(ctx, matchID, eventbus.EventRoomClosed, map[string]string{
		"room_id": roomID, "team_id": rec.TeamID,
	})
	return nil
}

// RepairIndex drops index entries whose room record no longer exists.
// The absent record is authoritative: without it there is nothing to
// revoke or delete on the platform side.
func (o *Orchestrator) RepairIndex(ctx context.Context, matchID string) (int, error) {
	lease, err := o.locks.Acquire(ctx, lockKey(matchID), o.cfg.LockLease)
	if errors.Is(err, lock.ErrLockBusy) {
		monitor.LockBusyTotal.Inc()
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer o.release(lease)

	idx, version, err := o.getIndex(ctx, matchID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for teamID, roomID := range idx.Rooms {
		_, _, err := o.getRoom(ctx, roomID)
		if err == nil {
			continue
		}
		if !errdefs.IsNotFound(err) {
			return removed, err
		}
		delete(idx.Rooms, teamID)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if len(idx.Rooms) == 0 {
		if err := o.store.Delete(ctx, matchRoomKey(matchID)); err != nil {
			return removed, fmt.Errorf("delete room index %s: %w", matchID, err)
		}
		return removed, nil
	}
	return removed, o.putIndex(ctx, idx, version)
}

func (o *Orchestrator) removeIndexEntry(ctx context.Context, matchID, teamID, roomID string) error {
	idx, version, err := o.getIndex(ctx, matchID)
	if err != nil {
		return err
	}
	if idx.Rooms[teamID] != roomID {
		return nil
	}
	delete(idx.Rooms, teamID)
	if len(idx.Rooms) == 0 {
		return o.store.Delete(ctx, matchRoomKey(matchID))
	}
	return o.putIndex(ctx, idx, version)
}
