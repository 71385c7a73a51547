// Package orchestrator 是比赛→语音房间的生命周期状态机。
//
// 所有状态都放在带 TTL 的存储里，没有任何内存权威：进程可以随时重启，
// 下一条信号或后台 sweep 会把世界收敛回期望状态。每个会改状态的入口
// 都假设同一比赛的信号正在并发到达。
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"matchvoice/internal/eventbus"
	"matchvoice/internal/identity"
	"matchvoice/internal/lock"
	"matchvoice/internal/monitor"
	"matchvoice/internal/store"
	"matchvoice/internal/voice"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
)

// casAttempts bounds optimistic-write loops on contended records.
const casAttempts = 5

type Orchestrator struct {
	store  store.Store
	locks  *lock.Manager
	ids    identity.Directory
	voice  voice.Adapter
	bus    eventbus.EventBus
	cfg    Config
	logger *slog.Logger
}

func New(s store.Store, locks *lock.Manager, ids identity.Directory, adapter voice.Adapter, bus eventbus.EventBus, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  s,
		locks:  locks,
		ids:    ids,
		voice:  adapter,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// HandleSignal 处理一条玩家遥测信号。重复、乱序、并发的信号都必须
// 安全：要么推进状态机，要么什么都不做。
func (o *Orchestrator) HandleSignal(ctx context.Context, sig PhaseSignal) error {
	if sig.PlayerID == "" || sig.MatchID == "" {
		return fmt.Errorf("signal missing player or match id: %w", errdefs.ErrInvalidArgument)
	}
	if !sig.Left && !ValidPhase(sig.Phase) {
		return fmt.Errorf("unknown phase %q: %w", sig.Phase, errdefs.ErrInvalidArgument)
	}

	timer := prometheus.NewTimer(monitor.SignalLatency)
	defer timer.ObserveDuration()
	monitor.SignalsTotal.WithLabelValues(string(sig.Phase)).Inc()

	if sig.Left {
		return o.handleLeave(ctx, sig)
	}

	platformID := o.resolveIdentity(ctx, sig.PlayerID)

	if err := o.upsertSession(ctx, sig, platformID); err != nil {
		return err
	}

	match, err := o.updateMatch(ctx, sig)
	if err != nil {
		return err
	}
	if match.Ended {
		o.logger.Debug("Signal for already-ended match ignored",
			"match_id", sig.MatchID, "player_id", sig.PlayerID)
		return nil
	}

	switch sig.Phase {
	case PhaseInProgress:
		return o.ensureRooms(ctx, match)
	case PhaseEnded:
		return o.endMatch(ctx, sig.MatchID)
	default:
		// 早期阶段只做登记，房间要等到比赛真正开打
		return nil
	}
}

// resolveIdentity 返回玩家绑定的平台用户 id；未绑定或目录故障时返回 ""。
// 身份缺失不阻塞信号处理，玩家只是暂时进不了房间。
func (o *Orchestrator) resolveIdentity(ctx context.Context, playerID string) string {
	platformID, err := o.ids.ResolvePlatformUser(ctx, playerID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotLinked) {
			o.logger.Warn("Identity lookup failed", "player_id", playerID, "error", err)
		}
		return ""
	}
	return platformID
}

func (o *Orchestrator) upsertSession(ctx context.Context, sig PhaseSignal, platformID string) error {
	sess := PlayerSession{
		PlayerID:       sig.PlayerID,
		PlatformUserID: platformID,
		CurrentMatchID: sig.MatchID,
		UpdatedAt:      time.Now(),
	}
	if sig.Phase == PhaseEnded {
		sess.CurrentMatchID = ""
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := o.store.Put(ctx, sessionKey(sig.PlayerID), data, o.cfg.SessionTTL); err != nil {
		return fmt.Errorf("store session %s: %w", sig.PlayerID, err)
	}
	return nil
}

// updateMatch CAS-merges the signal into the match record: phase moves
// to whatever was reported last, rosters only ever grow.
func (o *Orchestrator) updateMatch(ctx context.Context, sig PhaseSignal) (*MatchRecord, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, version, err := o.getMatch(ctx, sig.MatchID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = &MatchRecord{
				MatchID:   sig.MatchID,
				Teams:     make(map[string][]string),
				CreatedAt: time.Now(),
			}
		}
		if rec.Ended {
			return rec, nil
		}

		changed := false
		if rec.Phase != sig.Phase {
			rec.Phase = sig.Phase
			changed = true
		}
		if sig.TeamID != "" && !rec.HasPlayer(sig.PlayerID) {
			rec.Teams[sig.TeamID] = append(rec.Teams[sig.TeamID], sig.PlayerID)
			changed = true
		}
		if !changed && version != 0 {
			// 完全重复的信号，无事可做
			return rec, nil
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal match: %w", err)
		}
		err = o.store.CompareAndSwap(ctx, matchKey(sig.MatchID), version, data, o.cfg.MatchTTL)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			return nil, fmt.Errorf("store match %s: %w", sig.MatchID, err)
		}
		// 并发信号刚改过记录，重读再合并
	}
	return nil, fmt.Errorf("match %s: update contention exhausted: %w", sig.MatchID, store.ErrVersionMismatch)
}

func (o *Orchestrator) getMatch(ctx context.Context, matchID string) (*MatchRecord, int64, error) {
	rec, err := o.store.Get(ctx, matchKey(matchID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load match %s: %w", matchID, err)
	}
	var m MatchRecord
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return nil, 0, fmt.Errorf("decode match %s: %w", matchID, err)
	}
	if m.Teams == nil {
		m.Teams = make(map[string][]string)
	}
	return &m, rec.Version, nil
}

func (o *Orchestrator) getSession(ctx context.Context, playerID string) (*PlayerSession, error) {
	rec, err := o.store.Get(ctx, sessionKey(playerID))
	if err != nil {
		return nil, err
	}
	var s PlayerSession
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", playerID, err)
	}
	return &s, nil
}

// getIndex returns the match's room index; an absent key is an empty
// index at version 0, ready for a create-if-absent CAS.
func (o *Orchestrator) getIndex(ctx context.Context, matchID string) (*MatchRoomIndex, int64, error) {
	rec, err := o.store.Get(ctx, matchRoomKey(matchID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &MatchRoomIndex{MatchID: matchID, Rooms: make(map[string]string)}, 0, nil
		}
		return nil, 0, fmt.Errorf("load room index %s: %w", matchID, err)
	}
	var idx MatchRoomIndex
	if err := json.Unmarshal(rec.Value, &idx); err != nil {
		return nil, 0, fmt.Errorf("decode room index %s: %w", matchID, err)
	}
	if idx.Rooms == nil {
		idx.Rooms = make(map[string]string)
	}
	return &idx, rec.Version, nil
}

func (o *Orchestrator) getRoom(ctx context.Context, roomID string) (*RoomRecord, int64, error) {
	rec, err := o.store.Get(ctx, roomKey(roomID))
	if err != nil {
		return nil, 0, err
	}
	var r RoomRecord
	if err := json.Unmarshal(rec.Value, &r); err != nil {
		return nil, 0, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if r.Members == nil {
		r.Members = make(map[string]string)
	}
	return &r, rec.Version, nil
}

func (o *Orchestrator) putRoom(ctx context.Context, rec *RoomRecord, expectedVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := o.store.CompareAndSwap(ctx, roomKey(rec.RoomID), expectedVersion, data, o.cfg.RoomTTL); err != nil {
		return fmt.Errorf("store room %s: %w", rec.RoomID, err)
	}
	return nil
}

func (o *Orchestrator) putIndex(ctx context.Context, idx *MatchRoomIndex, expectedVersion int64) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal room index: %w", err)
	}
	if err := o.store.CompareAndSwap(ctx, matchRoomKey(idx.MatchID), expectedVersion, data, o.cfg.RoomTTL); err != nil {
		return fmt.Errorf("store room index %s: %w", idx.MatchID, err)
	}
	return nil
}

func (o *Orchestrator) release(l *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := o.locks.Release(ctx, l); err != nil {
		o.logger.Warn("Lock release failed", "resource", l.Resource(), "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, matchID string, typ eventbus.EventType, payload any) {
	if o.bus == nil {
		return
	}
	event := eventbus.Event{Type: typ, Payload: payload}
	if err := o.bus.Publish(ctx, matchID, event); err != nil {
		o.logger.Warn("Event publish failed", "match_id", matchID, "type", typ, "error", err)
	}
}
