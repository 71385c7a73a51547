package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"matchvoice/internal/identity"
	"matchvoice/internal/lock"
	"matchvoice/internal/retry"
	"matchvoice/internal/store"
	"matchvoice/internal/voice"

	"github.com/containerd/errdefs"
)

// fakeDirectory 是固定映射的身份目录
type fakeDirectory struct {
	mu    sync.Mutex
	links map[string]string
}

func (d *fakeDirectory) ResolvePlatformUser(_ context.Context, playerID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.links[playerID]
	if !ok {
		return "", identity.ErrNotLinked
	}
	return id, nil
}

func (d *fakeDirectory) link(playerID, platformID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[playerID] = platformID
}

// fakeVoice 模拟外部语音平台，可注入各种失败
type fakeVoice struct {
	mu          sync.Mutex
	createCalls int
	nextChannel int
	channels    map[voice.ChannelRef]bool
	grants      map[voice.ChannelRef]map[string]bool
	moves       []string

	createErr error
	grantErr  map[string]error
	deleteErr error
	inVoice   map[string]bool
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{
		channels: make(map[voice.ChannelRef]bool),
		grants:   make(map[voice.ChannelRef]map[string]bool),
		grantErr: make(map[string]error),
		inVoice:  make(map[string]bool),
	}
}

func (v *fakeVoice) CreateRoom(_ context.Context, _, _ string) (voice.ChannelRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.createCalls++
	if v.createErr != nil {
		return "", v.createErr
	}
	v.nextChannel++
	ref := voice.ChannelRef(fmt.Sprintf("ch-%d", v.nextChannel))
	v.channels[ref] = true
	v.grants[ref] = make(map[string]bool)
	return ref, nil
}

func (v *fakeVoice) DeleteRoom(_ context.Context, ref voice.ChannelRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deleteErr != nil {
		return v.deleteErr
	}
	if !v.channels[ref] {
		return fmt.Errorf("channel %s: %w", ref, errdefs.ErrNotFound)
	}
	delete(v.channels, ref)
	delete(v.grants, ref)
	return nil
}

func (v *fakeVoice) GrantAccess(_ context.Context, ref voice.ChannelRef, platformUserID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.grantErr[platformUserID]; err != nil {
		return err
	}
	if !v.channels[ref] {
		return fmt.Errorf("channel %s: %w", ref, errdefs.ErrNotFound)
	}
	v.grants[ref][platformUserID] = true
	return nil
}

func (v *fakeVoice) RevokeAccess(_ context.Context, ref voice.ChannelRef, platformUserID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.channels[ref] {
		return fmt.Errorf("channel %s: %w", ref, errdefs.ErrNotFound)
	}
	delete(v.grants[ref], platformUserID)
	return nil
}

func (v *fakeVoice) MoveMember(_ context.Context, platformUserID string, _ voice.ChannelRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.inVoice[platformUserID] {
		return fmt.Errorf("user %s not in voice: %w", platformUserID, errdefs.ErrInvalidArgument)
	}
	v.moves = append(v.moves, platformUserID)
	return nil
}

func (v *fakeVoice) channelCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.channels)
}

func (v *fakeVoice) granted(ref voice.ChannelRef, platformUserID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grants[ref][platformUserID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockLease = time.Second
	cfg.CallTimeout = 100 * time.Millisecond
	cfg.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	return cfg
}

type testEnv struct {
	orch  *Orchestrator
	voice *fakeVoice
	dir   *fakeDirectory
	store store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemory()
	logger := testLogger()
	v := newFakeVoice()
	d := &fakeDirectory{links: map[string]string{
		"p1": "u1",
		"p2": "u2",
		"p3": "u3",
	}}
	orch := New(s, lock.NewManager(s, logger), d, v, nil, testConfig(), logger)
	return &testEnv{orch: orch, voice: v, dir: d, store: s}
}

func signal(player, match, team string, phase Phase) PhaseSignal {
	return PhaseSignal{PlayerID: player, MatchID: match, TeamID: team, Phase: phase}
}

func TestSignalValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.orch.HandleSignal(ctx, PhaseSignal{MatchID: "m1", Phase: PhaseLoading})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("expected invalid argument for missing player, got %v", err)
	}
	err = env.orch.HandleSignal(ctx, PhaseSignal{PlayerID: "p1", MatchID: "m1", Phase: "warmup"})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("expected invalid argument for unknown phase, got %v", err)
	}
}

func TestEarlyPhaseCreatesNoRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, phase := range []Phase{PhaseChampSelect, PhaseLoading} {
		if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", phase)); err != nil {
			t.Fatalf("signal %s: %v", phase, err)
		}
	}
	if env.voice.createCalls != 0 {
		t.Errorf("expected no rooms before in_progress, got %d creates", env.voice.createCalls)
	}

	status, err := env.orch.PlayerStatus(ctx, "p1")
	if err != nil {
		t.Fatalf("PlayerStatus: %v", err)
	}
	if status.Phase != PhaseLoading || status.MatchID != "m1" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestInProgressCreatesTeamRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := env.orch.HandleSignal(ctx, signal("p2", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	if env.voice.createCalls != 1 {
		t.Fatalf("expected exactly 1 room creation, got %d", env.voice.createCalls)
	}
	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record missing: %v", err)
	}
	if len(rec.Members) != 2 {
		t.Errorf("expected 2 members, got %v", rec.Members)
	}
	for player, platform := range map[string]string{"p1": "u1", "p2": "u2"} {
		if rec.Members[player] != platform {
			t.Errorf("member %s: expected %s, got %s", player, platform, rec.Members[player])
		}
		if !env.voice.granted(voice.ChannelRef(rec.ChannelRef), platform) {
			t.Errorf("platform user %s not granted", platform)
		}
	}
}

func TestConcurrentSignalsOneRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		player := "p1"
		if i%2 == 1 {
			player = "p2"
		}
		go func(player string) {
			defer wg.Done()
			if err := env.orch.HandleSignal(ctx, signal(player, "m1", "blue", PhaseInProgress)); err != nil {
				t.Errorf("concurrent signal: %v", err)
			}
		}(player)
	}
	wg.Wait()

	if env.voice.channelCount() != 1 {
		t.Fatalf("expected exactly 1 live channel, got %d", env.voice.channelCount())
	}
	idx, _, err := env.orch.getIndex(ctx, "m1")
	if err != nil {
		t.Fatalf("getIndex: %v", err)
	}
	if len(idx.Rooms) != 1 {
		t.Fatalf("expected 1 index entry, got %v", idx.Rooms)
	}
	rec, _, err := env.orch.getRoom(ctx, idx.Rooms["blue"])
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if len(rec.Members) == 0 {
		t.Error("expected at least the lock holder's roster granted")
	}
	for playerID := range rec.Members {
		if playerID != "p1" && playerID != "p2" {
			t.Errorf("unexpected member %s", playerID)
		}
	}
}

// 关键交错：持锁者的比赛快照比让路者的名单合并更旧。让路是安全的，
// 前提是持锁者在锁内重读记录，把后到的队友一并授权。
func TestLockHolderSeesMergedRoster(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sigA := signal("p1", "m1", "blue", PhaseInProgress)
	sigB := signal("p2", "m1", "blue", PhaseInProgress)

	if err := env.orch.upsertSession(ctx, sigA, "u1"); err != nil {
		t.Fatalf("session A: %v", err)
	}
	snapshotA, err := env.orch.updateMatch(ctx, sigA)
	if err != nil {
		t.Fatalf("merge A: %v", err)
	}

	// B 的名单在 A 拿快照之后、A 进锁之前才合并，随后 B 让路
	if err := env.orch.upsertSession(ctx, sigB, "u2"); err != nil {
		t.Fatalf("session B: %v", err)
	}
	if _, err := env.orch.updateMatch(ctx, sigB); err != nil {
		t.Fatalf("merge B: %v", err)
	}

	if err := env.orch.ensureRooms(ctx, snapshotA); err != nil {
		t.Fatalf("ensureRooms: %v", err)
	}

	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if len(rec.Members) != 2 {
		t.Fatalf("stale snapshot must not shrink the grant set, got %v", rec.Members)
	}
	for player, platform := range map[string]string{"p1": "u1", "p2": "u2"} {
		if rec.Members[player] != platform {
			t.Errorf("member %s: expected %s, got %s", player, platform, rec.Members[player])
		}
		if !env.voice.granted(voice.ChannelRef(rec.ChannelRef), platform) {
			t.Errorf("platform user %s not granted", platform)
		}
	}
}

func TestUnlinkedTeamGetsNoRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.orch.HandleSignal(ctx, signal("p9", "m1", "red", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if env.voice.createCalls != 0 {
		t.Fatalf("unlinked-only team must not get a room, got %d creates", env.voice.createCalls)
	}

	// 玩家完成绑定后，下一条信号补建房间
	env.dir.link("p9", "u9")
	if err := env.orch.HandleSignal(ctx, signal("p9", "m1", "red", PhaseInProgress)); err != nil {
		t.Fatalf("signal after link: %v", err)
	}
	if env.voice.createCalls != 1 {
		t.Fatalf("expected room after linking, got %d creates", env.voice.createCalls)
	}
	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "red"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if rec.Members["p9"] != "u9" {
		t.Errorf("expected p9 granted, got %v", rec.Members)
	}
}

func TestRepeatedSignalIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sig := signal("p1", "m1", "blue", PhaseInProgress)
	if err := env.orch.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	matchRec, err := env.store.Get(ctx, matchKey("m1"))
	if err != nil {
		t.Fatalf("match record: %v", err)
	}
	versionAfterFirst := matchRec.Version

	if err := env.orch.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("repeat signal: %v", err)
	}
	matchRec, err = env.store.Get(ctx, matchKey("m1"))
	if err != nil {
		t.Fatalf("match record: %v", err)
	}
	if matchRec.Version != versionAfterFirst {
		t.Errorf("repeated signal must not rewrite the match record: version %d → %d",
			versionAfterFirst, matchRec.Version)
	}
	if env.voice.createCalls != 1 {
		t.Errorf("repeated signal must not create another room, got %d creates", env.voice.createCalls)
	}
}

func TestGrantFailureDegradesRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.voice.grantErr["u2"] = fmt.Errorf("missing permission: %w", errdefs.ErrPermissionDenied)

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := env.orch.HandleSignal(ctx, signal("p2", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if !rec.Degraded {
		t.Error("expected room degraded after permanent grant failure")
	}
	if _, ok := rec.Members["p2"]; ok {
		t.Error("failed grant must not record membership")
	}
	if rec.Members["p1"] != "u1" {
		t.Errorf("successful grant must survive, got %v", rec.Members)
	}

	status, err := env.orch.PlayerStatus(ctx, "p1")
	if err != nil {
		t.Fatalf("PlayerStatus: %v", err)
	}
	if status.Room == nil || !status.Room.Degraded {
		t.Errorf("status must surface degradation, got %+v", status.Room)
	}
}

func TestMatchEndTearsDownRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, sig := range []PhaseSignal{
		signal("p1", "m1", "blue", PhaseInProgress),
		signal("p2", "m1", "red", PhaseInProgress),
	} {
		if err := env.orch.HandleSignal(ctx, sig); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}
	if env.voice.channelCount() != 2 {
		t.Fatalf("expected 2 channels before end, got %d", env.voice.channelCount())
	}

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseEnded)); err != nil {
		t.Fatalf("end signal: %v", err)
	}

	if env.voice.channelCount() != 0 {
		t.Errorf("expected all channels deleted, got %d", env.voice.channelCount())
	}
	if _, err := env.store.Get(ctx, matchRoomKey("m1")); !errdefs.IsNotFound(err) {
		t.Errorf("expected room index gone, got %v", err)
	}
	match, err := env.orch.Match(ctx, "m1")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !match.Ended {
		t.Error("expected match marked ended")
	}

	// 结束后再来的信号不能复活比赛
	if err := env.orch.HandleSignal(ctx, signal("p2", "m1", "red", PhaseInProgress)); err != nil {
		t.Fatalf("late signal: %v", err)
	}
	if env.voice.channelCount() != 0 {
		t.Error("signal after end must not recreate rooms")
	}

	status, err := env.orch.PlayerStatus(ctx, "p1")
	if err != nil {
		t.Fatalf("PlayerStatus: %v", err)
	}
	if status.Phase != PhaseNone || status.Room != nil {
		t.Errorf("expected empty status after end, got %+v", status)
	}
}

func TestEarlyLeaveRemovesMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, player := range []string{"p1", "p2"} {
		if err := env.orch.HandleSignal(ctx, signal(player, "m1", "blue", PhaseInProgress)); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}

	leave := signal("p1", "m1", "blue", "")
	leave.Left = true
	if err := env.orch.HandleSignal(ctx, leave); err != nil {
		t.Fatalf("leave signal: %v", err)
	}

	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if _, ok := rec.Members["p1"]; ok {
		t.Error("expected p1 removed from members")
	}
	if env.voice.granted(voice.ChannelRef(rec.ChannelRef), "u1") {
		t.Error("expected u1 access revoked")
	}
	if rec.TeardownRequestedAt != nil {
		t.Error("room with remaining members must not be marked for teardown")
	}

	// 最后一个人也走了，房间应被标记等 sweep 收尾
	leave2 := signal("p2", "m1", "blue", "")
	leave2.Left = true
	if err := env.orch.HandleSignal(ctx, leave2); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	rec, _, err = env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if rec.TeardownRequestedAt == nil {
		t.Error("expected empty room marked for teardown")
	}
}

func TestLeaveDoesNotAffectOtherMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	// 玩家换到新比赛后，旧比赛的退出信号不应清掉新 session
	if err := env.orch.HandleSignal(ctx, signal("p1", "m2", "blue", PhaseChampSelect)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	leave := signal("p1", "m1", "blue", "")
	leave.Left = true
	if err := env.orch.HandleSignal(ctx, leave); err != nil {
		t.Fatalf("leave: %v", err)
	}

	sess, err := env.orch.getSession(ctx, "p1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.CurrentMatchID != "m2" {
		t.Errorf("leave for old match must not clear new session, got %q", sess.CurrentMatchID)
	}
}

func TestCreateFailureRecoversOnNextSignal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.voice.createErr = fmt.Errorf("platform down: %w", errdefs.ErrUnavailable)

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal during outage: %v", err)
	}
	if env.voice.channelCount() != 0 {
		t.Fatal("no channel should exist after failed creation")
	}

	env.voice.mu.Lock()
	env.voice.createErr = nil
	env.voice.mu.Unlock()

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal after recovery: %v", err)
	}
	if env.voice.channelCount() != 1 {
		t.Fatalf("expected room after recovery, got %d channels", env.voice.channelCount())
	}
}

func TestMemberMovedWhenInVoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.voice.inVoice["u1"] = true

	for _, player := range []string{"p1", "p2"} {
		if err := env.orch.HandleSignal(ctx, signal(player, "m1", "blue", PhaseInProgress)); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}

	env.voice.mu.Lock()
	moves := append([]string(nil), env.voice.moves...)
	env.voice.mu.Unlock()
	if len(moves) != 1 || moves[0] != "u1" {
		t.Errorf("expected only connected user moved, got %v", moves)
	}
	// u2 不在语音里，move 失败但成员资格必须保留
	rec, _, err := env.orch.getRoom(ctx, newRoomID("m1", "blue"))
	if err != nil {
		t.Fatalf("room record: %v", err)
	}
	if rec.Members["p2"] != "u2" {
		t.Errorf("failed move must not block membership, got %v", rec.Members)
	}
}

func TestLockBusySignalDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 先占住比赛锁，模拟另一条信号正在处理
	lease, err := lock.NewManager(env.store, testLogger()).Acquire(ctx, lockKey("m1"), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("busy lock must drop the signal successfully, got %v", err)
	}
	if env.voice.createCalls != 0 {
		t.Error("standing down must not touch the platform")
	}

	if err := lock.NewManager(env.store, testLogger()).Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseInProgress)); err != nil {
		t.Fatalf("signal after release: %v", err)
	}
	if env.voice.createCalls != 1 {
		t.Errorf("expected room once lock is free, got %d creates", env.voice.createCalls)
	}
}

func TestPlayerFirstTeamSticks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "blue", PhaseLoading)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	// 矛盾的后续信号不能把玩家挪队
	if err := env.orch.HandleSignal(ctx, signal("p1", "m1", "red", PhaseLoading)); err != nil {
		t.Fatalf("signal: %v", err)
	}

	match, err := env.orch.Match(ctx, "m1")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got := match.TeamOf("p1"); got != "blue" {
		t.Errorf("expected p1 to stay on blue, got %q", got)
	}
	if len(match.Teams["red"]) != 0 {
		t.Errorf("red roster should be empty, got %v", match.Teams["red"])
	}
}
