package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"matchvoice/internal/store"

	"github.com/containerd/errdefs"
)

type mapLinks struct {
	links map[string]*Link
	calls int
}

func (m *mapLinks) GetLink(ctx context.Context, playerID string) (*Link, error) {
	m.calls++
	link, ok := m.links[playerID]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", playerID, errdefs.ErrNotFound)
	}
	return link, nil
}

func newTestDirectory(links map[string]*Link) (*CachedDirectory, *mapLinks) {
	src := &mapLinks{links: links}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCachedDirectory(src, store.NewMemory(), logger), src
}

func TestResolveLinkedPlayer(t *testing.T) {
	ctx := context.Background()
	d, src := newTestDirectory(map[string]*Link{
		"p1": {PlayerID: "p1", PlatformUserID: "u-100", Method: MethodOAuth, LinkedAt: time.Now()},
	})

	got, err := d.ResolvePlatformUser(ctx, "p1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "u-100" {
		t.Errorf("Expected u-100, got %s", got)
	}

	// second resolve is served from cache
	if _, err := d.ResolvePlatformUser(ctx, "p1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("Expected 1 source lookup, got %d", src.calls)
	}
}

func TestResolveNotLinked(t *testing.T) {
	ctx := context.Background()
	d, src := newTestDirectory(map[string]*Link{})

	if _, err := d.ResolvePlatformUser(ctx, "p1"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Expected ErrNotLinked, got %v", err)
	}

	// negative results are not cached: the player may link at any moment
	if _, err := d.ResolvePlatformUser(ctx, "p1"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("Expected ErrNotLinked, got %v", err)
	}
	if src.calls != 2 {
		t.Errorf("Expected 2 source lookups, got %d", src.calls)
	}
}

func TestCacheTTLByMethod(t *testing.T) {
	if ttl := cacheTTLFor(MethodOAuth); ttl != oauthCacheTTL {
		t.Errorf("oauth ttl: got %v", ttl)
	}
	if ttl := cacheTTLFor(MethodManual); ttl != manualCacheTTL {
		t.Errorf("manual ttl: got %v", ttl)
	}
	if ttl := cacheTTLFor("unknown"); ttl != manualCacheTTL {
		t.Errorf("unknown method should get the short ttl, got %v", ttl)
	}
}
