// Package identity 是 player → 平台用户的只读目录。
// 链接记录由外部 OAuth 流程写入 Postgres；这里只读，配合过期缓存。
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"matchvoice/internal/store"

	"github.com/containerd/errdefs"
)

// ErrNotLinked 玩家还没有绑定平台身份
var ErrNotLinked = errors.New("player identity not linked")

type Directory interface {
	// ResolvePlatformUser returns the verified platform user id for a
	// player, or ErrNotLinked.
	ResolvePlatformUser(ctx context.Context, playerID string) (string, error)
}

type Link struct {
	PlayerID       string    `json:"player_id"`
	PlatformUserID string    `json:"platform_user_id"`
	Method         string    `json:"method"`
	LinkedAt       time.Time `json:"linked_at"`
}

// LinkSource is the persistent backing of the directory. Lookups on an
// unknown player return errdefs.ErrNotFound.
type LinkSource interface {
	GetLink(ctx context.Context, playerID string) (*Link, error)
}

const (
	// 缓存时长取决于绑定方式：OAuth 验证过的信任更久
	oauthCacheTTL  = 30 * 24 * time.Hour
	manualCacheTTL = 7 * 24 * time.Hour

	MethodOAuth  = "oauth"
	MethodManual = "manual"
)

var _ Directory = (*CachedDirectory)(nil)

type CachedDirectory struct {
	links  LinkSource
	cache  store.Store
	logger *slog.Logger
}

func NewCachedDirectory(links LinkSource, cache store.Store, logger *slog.Logger) *CachedDirectory {
	return &CachedDirectory{
		links:  links,
		cache:  cache,
		logger: logger.With("component", "identity"),
	}
}

func cacheKey(playerID string) string {
	return "identity:" + playerID
}

func (d *CachedDirectory) ResolvePlatformUser(ctx context.Context, playerID string) (string, error) {
	if rec, err := d.cache.Get(ctx, cacheKey(playerID)); err == nil {
		var link Link
		if err := json.Unmarshal(rec.Value, &link); err == nil {
			return link.PlatformUserID, nil
		}
	}

	link, err := d.links.GetLink(ctx, playerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// 不缓存否定结果：玩家可能随时完成绑定
			return "", ErrNotLinked
		}
		return "", fmt.Errorf("identity lookup %s: %w", playerID, err)
	}

	if b, err := json.Marshal(link); err == nil {
		if err := d.cache.Put(ctx, cacheKey(playerID), b, cacheTTLFor(link.Method)); err != nil {
			d.logger.Warn("Failed to cache identity link", "player_id", playerID, "error", err)
		}
	}

	return link.PlatformUserID, nil
}

func cacheTTLFor(method string) time.Duration {
	if method == MethodOAuth {
		return oauthCacheTTL
	}
	return manualCacheTTL
}
