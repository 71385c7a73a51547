package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
)

const (
	defaultAPIBase = "https://discord.com/api/v10"

	// 权限位，见 Discord 文档
	permViewChannel = 1 << 10
	permConnect     = 1 << 20
	permSpeak       = 1 << 21

	overwriteRole   = 0
	overwriteMember = 1

	channelTypeGuildVoice = 2
)

type DiscordConfig struct {
	BotToken   string
	GuildID    string
	CategoryID string        // 所有比赛频道挂在这个分类下
	APIBase    string        // 留空使用官方地址，测试时指向 httptest
	Timeout    time.Duration // 单次调用超时，必须小于锁的租约
}

var _ Adapter = (*Discord)(nil)

// Discord drives team voice channels over the Discord REST API. Channels
// are created invisible to @everyone; access is granted per member through
// permission overwrites.
type Discord struct {
	cfg    DiscordConfig
	http   *http.Client
	logger *slog.Logger
}

func NewDiscord(cfg DiscordConfig, logger *slog.Logger) *Discord {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Discord{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "discord"),
	}
}

type permissionOverwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow,omitempty"`
	Deny  string `json:"deny,omitempty"`
}

type createChannelRequest struct {
	Name                 string                `json:"name"`
	Type                 int                   `json:"type"`
	ParentID             string                `json:"parent_id,omitempty"`
	PermissionOverwrites []permissionOverwrite `json:"permission_overwrites"`
}

type channelResponse struct {
	ID string `json:"id"`
}

func (d *Discord) CreateRoom(ctx context.Context, matchID, teamID string) (ChannelRef, error) {
	req := createChannelRequest{
		Name:     fmt.Sprintf("match-%s-%s", matchID, teamID),
		Type:     channelTypeGuildVoice,
		ParentID: d.cfg.CategoryID,
		PermissionOverwrites: []permissionOverwrite{
			{
				// @everyone 角色 ID 等于 guild ID，默认拒绝进入
				ID:   d.cfg.GuildID,
				Type: overwriteRole,
				Deny: fmt.Sprint(permViewChannel | permConnect),
			},
		},
	}

	var resp channelResponse
	path := fmt.Sprintf("/guilds/%s/channels", d.cfg.GuildID)
	if err := d.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}

	d.logger.Info("Voice channel created", "match_id", matchID, "team_id", teamID, "channel_id", resp.ID)
	return ChannelRef(resp.ID), nil
}

func (d *Discord) DeleteRoom(ctx context.Context, ref ChannelRef) error {
	return d.do(ctx, http.MethodDelete, "/channels/"+string(ref), nil, nil)
}

func (d *Discord) GrantAccess(ctx context.Context, ref ChannelRef, platformUserID string) error {
	body := permissionOverwrite{
		ID:    platformUserID,
		Type:  overwriteMember,
		Allow: fmt.Sprint(permViewChannel | permConnect | permSpeak),
	}
	path := fmt.Sprintf("/channels/%s/permissions/%s", ref, platformUserID)
	return d.do(ctx, http.MethodPut, path, body, nil)
}

func (d *Discord) RevokeAccess(ctx context.Context, ref ChannelRef, platformUserID string) error {
	path := fmt.Sprintf("/channels/%s/permissions/%s", ref, platformUserID)
	return d.do(ctx, http.MethodDelete, path, nil, nil)
}

func (d *Discord) MoveMember(ctx context.Context, platformUserID string, ref ChannelRef) error {
	body := map[string]string{"channel_id": string(ref)}
	path := fmt.Sprintf("/guilds/%s/members/%s", d.cfg.GuildID, platformUserID)
	return d.do(ctx, http.MethodPatch, path, body, nil)
}

func (d *Discord) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord %s %s: marshal: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.APIBase+path, reader)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bot "+d.cfg.BotToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		// 超时和连接错误都按暂时性故障处理，交给调用方的重试策略
		return fmt.Errorf("discord %s %s: %v: %w", method, path, err, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("discord %s %s: decode: %w", method, path, err)
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("discord %s %s: status %d: %s: %w",
		method, path, resp.StatusCode, bytes.TrimSpace(snippet), classifyStatus(resp.StatusCode))
}

// classifyStatus maps Discord HTTP statuses onto the error taxonomy the
// retry policy understands.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errdefs.ErrResourceExhausted
	case status == http.StatusNotFound:
		return errdefs.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case status == http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case status >= 500:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrUnknown
	}
}
