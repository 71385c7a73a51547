package voice

import "context"

// ChannelRef 指向平台上的一个语音频道，只有平台确认创建后才有效。
type ChannelRef string

// Adapter is the capability interface onto the external voice platform.
// Every call may be slow, may partially fail, and is safe to repeat: the
// orchestrator de-duplicates through its own records, not through the
// platform.
type Adapter interface {
	// CreateRoom creates a team-scoped voice channel and returns its ref.
	CreateRoom(ctx context.Context, matchID, teamID string) (ChannelRef, error)

	// DeleteRoom removes the channel. Deleting an already-gone channel
	// returns errdefs.ErrNotFound, which callers treat as success.
	DeleteRoom(ctx context.Context, ref ChannelRef) error

	// GrantAccess lets a platform user see and join the channel.
	GrantAccess(ctx context.Context, ref ChannelRef, platformUserID string) error

	// RevokeAccess removes the user's channel permissions.
	RevokeAccess(ctx context.Context, ref ChannelRef, platformUserID string) error

	// MoveMember pulls the user into the channel. Fails with
	// errdefs.ErrInvalidArgument when the user is not connected to voice;
	// callers treat that as a non-fatal condition.
	MoveMember(ctx context.Context, platformUserID string, ref ChannelRef) error
}
