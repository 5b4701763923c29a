package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserLink ties a Discord user to a verified VRChat account.
type UserLink struct {
	DiscordUserID  string
	VRCUserID      string
	VRCDisplayName string
	LinkedAt       time.Time
}

// LinkUser saves or replaces the link for a Discord user.
func (s *Store) LinkUser(ctx context.Context, link UserLink) error {
	if link.DiscordUserID == "" || link.VRCUserID == "" {
		return fmt.Errorf("user link missing discord or vrc id")
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO user_links(discord_user_id, vrc_user_id, vrc_display_name, linked_at)
		 VALUES($1,$2,$3,NOW())
		 ON CONFLICT(discord_user_id) DO UPDATE SET
		   vrc_user_id=EXCLUDED.vrc_user_id,
		   vrc_display_name=EXCLUDED.vrc_display_name,
		   linked_at=NOW()`,
		link.DiscordUserID, link.VRCUserID, link.VRCDisplayName)
	if err != nil {
		return fmt.Errorf("%w: link user: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetLink returns the link for a Discord user, or nil when unlinked.
func (s *Store) GetLink(ctx context.Context, discordUserID string) (*UserLink, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var link UserLink
	err = conn.QueryRow(ctx,
		`SELECT discord_user_id, vrc_user_id, vrc_display_name, linked_at
		 FROM user_links WHERE discord_user_id=$1`, discordUserID).
		Scan(&link.DiscordUserID, &link.VRCUserID, &link.VRCDisplayName, &link.LinkedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get link: %v", ErrStoreUnavailable, err)
	}
	return &link, nil
}

// UnlinkUser removes the link for a Discord user. Idempotent.
func (s *Store) UnlinkUser(ctx context.Context, discordUserID string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM user_links WHERE discord_user_id=$1`, discordUserID); err != nil {
		return fmt.Errorf("%w: unlink user: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LinkCount reports how many Discord users are linked. Used by /status.
func (s *Store) LinkCount(ctx context.Context) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var n int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM user_links`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count links: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}
