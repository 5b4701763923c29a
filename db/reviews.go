package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// GroupReview is one Discord user's review of a VRChat group, keyed by the
// group's shortcode.discriminator.
type GroupReview struct {
	GroupID       string
	DiscordUserID string
	Rating        int
	AsksForDOB    bool
	Comment       string
	CreatedAt     time.Time
}

// GroupStats aggregates the reviews of one group.
type GroupStats struct {
	AverageRating float64
	TotalReviews  int
	DOBYesVotes   int
}

// LikelyAgeGated reports whether a majority of reviewers say the group asks
// for date-of-birth or ID verification.
func (gs GroupStats) LikelyAgeGated() bool {
	return gs.TotalReviews > 0 && float64(gs.DOBYesVotes)/float64(gs.TotalReviews) > 0.5
}

// UpsertReview creates or replaces a user's review of a group.
func (s *Store) UpsertReview(ctx context.Context, r GroupReview) error {
	if r.GroupID == "" || r.DiscordUserID == "" {
		return fmt.Errorf("review missing group or user id")
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", r.Rating)
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO group_reviews(group_id, discord_user_id, rating, asks_for_dob, comment)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(group_id, discord_user_id) DO UPDATE SET
		   rating=EXCLUDED.rating,
		   asks_for_dob=EXCLUDED.asks_for_dob,
		   comment=EXCLUDED.comment,
		   updated_at=NOW()`,
		r.GroupID, r.DiscordUserID, r.Rating, r.AsksForDOB, r.Comment)
	if err != nil {
		return fmt.Errorf("%w: upsert review: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ReviewPatch carries the optional fields of a partial review edit. Nil
// fields are left unchanged.
type ReviewPatch struct {
	Rating     *int
	AsksForDOB *bool
	Comment    *string
}

// UpdateReview applies a partial edit to an existing review. A patch with no
// fields set is a no-op. Returns ErrNotFound when the user has no review of
// the group.
func (s *Store) UpdateReview(ctx context.Context, groupID, discordUserID string, patch ReviewPatch) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if patch.Rating != nil {
		if *patch.Rating < 1 || *patch.Rating > 5 {
			return fmt.Errorf("rating must be between 1 and 5, got %d", *patch.Rating)
		}
		args = append(args, *patch.Rating)
		sets = append(sets, fmt.Sprintf("rating=$%d", len(args)))
	}
	if patch.AsksForDOB != nil {
		args = append(args, *patch.AsksForDOB)
		sets = append(sets, fmt.Sprintf("asks_for_dob=$%d", len(args)))
	}
	if patch.Comment != nil {
		args = append(args, *patch.Comment)
		sets = append(sets, fmt.Sprintf("comment=$%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, groupID)
	groupArg := len(args)
	args = append(args, discordUserID)
	userArg := len(args)

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	q := fmt.Sprintf(`UPDATE group_reviews SET %s, updated_at=NOW() WHERE group_id=$%d AND discord_user_id=$%d`,
		strings.Join(sets, ", "), groupArg, userArg)
	tag, err := conn.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%w: update review: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserReview returns one user's review of a group, or nil when absent.
func (s *Store) GetUserReview(ctx context.Context, groupID, discordUserID string) (*GroupReview, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var r GroupReview
	err = conn.QueryRow(ctx,
		`SELECT group_id, discord_user_id, rating, asks_for_dob, COALESCE(comment,''), created_at
		 FROM group_reviews WHERE group_id=$1 AND discord_user_id=$2`, groupID, discordUserID).
		Scan(&r.GroupID, &r.DiscordUserID, &r.Rating, &r.AsksForDOB, &r.Comment, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get review: %v", ErrStoreUnavailable, err)
	}
	return &r, nil
}

// ListReviews returns all reviews of a group, newest first.
func (s *Store) ListReviews(ctx context.Context, groupID string) ([]GroupReview, error) {
	return s.listReviews(ctx,
		`SELECT group_id, discord_user_id, rating, asks_for_dob, COALESCE(comment,''), created_at
		 FROM group_reviews WHERE group_id=$1 ORDER BY created_at DESC`, groupID)
}

// ListReviewsByUser returns all reviews written by a Discord user, newest
// first.
func (s *Store) ListReviewsByUser(ctx context.Context, discordUserID string) ([]GroupReview, error) {
	return s.listReviews(ctx,
		`SELECT group_id, discord_user_id, rating, asks_for_dob, COALESCE(comment,''), created_at
		 FROM group_reviews WHERE discord_user_id=$1 ORDER BY created_at DESC`, discordUserID)
}

func (s *Store) listReviews(ctx context.Context, q string, arg any) ([]GroupReview, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: list reviews: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []GroupReview
	for rows.Next() {
		var r GroupReview
		if err := rows.Scan(&r.GroupID, &r.DiscordUserID, &r.Rating, &r.AsksForDOB, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan review: %v", ErrStoreUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list reviews: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// GetGroupStats aggregates rating and age-gate votes for a group.
func (s *Store) GetGroupStats(ctx context.Context, groupID string) (GroupStats, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return GroupStats{}, err
	}
	defer conn.Release()

	var stats GroupStats
	err = conn.QueryRow(ctx,
		`SELECT COALESCE(AVG(rating),0),
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN asks_for_dob THEN 1 ELSE 0 END),0)
		 FROM group_reviews WHERE group_id=$1`, groupID).
		Scan(&stats.AverageRating, &stats.TotalReviews, &stats.DOBYesVotes)
	if err != nil {
		return GroupStats{}, fmt.Errorf("%w: group stats: %v", ErrStoreUnavailable, err)
	}
	return stats, nil
}

// ReviewCount reports the total number of stored reviews. Used by /status.
func (s *Store) ReviewCount(ctx context.Context) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var n int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM group_reviews`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count reviews: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}
