package discord

import (
	"fmt"
	"strings"

	"github.com/toasticodingstuff/vrcreviewbot/db"
)

// Stars renders a 1..5 rating as filled and hollow stars.
func Stars(rating int) string {
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}

// FormatReview renders one review. Compact mode keeps it to a single line
// for list contexts.
func FormatReview(r db.GroupReview, compact bool) string {
	var sb strings.Builder
	sb.WriteString(Stars(r.Rating))
	if r.AsksForDOB {
		sb.WriteString(" ⚠ asked for date of birth")
	}
	comment := strings.TrimSpace(r.Comment)
	if comment == "" {
		return sb.String()
	}
	if compact {
		// Truncate on runes so a multi-byte character is never split.
		if runes := []rune(comment); len(runes) > 80 {
			comment = string(runes[:77]) + "..."
		}
		sb.WriteString(": ")
		sb.WriteString(comment)
		return sb.String()
	}
	sb.WriteString("\n")
	sb.WriteString(comment)
	return sb.String()
}

// StatsHeader summarizes a group's reviews for the browser embed.
func StatsHeader(stats db.GroupStats) string {
	if stats.TotalReviews == 0 {
		return "No reviews yet."
	}
	header := fmt.Sprintf("%s %.1f average over %d review(s)",
		Stars(int(stats.AverageRating+0.5)), stats.AverageRating, stats.TotalReviews)
	if warn := AgeGateWarning(stats); warn != "" {
		header += "\n" + warn
	}
	return header
}

// AgeGateWarning returns a caution line when a majority of reviewers report
// that the group asked for a date of birth, empty otherwise.
func AgeGateWarning(stats db.GroupStats) string {
	if !stats.LikelyAgeGated() {
		return ""
	}
	return fmt.Sprintf("⚠ %d of %d reviewers report this group asks for your date of birth.",
		stats.DOBYesVotes, stats.TotalReviews)
}

func pageFooter(page, pages int) string {
	return fmt.Sprintf("Page %d of %d", page+1, pages)
}
