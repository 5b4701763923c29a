package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/session"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

func (b *Bot) handleRateGroup(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	opts := optionMap(i)
	shortcode := opts["group_shortcode"].StringValue()
	rating := int(opts["rating"].IntValue())
	comment := opts["comment"].StringValue()
	asksForDOB := opts["asks_for_dob"].BoolValue()
	userID := interactionUserID(i)

	link, err := b.store.GetLink(ctx, userID)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if link == nil {
		b.editText(s, i, "Link your VRChat account first with `/link-vrc`.")
		return
	}

	group, err := b.findGroup(ctx, shortcode)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if group == nil {
		b.editText(s, i, fmt.Sprintf("No VRChat group found for shortcode `%s`.", shortcode))
		return
	}

	existing, err := b.store.GetUserReview(ctx, group.ID, userID)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if existing != nil {
		b.editText(s, i, fmt.Sprintf("You already reviewed **%s** — use `/edit-review` to change it.", group.Name))
		return
	}

	if err := b.store.UpsertReview(ctx, db.GroupReview{
		GroupID:       group.ID,
		DiscordUserID: userID,
		Rating:        rating,
		AsksForDOB:    asksForDOB,
		Comment:       comment,
	}); err != nil {
		b.editError(s, i, err)
		return
	}

	stats, err := b.store.GetGroupStats(ctx, group.ID)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	msg := fmt.Sprintf("Recorded your %s review of **%s**. Average: %.1f over %d review(s).",
		Stars(rating), group.Name, stats.AverageRating, stats.TotalReviews)
	if warn := AgeGateWarning(stats); warn != "" {
		msg += "\n" + warn
	}
	b.editText(s, i, msg)
}

func (b *Bot) handleLinkVRC(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	query := optionMap(i)["username"].StringValue()
	userID := interactionUserID(i)
	username := interactionUsername(i)

	var match *vrchat.User
	err := b.withSession(ctx, func(token string) error {
		candidates, serr := b.vrc.SearchUsers(ctx, token, query, 10)
		if serr != nil {
			return serr
		}
		for _, c := range candidates {
			if !strings.EqualFold(c.DisplayName, query) {
				continue
			}
			full, gerr := b.vrc.GetUser(ctx, token, c.ID)
			if gerr != nil {
				return gerr
			}
			match = full
			return nil
		}
		return nil
	})
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if match == nil {
		b.editText(s, i, fmt.Sprintf("No VRChat user named `%s` found.", query))
		return
	}
	// Bio ownership proof: the caller must have put their Discord username
	// in the VRChat profile before linking.
	if !strings.Contains(strings.ToLower(match.Bio), strings.ToLower(username)) {
		b.editText(s, i, fmt.Sprintf(
			"Could not verify ownership: add your Discord username (`%s`) to the bio of **%s** and try again.",
			username, match.DisplayName))
		return
	}

	if err := b.store.LinkUser(ctx, db.UserLink{
		DiscordUserID:  userID,
		VRCUserID:      match.ID,
		VRCDisplayName: match.DisplayName,
	}); err != nil {
		b.editError(s, i, err)
		return
	}
	b.editText(s, i, fmt.Sprintf("Linked to VRChat user **%s**. You can remove the bio marker now.", match.DisplayName))
}

func (b *Bot) handleUnlink(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	if err := b.store.UnlinkUser(ctx, interactionUserID(i)); err != nil {
		b.editError(s, i, err)
		return
	}
	b.editText(s, i, "Your VRChat account link has been removed.")
}

func (b *Bot) handleListReviews(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	shortcode := optionMap(i)["group_shortcode"].StringValue()

	group, err := b.findGroup(ctx, shortcode)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if group == nil {
		b.editText(s, i, fmt.Sprintf("No VRChat group found for shortcode `%s`.", shortcode))
		return
	}

	reviews, err := b.store.ListReviews(ctx, group.ID)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if len(reviews) == 0 {
		b.editText(s, i, fmt.Sprintf("No reviews yet for **%s**.", group.Name))
		return
	}
	stats, err := b.store.GetGroupStats(ctx, group.ID)
	if err != nil {
		b.editError(s, i, err)
		return
	}

	state := &pageState{
		GroupID: group.ID,
		Title:   fmt.Sprintf("%s (%s)", group.Name, group.Shortcode()),
		OwnerID: group.OwnerID,
	}
	embed, components := b.renderPage(ctx, state, reviews, stats)
	msg, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds:     &[]*discordgo.MessageEmbed{embed},
		Components: &components,
	})
	if err != nil {
		b.log.Warn("interaction edit failed", slog.Any("err", err))
		return
	}
	b.rememberPage(msg.ID, state)
}

func (b *Bot) handleEditReview(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	opts := optionMap(i)
	shortcode := opts["group_shortcode"].StringValue()
	userID := interactionUserID(i)

	group, err := b.findGroup(ctx, shortcode)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if group == nil {
		b.editText(s, i, fmt.Sprintf("No VRChat group found for shortcode `%s`.", shortcode))
		return
	}

	var patch db.ReviewPatch
	if opt, ok := opts["rating"]; ok {
		r := int(opt.IntValue())
		patch.Rating = &r
	}
	if opt, ok := opts["comment"]; ok {
		c := opt.StringValue()
		patch.Comment = &c
	}
	if opt, ok := opts["asks_for_dob"]; ok {
		v := opt.BoolValue()
		patch.AsksForDOB = &v
	}

	if patch.Rating == nil && patch.Comment == nil && patch.AsksForDOB == nil {
		// No fields given: show the current review instead of editing.
		review, gerr := b.store.GetUserReview(ctx, group.ID, userID)
		if gerr != nil {
			b.editError(s, i, gerr)
			return
		}
		if review == nil {
			b.editText(s, i, fmt.Sprintf("You have not reviewed **%s** yet — use `/rate-group`.", group.Name))
			return
		}
		b.editText(s, i, fmt.Sprintf("Your review of **%s**:\n%s", group.Name, FormatReview(*review, false)))
		return
	}

	if err := b.store.UpdateReview(ctx, group.ID, userID, patch); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			b.editText(s, i, fmt.Sprintf("You have not reviewed **%s** yet — use `/rate-group`.", group.Name))
			return
		}
		b.editError(s, i, err)
		return
	}
	b.editText(s, i, fmt.Sprintf("Updated your review of **%s**.", group.Name))
}

func (b *Bot) handleViewUserReviews(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !b.deferReply(s, i) {
		return
	}
	targetID := i.ApplicationCommandData().TargetID

	reviews, err := b.store.ListReviewsByUser(ctx, targetID)
	if err != nil {
		b.editError(s, i, err)
		return
	}
	if len(reviews) == 0 {
		b.editText(s, i, fmt.Sprintf("<@%s> has not written any group reviews.", targetID))
		return
	}
	const maxShown = 10
	truncated := len(reviews) > maxShown
	if truncated {
		reviews = reviews[:maxShown]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reviews by <@%s>:\n", targetID)
	for _, r := range reviews {
		fmt.Fprintf(&sb, "- group `%s`: %s\n", r.GroupID, FormatReview(r, true))
	}
	if truncated {
		sb.WriteString("… showing the 10 most recent.")
	}
	b.editText(s, i, sb.String())
}

// findGroup resolves a shortcode through the platform, retrying once on a
// rejected session.
func (b *Bot) findGroup(ctx context.Context, shortcode string) (*vrchat.LimitedGroup, error) {
	var group *vrchat.LimitedGroup
	err := b.withSession(ctx, func(token string) error {
		g, gerr := b.vrc.FindGroupByShortcode(ctx, token, shortcode)
		if gerr != nil {
			return gerr
		}
		group = g
		return nil
	})
	return group, err
}

// Interaction plumbing -------------------------------------------------------

func optionMap(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

// interactionUserID works in both guild and DM interactions.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func interactionUsername(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.Username
	}
	if i.User != nil {
		return i.User.Username
	}
	return ""
}

func (b *Bot) deferReply(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.log.Warn("interaction defer failed", slog.Any("err", err))
		return false
	}
	return true
}

func (b *Bot) editText(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		b.log.Warn("interaction edit failed", slog.Any("err", err))
	}
}

// editError logs the cause and replies with a safe message. Credential
// material and raw platform responses never reach the channel.
func (b *Bot) editError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) {
	b.log.Error("command failed", slog.Any("err", err))
	b.editText(s, i, userFacingError(err))
}

func isSessionRejected(err error) bool {
	return errors.Is(err, vrchat.ErrSessionRejected)
}

func userFacingError(err error) string {
	var aerr *session.AuthError
	switch {
	case errors.As(err, &aerr),
		errors.Is(err, vrchat.ErrInvalidCredentials),
		errors.Is(err, vrchat.ErrTwoFactorRejected),
		errors.Is(err, vrchat.ErrSessionRejected):
		return "Could not authenticate the VRChat account. Try again later."
	case errors.Is(err, vrchat.ErrRateLimited):
		return "VRChat is rate limiting us right now. Try again in a minute."
	case errors.Is(err, db.ErrPoolExhausted), errors.Is(err, db.ErrStoreUnavailable):
		return "The review store is unavailable right now. Try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long and was cancelled. Try again."
	default:
		return "Something went wrong handling that command."
	}
}
