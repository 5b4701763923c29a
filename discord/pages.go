package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/toasticodingstuff/vrcreviewbot/db"
)

const (
	reviewsPerPage = 5
	pageStateTTL   = time.Hour

	customIDPrevPage = "reviews:prev"
	customIDNextPage = "reviews:next"
)

// pageState is the per-message browsing state for /list-reviews. Entries
// older than pageStateTTL are pruned lazily; a flip on an expired message
// just answers that the browser timed out.
type pageState struct {
	GroupID   string
	Title     string
	OwnerID   string
	Page      int
	createdAt time.Time
}

func (b *Bot) rememberPage(messageID string, st *pageState) {
	st.createdAt = time.Now()
	b.pagesMu.Lock()
	for id, old := range b.pages {
		if time.Since(old.createdAt) > pageStateTTL {
			delete(b.pages, id)
		}
	}
	b.pages[messageID] = st
	b.pagesMu.Unlock()
}

// lookupPage returns a copy of the live state. Handlers run on separate
// goroutines, so flips work on the copy and publish through setPage.
func (b *Bot) lookupPage(messageID string) *pageState {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	st, ok := b.pages[messageID]
	if !ok || time.Since(st.createdAt) > pageStateTTL {
		return nil
	}
	cp := *st
	return &cp
}

// setPage records a flipped page number when the browser is still live.
func (b *Bot) setPage(messageID string, page int) {
	b.pagesMu.Lock()
	if st, ok := b.pages[messageID]; ok {
		st.Page = page
	}
	b.pagesMu.Unlock()
}

func (b *Bot) dispatchComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	if customID != customIDPrevPage && customID != customIDNextPage {
		return
	}

	st := b.lookupPage(i.Message.ID)
	if st == nil {
		b.respondUpdateText(s, i, "This review browser has expired. Run `/list-reviews` again.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.callTimeout)
	defer cancel()

	reviews, err := b.store.ListReviews(ctx, st.GroupID)
	if err != nil {
		b.respondUpdateText(s, i, userFacingError(err))
		return
	}
	stats, err := b.store.GetGroupStats(ctx, st.GroupID)
	if err != nil {
		b.respondUpdateText(s, i, userFacingError(err))
		return
	}

	if customID == customIDNextPage {
		st.Page++
	} else {
		st.Page--
	}
	st.Page = clampPage(st.Page, len(reviews))
	b.setPage(i.Message.ID, st.Page)

	embed, components := b.renderPage(ctx, st, reviews, stats)
	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	})
	if err != nil {
		b.log.Warn("page flip failed", slog.Any("err", err))
	}
}

func (b *Bot) respondUpdateText(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Embeds:     []*discordgo.MessageEmbed{},
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		b.log.Warn("component respond failed", slog.Any("err", err))
	}
}

// renderPage builds the embed and nav buttons for one page of reviews.
// Reviewers whose linked VRChat account owns the group get an owner note.
func (b *Bot) renderPage(ctx context.Context, st *pageState, reviews []db.GroupReview, stats db.GroupStats) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	pages := pageCount(len(reviews))
	st.Page = clampPage(st.Page, len(reviews))
	start := st.Page * reviewsPerPage
	end := min(start+reviewsPerPage, len(reviews))

	embed := &discordgo.MessageEmbed{
		Title:       st.Title,
		Description: StatsHeader(stats),
	}
	for _, r := range reviews[start:end] {
		name := "<@" + r.DiscordUserID + ">"
		if st.OwnerID != "" && b.isGroupOwner(ctx, r.DiscordUserID, st.OwnerID) {
			name += " (group owner)"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  name,
			Value: FormatReview(r, false),
		})
	}
	embed.Footer = &discordgo.MessageEmbedFooter{Text: pageFooter(st.Page, pages)}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Prev", Style: discordgo.SecondaryButton, CustomID: customIDPrevPage, Disabled: st.Page == 0},
			discordgo.Button{Label: "Next", Style: discordgo.SecondaryButton, CustomID: customIDNextPage, Disabled: st.Page >= pages-1},
		}},
	}
	return embed, components
}

func (b *Bot) isGroupOwner(ctx context.Context, discordUserID, ownerID string) bool {
	link, err := b.store.GetLink(ctx, discordUserID)
	if err != nil || link == nil {
		return false
	}
	return link.VRCUserID == ownerID
}

func pageCount(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + reviewsPerPage - 1) / reviewsPerPage
}

func clampPage(page, total int) int {
	last := pageCount(total) - 1
	if page > last {
		page = last
	}
	if page < 0 {
		page = 0
	}
	return page
}
