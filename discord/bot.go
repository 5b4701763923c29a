// Package discord bridges Discord slash commands and component interactions
// to the review store and the VRChat API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/toasticodingstuff/vrcreviewbot/db"
	"github.com/toasticodingstuff/vrcreviewbot/telemetry"
	"github.com/toasticodingstuff/vrcreviewbot/vrchat"
)

const contextMenuViewReviews = "View User Reviews"

// Sessions is the slice of the session manager the bridge needs.
type Sessions interface {
	GetUsableSession(ctx context.Context, accountID string) (string, error)
	ReportRejected(ctx context.Context, accountID, token string)
}

// Platform is the slice of the VRChat client the bridge needs.
type Platform interface {
	SearchUsers(ctx context.Context, token, query string, n int) ([]vrchat.LimitedUser, error)
	GetUser(ctx context.Context, token, userID string) (*vrchat.User, error)
	FindGroupByShortcode(ctx context.Context, token, shortcode string) (*vrchat.LimitedGroup, error)
}

// Bot is the Discord side of the service: one gateway connection, slash
// commands operating on the shared store through a single bot identity.
type Bot struct {
	dg          *discordgo.Session
	store       *db.Store
	sessions    Sessions
	vrc         Platform
	accountID   string
	guildID     string
	callTimeout time.Duration
	log         *slog.Logger

	pagesMu sync.Mutex
	pages   map[string]*pageState
}

// Config carries the bridge's wiring.
type Config struct {
	Token       string
	GuildID     string // empty registers commands globally
	AccountID   string
	CallTimeout time.Duration
}

func New(cfg Config, store *db.Store, sessions Sessions, vrc Platform) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	b := &Bot{
		dg:          dg,
		store:       store,
		sessions:    sessions,
		vrc:         vrc,
		accountID:   cfg.AccountID,
		guildID:     cfg.GuildID,
		callTimeout: cfg.CallTimeout,
		log:         slog.Default().With(slog.String("component", "discord")),
		pages:       make(map[string]*pageState),
	}
	dg.AddHandler(b.onInteraction)
	return b, nil
}

// Start opens the gateway, registers commands and blocks until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if err := b.registerCommands(); err != nil {
		_ = b.dg.Close()
		return err
	}
	b.log.Info("discord bridge connected",
		slog.String("user", b.dg.State.User.Username),
		slog.String("guild", b.guildID))

	<-ctx.Done()
	b.log.Info("discord bridge shutting down")
	return b.dg.Close()
}

func (b *Bot) registerCommands() error {
	appID := b.dg.State.User.ID
	if _, err := b.dg.ApplicationCommandBulkOverwrite(appID, b.guildID, commandDefs()); err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	return nil
}

func commandDefs() []*discordgo.ApplicationCommand {
	minRating, maxRating := float64(1), float64(5)
	return []*discordgo.ApplicationCommand{
		{
			Name:        "rate-group",
			Description: "Review a VRChat group",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "group_shortcode", Description: "Group shortcode, e.g. ABC123.1234", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "rating", Description: "Rating from 1 to 5", Required: true, MinValue: &minRating, MaxValue: maxRating},
				{Type: discordgo.ApplicationCommandOptionString, Name: "comment", Description: "Review text", Required: true},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "asks_for_dob", Description: "Did the group ask for your date of birth?", Required: true},
			},
		},
		{
			Name:        "link-vrc",
			Description: "Link your VRChat account (put your Discord username in your VRChat bio first)",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "username", Description: "Your VRChat display name", Required: true},
			},
		},
		{
			Name:        "unlink",
			Description: "Remove your VRChat account link",
		},
		{
			Name:        "list-reviews",
			Description: "Browse reviews for a VRChat group",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "group_shortcode", Description: "Group shortcode, e.g. ABC123.1234", Required: true},
			},
		},
		{
			Name:        "edit-review",
			Description: "Show or edit your review of a group",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "group_shortcode", Description: "Group shortcode, e.g. ABC123.1234", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "rating", Description: "New rating from 1 to 5", MinValue: &minRating, MaxValue: maxRating},
				{Type: discordgo.ApplicationCommandOptionString, Name: "comment", Description: "New review text"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "asks_for_dob", Description: "Did the group ask for your date of birth?"},
			},
		},
		{
			Name: contextMenuViewReviews,
			Type: discordgo.UserApplicationCommand,
		},
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.dispatchCommand(s, i)
	case discordgo.InteractionMessageComponent:
		b.dispatchComponent(s, i)
	}
}

func (b *Bot) dispatchCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name
	start := time.Now()
	defer func() {
		if telemetry.CommandDuration != nil {
			telemetry.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.callTimeout)
	defer cancel()

	switch name {
	case "rate-group":
		b.handleRateGroup(ctx, s, i)
	case "link-vrc":
		b.handleLinkVRC(ctx, s, i)
	case "unlink":
		b.handleUnlink(ctx, s, i)
	case "list-reviews":
		b.handleListReviews(ctx, s, i)
	case "edit-review":
		b.handleEditReview(ctx, s, i)
	case contextMenuViewReviews:
		b.handleViewUserReviews(ctx, s, i)
	default:
		b.log.Warn("unknown command", slog.String("name", name))
	}
}

// withSession runs fn with a usable token and retries exactly once through a
// fresh login when the platform rejects the session mid-call.
func (b *Bot) withSession(ctx context.Context, fn func(token string) error) error {
	token, err := b.sessions.GetUsableSession(ctx, b.accountID)
	if err != nil {
		return err
	}
	err = fn(token)
	if isSessionRejected(err) {
		b.sessions.ReportRejected(ctx, b.accountID, token)
		token, err = b.sessions.GetUsableSession(ctx, b.accountID)
		if err != nil {
			return err
		}
		return fn(token)
	}
	return err
}
