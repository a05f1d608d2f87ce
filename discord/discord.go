// Package discord connects the bot to the Discord gateway with discordgo. It
// feeds guild and DM messages to a handler and provides the chat and voice
// operations the recorder needs.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/infra-workshop/recording-bot/command"
	"github.com/infra-workshop/recording-bot/session"
)

// ErrDisconnected is returned by outbound calls before Connect succeeds.
var ErrDisconnected = errors.New("discord: not connected")

// Intents are the gateway intents the bot subscribes to.
const Intents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuilds

type Config struct {
	Token string
}

// Handler receives every message not authored by the bot itself.
type Handler func(ctx context.Context, m command.Message)

// Bot is a discordgo session. It implements command.Chat and session.VoiceJoiner.
type Bot struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{cfg: cfg, logger: logger.With("component", "discord")}
}

// Connect opens the gateway and starts delivering messages to h.
func (b *Bot) Connect(ctx context.Context, h Handler) error {
	if b.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	s, err := discordgo.New("Bot " + b.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true

	b.ctx, b.cancel = context.WithCancel(ctx)
	s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		h(b.ctx, toMessage(m.Message))
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		b.logger.Warn("gateway disconnected")
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.connected.Store(true)
		b.logger.Info("gateway resumed")
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	b.session = s
	b.connected.Store(true)

	user := s.State.User
	b.logger.Info("logged in", slog.String("bot", user.Username), slog.String("id", user.ID))
	return nil
}

// Disconnect closes the gateway connection.
func (b *Bot) Disconnect() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.connected.Store(false)
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

// Connected reports gateway health for readiness checks.
func (b *Bot) Connected() bool { return b.connected.Load() }

func (b *Bot) Reply(ctx context.Context, m command.Message, text string) error {
	if b.session == nil {
		return ErrDisconnected
	}
	_, err := b.session.ChannelMessageSendComplex(m.ChannelID, replyTo(m, text), discordgo.WithContext(ctx))
	return err
}

func (b *Bot) SendFile(ctx context.Context, channelID, name, contentType string, data []byte) error {
	if b.session == nil {
		return ErrDisconnected
	}
	msg := &discordgo.MessageSend{
		Files: []*discordgo.File{{Name: name, ContentType: contentType, Reader: bytes.NewReader(data)}},
	}
	_, err := b.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	return err
}

func (b *Bot) SendDirect(ctx context.Context, userID string, card command.Card) error {
	if b.session == nil {
		return ErrDisconnected
	}
	ch, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: open DM: %w", err)
	}
	_, err = b.session.ChannelMessageSendEmbed(ch.ID, toEmbed(card), discordgo.WithContext(ctx))
	return err
}

// VoiceChannel looks the user up in the state cache. Not connected is "", nil.
func (b *Bot) VoiceChannel(_ context.Context, guildID, userID string) (string, error) {
	if b.session == nil {
		return "", ErrDisconnected
	}
	vs, err := b.session.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

// Join connects the bot to a voice channel, unmuted and undeafened.
func (b *Bot) Join(_ context.Context, guildID, channelID string) (session.VoiceConn, error) {
	if b.session == nil {
		return nil, ErrDisconnected
	}
	vc, err := b.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice: %w", err)
	}
	return vc, nil
}

func toMessage(m *discordgo.Message) command.Message {
	out := command.Message{ID: m.ID, GuildID: m.GuildID, ChannelID: m.ChannelID, Content: m.Content}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	return out
}

func replyTo(m command.Message, text string) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content:         text,
		Reference:       &discordgo.MessageReference{MessageID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID},
		AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: true},
	}
}

func toEmbed(c command.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Title: c.Title}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return e
}

var (
	_ command.Chat        = (*Bot)(nil)
	_ session.VoiceJoiner = (*Bot)(nil)
)
