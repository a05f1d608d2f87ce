// Package command turns chat messages into session operations and replies.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/infra-workshop/recording-bot/archive"
	"github.com/infra-workshop/recording-bot/session"
	"github.com/infra-workshop/recording-bot/telemetry"
)

const tracerName = "command"

// Message is an incoming chat message.
type Message struct {
	ID        string
	GuildID   string
	ChannelID string
	AuthorID  string
	Content   string
}

// Card is the private usage card.
type Card struct {
	Title  string
	Fields []CardField
}

type CardField struct {
	Name  string
	Value string
}

// Chat is the outbound side of the chat platform.
type Chat interface {
	// Reply answers m in its channel, addressed to its author.
	Reply(ctx context.Context, m Message, text string) error
	SendFile(ctx context.Context, channelID, name, contentType string, data []byte) error
	SendDirect(ctx context.Context, userID string, card Card) error
	// VoiceChannel returns the voice channel userID is connected to in guildID, or "".
	VoiceChannel(ctx context.Context, guildID, userID string) (string, error)
}

// Machine is the subset of *session.Machine the dispatcher drives.
type Machine interface {
	SetScreenURL(ctx context.Context, url string) error
	Start(ctx context.Context, req session.StartRequest) error
	Stop(ctx context.Context) (archive.Result, error)
	TakeShot(ctx context.Context) ([]byte, error)
	ToggleDebug(ctx context.Context) (bool, error)
}

// Name identifies a parsed command.
type Name string

const (
	ScreenURL Name = "screen"
	Start     Name = "start"
	Stop      Name = "stop"
	Take      Name = "take"
	Debug     Name = "debug"
	Help      Name = "help"
	Unknown   Name = "unknown"
)

type Command struct {
	Name Name
	// Sub is the raw subcommand token.
	Sub string
	Arg string
}

// Parse reads "<prefix> <sub> <arg>". Tokens after the third are ignored.
// ok is false when the first token is not exactly prefix.
func Parse(content, prefix string) (Command, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || fields[0] != prefix {
		return Command{}, false
	}
	c := Command{Name: Help}
	if len(fields) > 1 {
		c.Sub = fields[1]
	}
	if len(fields) > 2 {
		c.Arg = fields[2]
	}
	switch c.Sub {
	case "screen", "url":
		c.Name = ScreenURL
	case "start":
		c.Name = Start
	case "stop":
		c.Name = Stop
	case "take":
		c.Name = Take
	case "debug":
		c.Name = Debug
	case "help", "":
		c.Name = Help
	default:
		c.Name = Unknown
	}
	return c, true
}

const (
	replyDM          = "you must not send from DM!"
	replyScreenSet   = "screen url successfully set!"
	replyLaunched    = "recorder successfully launched!"
	replyStopped     = "recorder successfully stopped!"
	replyInvalid     = "invalid command"
	reasonMissingURL = "please specify url"
	shotName         = "shot.png"
)

type Dispatcher struct {
	prefix  string
	machine Machine
	chat    Chat
	logger  *slog.Logger
	title   string
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithHelpTitle sets the title of the usage card.
func WithHelpTitle(t string) Option { return func(d *Dispatcher) { d.title = t } }

func New(prefix string, m Machine, chat Chat, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		prefix:  prefix,
		machine: m,
		chat:    chat,
		logger:  slog.Default(),
		title:   "infra workshop recorder v0.0",
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With(slog.String("component", "command"))
	return d
}

// Handle processes one message. It never panics on a command failure; every
// accepted command produces exactly one reply.
func (d *Dispatcher) Handle(ctx context.Context, m Message) {
	if !strings.HasPrefix(m.Content, d.prefix) {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	logger := d.logger.With(slog.String("corr", telemetry.GetCorrelation(ctx)), slog.String("author", m.AuthorID))

	if m.GuildID == "" {
		d.reply(ctx, logger, m, replyDM)
		return
	}
	c, ok := Parse(m.Content, d.prefix)
	if !ok {
		return
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "command."+string(c.Name), telemetry.CommandAttr(string(c.Name)))
	defer span.End()

	logger.Info("command received", slog.String("command", string(c.Name)), slog.String("channel", m.ChannelID))
	err := d.dispatch(ctx, logger, m, c)
	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
		telemetry.RecordCommand(string(c.Name), "ok")
	case session.IsCommandError(err):
		var ce *session.CommandError
		errors.As(err, &ce)
		telemetry.RecordCommand(string(c.Name), "rejected")
		logger.Info("command rejected", slog.String("command", string(c.Name)), slog.String("reason", ce.Reason))
		d.reply(ctx, logger, m, ce.Reason)
	default:
		telemetry.RecordError(span, err)
		telemetry.RecordCommand(string(c.Name), "error")
		logger.Error("command failed", slog.String("command", string(c.Name)), slog.Any("err", err))
		d.reply(ctx, logger, m, "unexpected failure: "+err.Error())
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, logger *slog.Logger, m Message, c Command) error {
	switch c.Name {
	case ScreenURL:
		if c.Arg == "" {
			return &session.CommandError{Reason: reasonMissingURL}
		}
		if err := d.machine.SetScreenURL(ctx, c.Arg); err != nil {
			return err
		}
		return d.send(ctx, m, replyScreenSet)

	case Start:
		voice, err := d.chat.VoiceChannel(ctx, m.GuildID, m.AuthorID)
		if err != nil {
			return fmt.Errorf("voice channel lookup: %w", err)
		}
		req := session.StartRequest{GuildID: m.GuildID, VoiceChannelID: voice, TextChannelID: m.ChannelID}
		if err := d.machine.Start(ctx, req); err != nil {
			return err
		}
		return d.send(ctx, m, replyLaunched)

	case Stop:
		res, err := d.machine.Stop(ctx)
		if err != nil {
			return err
		}
		return d.send(ctx, m, StopReply(res))

	case Take:
		shot, err := d.machine.TakeShot(ctx)
		if err != nil {
			return err
		}
		if err := d.chat.SendFile(ctx, m.ChannelID, shotName, "image/png", shot); err != nil {
			return fmt.Errorf("send shot: %w", err)
		}
		return nil

	case Debug:
		on, err := d.machine.ToggleDebug(ctx)
		if err != nil {
			return err
		}
		return d.send(ctx, m, DebugReply(on))

	case Help:
		logger.Info("sending help", slog.String("to", m.AuthorID))
		if err := d.chat.SendDirect(ctx, m.AuthorID, d.HelpCard()); err != nil {
			return fmt.Errorf("send help: %w", err)
		}
		return nil
	}
	return d.send(ctx, m, replyInvalid)
}

// send returns the reply error so a failed confirmation is reported like any other fault.
func (d *Dispatcher) send(ctx context.Context, m Message, text string) error {
	if err := d.chat.Reply(ctx, m, text); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// reply is used for error replies; a failure here is only logged.
func (d *Dispatcher) reply(ctx context.Context, logger *slog.Logger, m Message, text string) {
	if err := d.chat.Reply(ctx, m, text); err != nil {
		logger.Warn("reply failed", slog.Any("err", err))
	}
}

// StopReply renders the single confirmation for a finished stop.
func StopReply(r archive.Result) string {
	if r.Uploaded {
		return replyStopped + " record is uploaded to " + r.URL
	}
	reason := "uploading to youtube failed."
	if errors.Is(r.UploadErr, archive.ErrUploadDisabled) || errors.Is(r.UploadErr, archive.ErrNoUploader) {
		reason = "upload is disabled."
	}
	return replyStopped + " " + reason + " record file is saved to " + r.FileName
}

func DebugReply(enabled bool) string {
	if enabled {
		return "toggled. debug: enabled"
	}
	return "toggled. debug: disabled"
}

// HelpCard lists the subcommands under the configured prefix.
func (d *Dispatcher) HelpCard() Card {
	p := d.prefix
	return Card{
		Title: d.title,
		Fields: []CardField{
			{Name: p + " screen <url>\n" + p + " url <url>", Value: "sets url for screen sharing"},
			{Name: p + " start", Value: "start recording"},
			{Name: p + " stop", Value: "stop recording and save webm"},
			{Name: p + " take", Value: "take a picture of the canvas"},
			{Name: p + " debug", Value: "toggle debug mode. this will reset when stop the recording."},
		},
	}
}
