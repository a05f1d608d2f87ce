package discord

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/infra-workshop/recording-bot/command"
)

func TestToMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "?record start",
		Author:    &discordgo.User{ID: "u1"},
	}
	got := toMessage(m)
	want := command.Message{ID: "m1", GuildID: "g1", ChannelID: "c1", AuthorID: "u1", Content: "?record start"}
	if got != want {
		t.Errorf("toMessage() = %+v, want %+v", got, want)
	}

	if dm := toMessage(&discordgo.Message{ID: "m2", ChannelID: "dm"}); dm.GuildID != "" || dm.AuthorID != "" {
		t.Errorf("dm = %+v", dm)
	}
}

func TestReplyTo(t *testing.T) {
	msg := replyTo(command.Message{ID: "m1", GuildID: "g1", ChannelID: "c1"}, "recorder successfully launched!")
	if msg.Content != "recorder successfully launched!" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Reference == nil || msg.Reference.MessageID != "m1" || msg.Reference.ChannelID != "c1" {
		t.Errorf("reference = %+v", msg.Reference)
	}
	if msg.AllowedMentions == nil || !msg.AllowedMentions.RepliedUser {
		t.Error("reply should mention the requester")
	}
}

func TestToEmbed(t *testing.T) {
	e := toEmbed(command.Card{Title: "help", Fields: []command.CardField{{Name: "a", Value: "b"}, {Name: "c", Value: "d"}}})
	if e.Title != "help" || len(e.Fields) != 2 || e.Fields[1].Name != "c" || e.Fields[1].Value != "d" {
		t.Errorf("embed = %+v", e)
	}
}

func TestNotConnected(t *testing.T) {
	b := New(Config{Token: "x"}, nil)
	ctx := context.Background()

	if b.Connected() {
		t.Error("Connected() before Connect")
	}
	if err := b.Reply(ctx, command.Message{}, "x"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Reply() = %v", err)
	}
	if err := b.SendFile(ctx, "c", "shot.png", "image/png", nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("SendFile() = %v", err)
	}
	if err := b.SendDirect(ctx, "u", command.Card{}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("SendDirect() = %v", err)
	}
	if _, err := b.VoiceChannel(ctx, "g", "u"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("VoiceChannel() = %v", err)
	}
	if _, err := b.Join(ctx, "g", "v"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Join() = %v", err)
	}
	if err := b.Disconnect(); err != nil {
		t.Errorf("Disconnect() = %v", err)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	b := New(Config{}, nil)
	if err := b.Connect(context.Background(), func(context.Context, command.Message) {}); err == nil {
		t.Error("expected error without token")
	}
}

func TestIntents(t *testing.T) {
	for _, want := range []discordgo.Intent{
		discordgo.IntentsGuildMessages,
		discordgo.IntentsDirectMessages,
		discordgo.IntentsMessageContent,
		discordgo.IntentsGuildVoiceStates,
	} {
		if Intents&want == 0 {
			t.Errorf("missing intent %d", want)
		}
	}
}
