package discord

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/heyamori/internal/notify"
)

const maxEmbedDescription = 4000

var levelColors = map[notify.Level]int{
	notify.LevelInfo:  0x2ecc71,
	notify.LevelWarn:  0xf1c40f,
	notify.LevelError: 0xe74c3c,
}

// Notifier posts operator notifications to a Discord channel as embeds.
// It only uses the REST API and never opens a gateway connection.
type Notifier struct {
	session   *discordgo.Session
	channelID string
}

func NewNotifier(token, channelID string) (*Notifier, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Notifier{session: s, channelID: channelID}, nil
}

func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	embed := &discordgo.MessageEmbed{
		Title:       note.Title,
		Description: truncate(note.Body, maxEmbedDescription),
		Color:       levelColors[note.Level],
	}
	for _, key := range slices.Sorted(maps.Keys(note.Fields)) {
		value := note.Fields[key]
		if value == "" {
			continue
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: key, Value: value, Inline: true})
	}
	_, err := n.session.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		if isRESTNotFound(err) {
			return fmt.Errorf("discord channel %s not found: %w", n.channelID, err)
		}
		return fmt.Errorf("send discord notification: %w", err)
	}
	return nil
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == http.StatusNotFound
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := strings.ToValidUTF8(s[:limit], "")
	return cut + "…"
}
