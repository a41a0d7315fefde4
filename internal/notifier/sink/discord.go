package sink

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"offlinewatch/internal/notifier"
)

// Discord posts notifications to a channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	s         *discordgo.Session
	channelID string
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("discord channel_id is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Client = &http.Client{Timeout: 15 * time.Second}
	return &Discord{s: dg, channelID: strings.TrimSpace(cfg.ChannelID)}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, m notifier.Message) error {
	_, err := d.s.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Content: m.Text,
		// Device ids never ping anyone.
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return notifier.Permanent(err)
		}
	}
	return err
}
