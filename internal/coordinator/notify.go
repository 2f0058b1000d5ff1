package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const notifyTimeout = 10 * time.Second

// Notifier is the external notification collaborator. Calls are best-effort
// and fire-and-forget: a failure is logged by the caller and never affects
// the operation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// NopNotifier is used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }

// webhookExecutor abstracts the discordgo call so tests can run without
// Discord.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts human-readable messages to a Discord webhook.
type DiscordNotifier struct {
	webhookID string
	token     string
	session   webhookExecutor
}

// NewDiscordNotifier parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}

	// Webhook execution needs no bot token; the session only carries the
	// REST client.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordNotifier{
		webhookID: id,
		token:     token,
		session:   session,
	}, nil
}

func newDiscordNotifierWithExecutor(webhookURL string, exec webhookExecutor) (*DiscordNotifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	return &DiscordNotifier{webhookID: id, token: token, session: exec}, nil
}

func (n *DiscordNotifier) Notify(ctx context.Context, message string) error {
	_, err := n.session.WebhookExecute(n.webhookID, n.token, false,
		&discordgo.WebhookParams{Content: message},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("execute webhook: %w", err)
	}
	return nil
}

func parseWebhookURL(webhookURL string) (id, token string, err error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Expected path: api[/vN]/webhooks/{id}/{token}
	if len(parts) < 3 || parts[len(parts)-3] != "webhooks" {
		return "", "", fmt.Errorf("webhook url %q does not look like a discord webhook", webhookURL)
	}

	id = parts[len(parts)-2]
	token = parts[len(parts)-1]
	if id == "" || token == "" {
		return "", "", fmt.Errorf("webhook url %q is missing id or token", webhookURL)
	}
	return id, token, nil
}
