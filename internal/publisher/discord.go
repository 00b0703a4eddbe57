package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"market_watcher/internal/domain"
)

// Discord posts alerts as embeds into the channel named by the destination.
type Discord struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

type DiscordConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewDiscord(cfg DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		logger:     logger,
	}
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title  string              `json:"title"`
	URL    string              `json:"url,omitempty"`
	Color  int                 `json:"color"`
	Image  *discordImage       `json:"image,omitempty"`
	Author *discordAuthor      `json:"author,omitempty"`
	Fields []discordEmbedField `json:"fields,omitempty"`
	Footer *discordFooter      `json:"footer,omitempty"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func toEmbed(a *domain.Alert) discordEmbed {
	e := discordEmbed{
		Title: a.Title,
		URL:   a.URL,
		Color: a.Color,
	}
	if a.ImageURL != "" {
		e.Image = &discordImage{URL: a.ImageURL}
	}
	if a.Author.Name != "" {
		e.Author = &discordAuthor{Name: a.Author.Name, URL: a.Author.URL}
	}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, discordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if a.Footer != "" {
		e.Footer = &discordFooter{Text: a.Footer}
	}
	return e
}

func (d *Discord) Deliver(ctx context.Context, destination string, alert *domain.Alert) error {
	body, err := json.Marshal(discordMessage{Embeds: []discordEmbed{toEmbed(alert)}})
	if err != nil {
		return fmt.Errorf("%w: marshal embed: %v", domain.ErrDeliveryOther, err)
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", d.baseURL, url.PathEscape(destination))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrDeliveryOther, err)
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %v", domain.ErrDeliveryOther, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.logger.Debug("posted alert",
			"destination", destination,
			"listing_id", alert.ListingID,
		)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: channel %s: %s", domain.ErrDeliveryPermissionDenied, destination, snippet)
	case http.StatusNotFound:
		return fmt.Errorf("%w: channel %s: %s", domain.ErrDeliveryNotFound, destination, snippet)
	case http.StatusTooManyRequests:
		err := fmt.Errorf("%w: channel %s: rate limited: %s", domain.ErrDeliveryOther, destination, snippet)
		if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return &domain.RetryAfterError{Wait: wait, Err: err}
		}
		return err
	default:
		return fmt.Errorf("%w: channel %s: status %d: %s", domain.ErrDeliveryOther, destination, resp.StatusCode, snippet)
	}
}

// retryAfter parses a Retry-After header given in (possibly fractional) seconds.
func retryAfter(header string) (time.Duration, bool) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func (d *Discord) Close() error {
	d.httpClient.CloseIdleConnections()
	return nil
}
