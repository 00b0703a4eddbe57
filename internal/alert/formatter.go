// Package alert renders enriched listings into destination-agnostic messages.
package alert

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"market_watcher/internal/domain"
)

const (
	Color      = 0x09B1BA
	DateLayout = "02/01/2006, 15:04:05"
)

type Config struct {
	HomeCurrency       string
	HomeCurrencySymbol string
	Location           *time.Location
}

type Formatter struct {
	home     currency.Unit
	symbol   string
	location *time.Location
}

func NewFormatter(cfg Config) (*Formatter, error) {
	home, err := currency.ParseISO(cfg.HomeCurrency)
	if err != nil {
		return nil, fmt.Errorf("home currency %q: %w", cfg.HomeCurrency, err)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Formatter{
		home:     home,
		symbol:   cfg.HomeCurrencySymbol,
		location: loc,
	}, nil
}

// Format builds the alert for one enriched listing. Missing required fields
// yield an error wrapping domain.ErrFormat.
func (f *Formatter) Format(subscriptionID int64, item domain.EnrichedListing) (*domain.Alert, error) {
	l, d := item.Listing, item.Detail

	if missing := missingFields(l, d); len(missing) > 0 {
		return nil, fmt.Errorf("%w: listing %d missing %s", domain.ErrFormat, l.ID, strings.Join(missing, ", "))
	}

	price := f.money(l.Price, l.Currency)
	total := f.money(d.TotalPrice, l.Currency)

	published := time.Unix(l.Timestamp, 0).In(f.location).Format(DateLayout)

	return &domain.Alert{
		SubscriptionID: subscriptionID,
		ListingID:      l.ID,
		Title:          l.Title,
		URL:            l.URL,
		ImageURL:       l.ImageURL,
		Color:          Color,
		Author: domain.AlertAuthor{
			Name: "Posted by " + l.Seller.Login,
			URL:  l.Seller.ProfileURL,
		},
		Fields: []domain.AlertField{
			{Name: "💰 Price", Value: block(price + " | " + total + " incl. fees"), Inline: true},
			{Name: "📏 Condition", Value: block(d.Status), Inline: true},
			{Name: "⭐ Feedback", Value: block(fmt.Sprintf("👍 %d - 👎 %d", d.Feedback.Positive, d.Feedback.Negative)), Inline: true},
			{Name: "🏷️ Brand", Value: block(orDash(d.Brand)), Inline: true},
			{Name: "📐 Size", Value: block(orDash(l.Size)), Inline: true},
			{Name: "📍 Location", Value: block(location(d.City, d.Country)), Inline: true},
		},
		Footer: fmt.Sprintf("Published on %s • Subscription #%d", published, subscriptionID),
	}, nil
}

// money renders "12.0€" for the home currency and "12.0 USD" for the rest.
// Codes unknown to the ISO table are shown as given.
func (f *Formatter) money(amount, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount + " " + strings.ToUpper(strings.TrimSpace(code))
	}
	if unit == f.home && f.symbol != "" {
		return amount + f.symbol
	}
	return amount + " " + unit.String()
}

func missingFields(l domain.Listing, d domain.ListingDetail) []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}

	check("title", l.Title)
	check("url", l.URL)
	check("price", l.Price)
	check("currency", l.Currency)
	check("seller login", l.Seller.Login)
	check("total price", d.TotalPrice)
	check("status", d.Status)

	return missing
}

func location(city, country string) string {
	switch {
	case city == "" && country == "":
		return "-"
	case city == "":
		return country
	case country == "":
		return city
	}
	return city + " (" + country + ")"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func block(s string) string {
	return "```" + s + "```"
}
