package marketplace

import (
	"encoding/json"
	"fmt"
)

// catalogResponse is the body of the catalog search endpoint.
type catalogResponse struct {
	Items *[]apiItem `json:"items"`
}

type apiItem struct {
	ID        *int64    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Price     apiPrice  `json:"price"`
	Currency  string    `json:"currency"`
	SizeTitle string    `json:"size_title"`
	Promoted  bool      `json:"promoted"`
	Photo     *apiPhoto `json:"photo"`
	User      apiUser   `json:"user"`
}

type apiPhoto struct {
	URL            string             `json:"url"`
	HighResolution *apiHighResolution `json:"high_resolution"`
}

type apiHighResolution struct {
	Timestamp *int64 `json:"timestamp"`
}

type apiUser struct {
	Login      string `json:"login"`
	ProfileURL string `json:"profile_url"`
}

// itemResponse is the body of the single item endpoint.
type itemResponse struct {
	Item *apiItemDetail `json:"item"`
}

type apiItemDetail struct {
	TotalItemPrice apiPrice       `json:"total_item_price"`
	Status         string         `json:"status"`
	Brand          string         `json:"brand"`
	User           *apiDetailUser `json:"user"`
}

type apiDetailUser struct {
	FeedbackCount         *int   `json:"feedback_count"`
	PositiveFeedbackCount int    `json:"positive_feedback_count"`
	NegativeFeedbackCount int    `json:"negative_feedback_count"`
	City                  string `json:"city"`
	CountryTitle          string `json:"country_title"`
}

// apiPrice accepts both the legacy plain string ("12.0") and the
// {"amount": "12.0", "currency_code": "EUR"} object form. The amount may be
// quoted or a bare number.
type apiPrice struct {
	Amount       string
	CurrencyCode string
}

func (p *apiPrice) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Amount = s
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		p.Amount = n.String()
		return nil
	}

	var obj struct {
		Amount       json.Number `json:"amount"`
		CurrencyCode string      `json:"currency_code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	p.Amount = obj.Amount.String()
	p.CurrencyCode = obj.CurrencyCode
	return nil
}
