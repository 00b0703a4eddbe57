package domain

// Alert is a destination-agnostic rendering of an enriched listing.
type Alert struct {
	SubscriptionID int64        `json:"subscription_id"`
	ListingID      int64        `json:"listing_id"`
	Title          string       `json:"title"`
	URL            string       `json:"url"`
	ImageURL       string       `json:"image_url,omitempty"`
	Color          int          `json:"color"`
	Author         AlertAuthor  `json:"author"`
	Fields         []AlertField `json:"fields"`
	Footer         string       `json:"footer"`
}

type AlertAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type AlertField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}
