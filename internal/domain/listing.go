package domain

// Listing is one search result as returned by the marketplace.
type Listing struct {
	ID        int64
	Title     string
	URL       string
	Price     string
	Currency  string
	Size      string
	Promoted  bool
	Timestamp int64 // capture time in unix seconds, used as recency proxy
	Seller    Seller
	ImageURL  string
}

type Seller struct {
	Login      string
	ProfileURL string
}

// ListingDetail carries the data only available from the item endpoint.
type ListingDetail struct {
	TotalPrice string
	Status     string
	Brand      string
	Feedback   Feedback
	City       string
	Country    string
}

type Feedback struct {
	Positive int
	Negative int
	Total    int
}

// EnrichedListing is a candidate that passed enrichment and filtering.
type EnrichedListing struct {
	Listing Listing
	Detail  ListingDetail
}
