package api

import "github.com/rwa-market/pricesync/internal/model"

// QuotesResponse from GET /quotes
type QuotesResponse struct {
	Quotes []model.WireQuote `json:"quotes"`
}
