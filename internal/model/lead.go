package model

import (
	"strings"
	"time"
)

// LeadStatus is a free-form sales-stage label.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusEnriching LeadStatus = "enriching"
	LeadStatusScored    LeadStatus = "scored"
)

// PipelineStatuses are the labels the enrichment pipeline sets itself. Any
// other value was chosen by an operator and is left alone.
var PipelineStatuses = []LeadStatus{LeadStatusNew, LeadStatusEnriching, LeadStatusScored}

// Lead is a discovered business under analysis.
type Lead struct {
	ID          string            `json:"id"`
	PlaceID     string            `json:"place_id"`
	Name        string            `json:"name"`
	Category    string            `json:"category,omitempty"`
	Lat         *float64          `json:"lat,omitempty"`
	Lng         *float64          `json:"lng,omitempty"`
	Rating      *float64          `json:"rating,omitempty"`
	ReviewCount *int              `json:"review_count,omitempty"`
	WebsiteURL  *string           `json:"website_url,omitempty"`
	Phone       *string           `json:"phone,omitempty"`
	Address     string            `json:"address,omitempty"`
	MapsURL     string            `json:"maps_url,omitempty"`
	Socials     map[string]string `json:"socials,omitempty"`
	Reviews     []Review          `json:"reviews,omitempty"`
	Status      LeadStatus        `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Review is a public listing review kept for verdict context.
type Review struct {
	Author string  `json:"author,omitempty"`
	Rating float64 `json:"rating"`
	Text   string  `json:"text"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (l *Lead) HasCoordinates() bool {
	return l.Lat != nil && l.Lng != nil
}

// Website returns the claimed website URL, or "" when absent.
func (l *Lead) Website() string {
	if l.WebsiteURL == nil {
		return ""
	}
	return strings.TrimSpace(*l.WebsiteURL)
}

// RatingValue returns the star rating or 0.
func (l *Lead) RatingValue() float64 {
	if l.Rating == nil {
		return 0
	}
	return *l.Rating
}

// ReviewCountValue returns the rating count or 0.
func (l *Lead) ReviewCountValue() int {
	if l.ReviewCount == nil {
		return 0
	}
	return *l.ReviewCount
}

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Status   LeadStatus `json:"status,omitempty"`
	Category string     `json:"category,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// BBox represents a geographic bounding box.
type BBox struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}
