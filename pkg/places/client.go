// Package places is a small client for the Google Places API (v1).
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

const searchFieldMask = "places.id,places.displayName,places.primaryType,nextPageToken"

// DetailsFields is the field mask requested for place details.
var DetailsFields = []string{
	"id",
	"displayName",
	"primaryType",
	"websiteUri",
	"nationalPhoneNumber",
	"formattedAddress",
	"rating",
	"userRatingCount",
	"googleMapsUri",
	"location",
	"reviews",
}

// Client performs Google Places API operations.
type Client interface {
	SearchText(ctx context.Context, query, pageToken string) (*SearchResponse, error)
	GetDetails(ctx context.Context, placeID string) (*Details, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SearchResponse is one page of Text Search results.
type SearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Place is a Text Search hit.
type Place struct {
	ID          string      `json:"id"`
	DisplayName DisplayName `json:"displayName"`
	PrimaryType string      `json:"primaryType,omitempty"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Details is the place details payload.
type Details struct {
	ID                  string      `json:"id"`
	DisplayName         DisplayName `json:"displayName"`
	PrimaryType         string      `json:"primaryType,omitempty"`
	WebsiteURI          string      `json:"websiteUri,omitempty"`
	NationalPhoneNumber string      `json:"nationalPhoneNumber,omitempty"`
	FormattedAddress    string      `json:"formattedAddress,omitempty"`
	Rating              *float64    `json:"rating,omitempty"`
	UserRatingCount     *int        `json:"userRatingCount,omitempty"`
	GoogleMapsURI       string      `json:"googleMapsUri,omitempty"`
	Location            *LatLng     `json:"location,omitempty"`
	Reviews             []Review    `json:"reviews,omitempty"`
}

// Review is a listing review.
type Review struct {
	Rating            float64     `json:"rating"`
	Text              LocalText   `json:"text"`
	OriginalText      LocalText   `json:"originalText"`
	AuthorAttribution Attribution `json:"authorAttribution"`
	PublishTime       string      `json:"publishTime,omitempty"`
}

// LocalText is text with its language.
type LocalText struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// Attribution names a review author.
type Attribution struct {
	DisplayName string `json:"displayName"`
	URI         string `json:"uri,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithDoer overrides the default http.Client, typically with a rate-limited
// retrying client.
func WithDoer(d Doer) Option {
	return func(c *httpClient) {
		c.http = d
	}
}

// WithRegion sets the region and language codes sent with searches.
func WithRegion(regionCode, languageCode string) Option {
	return func(c *httpClient) {
		if regionCode != "" {
			c.regionCode = regionCode
		}
		if languageCode != "" {
			c.languageCode = languageCode
		}
	}
}

type httpClient struct {
	apiKey       string
	baseURL      string
	regionCode   string
	languageCode string
	http         Doer
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		regionCode:   "MY",
		languageCode: "en",
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchRequest struct {
	TextQuery    string `json:"textQuery"`
	RegionCode   string `json:"regionCode,omitempty"`
	LanguageCode string `json:"languageCode,omitempty"`
	PageToken    string `json:"pageToken,omitempty"`
}

func (c *httpClient) SearchText(ctx context.Context, query, pageToken string) (*SearchResponse, error) {
	body, err := json.Marshal(searchRequest{
		TextQuery:    query,
		RegionCode:   c.regionCode,
		LanguageCode: c.languageCode,
		PageToken:    pageToken,
	})
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-FieldMask", searchFieldMask)

	var result SearchResponse
	if err := c.do(req, &result); err != nil {
		return nil, eris.Wrapf(err, "places: search %q", query)
	}
	return &result, nil
}

func (c *httpClient) GetDetails(ctx context.Context, placeID string) (*Details, error) {
	if placeID == "" {
		return nil, eris.New("places: empty place id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/places/"+url.PathEscape(placeID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}
	req.Header.Set("X-Goog-FieldMask", strings.Join(DetailsFields, ","))

	var result Details
	if err := c.do(req, &result); err != nil {
		return nil, eris.Wrapf(err, "places: details %s", placeID)
	}
	return &result, nil
}

func (c *httpClient) do(req *http.Request, out any) error {
	req.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}
