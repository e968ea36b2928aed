// Package anthropic wraps anthropic-sdk-go with the small message surface
// the verdict stage needs: a cached system prompt and one user turn that
// carries screenshots ahead of the text.
package anthropic

import (
	"context"
	"encoding/base64"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client sends one Messages API request.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is a single Messages API call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is one system prompt block. A non-empty CacheTTL ("5m" or
// "1h") places a prompt cache breakpoint after it.
type SystemBlock struct {
	Text     string
	CacheTTL string
}

// CachedSystem is a system prompt shared by every lead, cached for an hour.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheTTL: "1h"}}
}

// Message is one conversation turn. Images are sent before Content.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Image is raw image bytes and their media type.
type Image struct {
	MediaType string
	Data      []byte
}

// PNG wraps PNG bytes.
func PNG(data []byte) Image { return Image{MediaType: "image/png", Data: data} }

// MessageResponse is the model reply.
type MessageResponse struct {
	ID         string
	Model      string
	StopReason string
	Content    []ContentBlock
	Usage      Usage
}

// ContentBlock is one reply block. Only text blocks carry Text.
type ContentBlock struct {
	Type string
	Text string
}

// Text joins the text blocks of the reply.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Usage is the token accounting of one call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

type price struct{ in, out float64 }

// USD per million tokens.
var prices = map[string]price{
	"claude-haiku-4-5-20251001":  {1, 5},
	"claude-sonnet-4-5-20250929": {3, 15},
	"claude-opus-4-1-20250805":   {15, 75},
}

// CostUSD estimates the cost of u on model. Cache writes bill at 1.25x
// and cache reads at 0.1x the input price. Unknown models cost 0.
func (u Usage) CostUSD(model string) float64 {
	p, ok := prices[model]
	if !ok {
		return 0
	}
	in := float64(u.Input) + 1.25*float64(u.CacheWrite) + 0.1*float64(u.CacheRead)
	return (in*p.in + float64(u.Output)*p.out) / 1e6
}

// Log records u and its estimated cost against a pipeline stage.
func (u Usage) Log(model, stage string) {
	zap.L().Info("anthropic: usage",
		zap.String("model", model),
		zap.String("stage", stage),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", u.CostUSD(model)),
	)
}

type sdkClient struct {
	api sdk.Client
}

// NewClient returns a Client backed by the SDK. opts are appended after the
// API key, so tests can point option.WithBaseURL at an httptest server.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkClient{api: sdk.NewClient(all...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.api.Messages.New(ctx, req.params())
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return responseFrom(msg), nil
}

func (r MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(r.Model),
		MaxTokens: r.MaxTokens,
		Messages:  make([]sdk.MessageParam, len(r.Messages)),
	}
	for i, m := range r.Messages {
		p.Messages[i] = m.param()
	}
	for _, b := range r.System {
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.CacheTTL != "" {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(b.CacheTTL)
			tb.CacheControl = cc
		}
		p.System = append(p.System, tb)
	}
	if r.Temperature != nil {
		p.Temperature = sdk.Float(*r.Temperature)
	}
	return p
}

func (m Message) param() sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Images)+1)
	for _, img := range m.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, sdk.NewTextBlock(m.Content))

	if m.Role == "assistant" {
		return sdk.NewAssistantMessage(blocks...)
	}
	return sdk.NewUserMessage(blocks...)
}

func responseFrom(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}
