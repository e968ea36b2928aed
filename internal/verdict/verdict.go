// Package verdict asks a vision model whether a lead's website warrants a
// sales pitch and validates the structured answer.
package verdict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/pkg/anthropic"
)

// MaxListItems caps reasons and quick wins.
const MaxListItems = 6

// MaxReviews caps the reviews included as context.
const MaxReviews = 5

// SystemPrompt instructs the model to return a single JSON verdict.
const SystemPrompt = `You audit the websites of local businesses to find sales leads for web design, SEO and booking services.

You receive a mobile and a desktop screenshot of the site, its connection status, PageSpeed scores and a few customer reviews.
Judge visual quality, trust signals, mobile usability and technical health, then decide whether the business should be pitched.

Reply with one JSON object and nothing else:
{
  "needs_intervention": boolean,
  "severity": "low" | "medium" | "high",
  "reasons": string[],
  "quick_wins": string[],
  "offer_angle": "website_redesign" | "landing_page" | "booking_whatsapp" | "seo_basics" | "unknown"
}

Rules:
- needs_intervention is true when the design is dated, broken or not responsive, and false when the site looks modern and professional.
- reasons lists concrete failures, most important first, at most 6.
- quick_wins lists concrete fixes, at most 6.
- offer_angle: website_redesign for dated or unattractive sites; landing_page when information is very sparse; booking_whatsapp when the site is fine but has no clear call to action or booking flow; seo_basics when the site is fine but PageSpeed or SEO scores are poor.`

// Input is the evidence sent with a verdict request.
type Input struct {
	WebsiteURL string
	MobilePNG  []byte
	DesktopPNG []byte
	Check      *model.WebsiteCheckResult
	Audit      *model.PerformanceAudit
	Reviews    []model.Review
}

// Generator produces verdicts with an Anthropic model.
type Generator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewGenerator creates a Generator.
func NewGenerator(client anthropic.Client, modelName string, maxTokens int64) *Generator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Generator{client: client, model: modelName, maxTokens: maxTokens}
}

// Generate sends the screenshots and context to the model and returns the
// parsed verdict. The verdict is not persisted.
func (g *Generator) Generate(ctx context.Context, in Input) (*model.Verdict, error) {
	if len(in.MobilePNG) == 0 || len(in.DesktopPNG) == 0 {
		return nil, eris.New("verdict: both screenshots are required")
	}

	prompt, err := UserPrompt(in)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    anthropic.CachedSystem(SystemPrompt),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: prompt,
			Images:  []anthropic.Image{anthropic.PNG(in.MobilePNG), anthropic.PNG(in.DesktopPNG)},
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "verdict: generate")
	}
	resp.Usage.Log(g.model, "llm_verdict")

	v, err := Parse(resp.Text())
	if err != nil {
		return nil, err
	}
	v.ModelName = resp.Model
	if v.ModelName == "" {
		v.ModelName = g.model
	}
	return v, nil
}

type promptContext struct {
	URL          string         `json:"url,omitempty"`
	WebsiteCheck *checkContext  `json:"website_check,omitempty"`
	PageSpeed    map[string]any `json:"pagespeed_mobile"`
	Reviews      []model.Review `json:"reviews,omitempty"`
}

type checkContext struct {
	Status      model.WebsiteStatus `json:"status"`
	HTTPS       bool                `json:"https"`
	ResolvedURL string              `json:"resolved_url,omitempty"`
}

// UserPrompt renders the text part of the request.
func UserPrompt(in Input) (string, error) {
	pc := promptContext{URL: in.WebsiteURL}
	if in.Check != nil {
		pc.WebsiteCheck = &checkContext{
			Status:      in.Check.Status,
			HTTPS:       in.Check.HTTPS,
			ResolvedURL: in.Check.ResolvedURL,
		}
	}
	if in.Audit != nil {
		pc.PageSpeed = map[string]any{
			"performance":    in.Audit.Performance,
			"seo":            in.Audit.SEO,
			"accessibility":  in.Audit.Accessibility,
			"best_practices": in.Audit.BestPractices,
		}
	} else {
		pc.PageSpeed = map[string]any{"note": "no PageSpeed data"}
	}
	if len(in.Reviews) > MaxReviews {
		pc.Reviews = in.Reviews[:MaxReviews]
	} else {
		pc.Reviews = in.Reviews
	}

	b, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "verdict: marshal context")
	}
	return fmt.Sprintf("The first image is the mobile view and the second is the desktop view.\n\nContext:\n%s", b), nil
}

type rawVerdict struct {
	NeedsIntervention *bool    `json:"needs_intervention"`
	Severity          string   `json:"severity"`
	Reasons           []string `json:"reasons"`
	QuickWins         []string `json:"quick_wins"`
	OfferAngle        string   `json:"offer_angle"`
}

var severities = map[model.Severity]bool{
	model.SeverityLow:    true,
	model.SeverityMedium: true,
	model.SeverityHigh:   true,
}

var offerAngles = map[model.OfferAngle]bool{
	model.OfferWebsiteRedesign: true,
	model.OfferLandingPage:     true,
	model.OfferBookingWhatsApp: true,
	model.OfferSEOBasics:       true,
	model.OfferUnknown:         true,
}

// Parse validates a model reply. needs_intervention and a known severity
// are required. An unrecognized offer angle becomes "unknown". Lists are
// trimmed to MaxListItems.
func Parse(text string) (*model.Verdict, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("verdict: empty response")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrap(err, "verdict: decode response")
	}
	if raw.NeedsIntervention == nil {
		return nil, eris.New("verdict: needs_intervention missing")
	}

	sev := model.Severity(strings.ToLower(strings.TrimSpace(raw.Severity)))
	if !severities[sev] {
		return nil, eris.Errorf("verdict: invalid severity %q", raw.Severity)
	}

	angle := model.OfferAngle(strings.ToLower(strings.TrimSpace(raw.OfferAngle)))
	if !offerAngles[angle] {
		zap.L().Debug("verdict: unrecognized offer angle", zap.String("offer_angle", raw.OfferAngle))
		angle = model.OfferUnknown
	}

	return &model.Verdict{
		NeedsIntervention: *raw.NeedsIntervention,
		Severity:          sev,
		Reasons:           cleanList(raw.Reasons),
		QuickWins:         cleanList(raw.QuickWins),
		OfferAngle:        angle,
	}, nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, min(len(items), MaxListItems))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == MaxListItems {
			break
		}
	}
	return out
}

// cleanJSON strips markdown fences and extracts the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
