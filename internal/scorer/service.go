package scorer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/model"
)

// Store is the persistence surface the scoring service reads and writes.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error)
	LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error)
	LatestVerdict(ctx context.Context, leadID string) (*model.Verdict, error)
	InsertScore(ctx context.Context, s *model.ScoreRecord) error
	AdvanceLeadStatus(ctx context.Context, id string, status model.LeadStatus) (bool, error)
}

// Service scores stored leads and appends the result.
type Service struct {
	store Store
}

// NewService creates a scoring Service.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// ScoreLead loads the latest signals for a lead, scores it, appends a
// ScoreRecord and marks the lead scored unless an operator has already
// moved it to a sales stage. Missing enrichment records count as no signal.
func (s *Service) ScoreLead(ctx context.Context, leadID string) (*model.ScoreRecord, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: load lead")
	}
	check, err := s.store.GetWebsiteCheck(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: load website check")
	}
	audit, err := s.store.LatestPerformanceAudit(ctx, leadID, model.StrategyMobile)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: load performance audit")
	}
	verdict, err := s.store.LatestVerdict(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: load verdict")
	}

	res := Score(SignalsFor(lead, check, audit, verdict))
	rec := &model.ScoreRecord{
		LeadID:    leadID,
		Score:     res.Score,
		Tier:      res.Tier,
		Breakdown: res.Breakdown,
	}
	if err := s.store.InsertScore(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "scorer: save score")
	}
	if _, err := s.store.AdvanceLeadStatus(ctx, leadID, model.LeadStatusScored); err != nil {
		return nil, eris.Wrap(err, "scorer: update lead status")
	}

	zap.L().Info("scorer: scored lead",
		zap.String("lead_id", leadID),
		zap.Int("score", rec.Score),
		zap.String("tier", string(rec.Tier)),
	)
	return rec, nil
}
