package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/scorer"
	"github.com/sells-group/lead-enrich/internal/website"
)

func fixed(outcome Outcome, ids ...string) HandlerFunc {
	return func(context.Context, *queue.Job) (Outcome, []string, error) {
		return outcome, ids, nil
	}
}

func queuedStages(t *testing.T, m *queue.Memory) []string {
	t.Helper()
	var out []string
	for _, j := range m.Jobs(queue.StatusQueued) {
		out = append(out, j.Stage+":"+j.LeadID)
	}
	sort.Strings(out)
	return out
}

func TestOrchestrator_Handle_Branches(t *testing.T) {
	tests := []struct {
		name    string
		stage   Stage
		outcome Outcome
		ids     []string
		want    []string
	}{
		{
			name:    "website down enqueues exactly one score",
			stage:   StageWebsiteCheck,
			outcome: OutcomeWebsiteDown,
			want:    []string{"SCORE:lead-1"},
		},
		{
			name:    "website ok enqueues audit and screenshot",
			stage:   StageWebsiteCheck,
			outcome: OutcomeWebsiteOK,
			want:    []string{"PERFORMANCE_AUDIT:lead-1", "SCREENSHOT:lead-1"},
		},
		{
			name:    "verdict enqueues score and benchmark",
			stage:   StageLLMVerdict,
			outcome: OutcomeDone,
			want:    []string{"COMPETITOR_BENCHMARK:lead-1", "SCORE:lead-1"},
		},
		{
			name:    "quota exceeded enqueues nothing",
			stage:   StageScreenshot,
			outcome: OutcomeQuotaExceeded,
		},
		{
			name:    "discover fans out to unchecked leads",
			stage:   StageDiscover,
			outcome: OutcomeDone,
			ids:     []string{"a", "b"},
			want:    []string{"WEBSITE_CHECK:a", "WEBSITE_CHECK:b"},
		},
		{
			name:    "discover with no unchecked leads enqueues nothing",
			stage:   StageDiscover,
			outcome: OutcomeDone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := queue.NewMemory(3)
			o := NewOrchestrator(m, map[Stage]HandlerFunc{tt.stage: fixed(tt.outcome, tt.ids...)})

			leadID := "lead-1"
			if tt.stage == StageDiscover {
				leadID = ""
			}
			err := o.Handle(context.Background(), &queue.Job{ID: "j1", Stage: string(tt.stage), LeadID: leadID})
			require.NoError(t, err)
			assert.Equal(t, tt.want, queuedStages(t, m))
		})
	}
}

func TestOrchestrator_Handle_ErrorEnqueuesNothing(t *testing.T) {
	m := queue.NewMemory(3)
	o := NewOrchestrator(m, map[Stage]HandlerFunc{
		StageWebsiteCheck: func(context.Context, *queue.Job) (Outcome, []string, error) {
			return "", nil, errors.New("db gone")
		},
	})

	err := o.Handle(context.Background(), &queue.Job{Stage: string(StageWebsiteCheck), LeadID: "l1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db gone")
	assert.Empty(t, queuedStages(t, m))
}

func TestOrchestrator_Handle_UnknownStage(t *testing.T) {
	o := NewOrchestrator(queue.NewMemory(3), nil)
	err := o.Handle(context.Background(), &queue.Job{Stage: "SEND_EMAIL"})
	assert.Error(t, err)
}

func TestOrchestrator_TriggerDedupes(t *testing.T) {
	ctx := context.Background()
	m := queue.NewMemory(3)
	o := NewOrchestrator(m, nil)

	added, err := o.Trigger(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = o.Trigger(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = o.Trigger(ctx, "")
	assert.Error(t, err)
}

func TestOrchestrator_EnqueueDiscover(t *testing.T) {
	ctx := context.Background()
	m := queue.NewMemory(3)
	o := NewOrchestrator(m, nil)

	added, err := o.EnqueueDiscover(ctx, "dentist")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = o.EnqueueDiscover(ctx, "dentist")
	require.NoError(t, err)
	assert.False(t, added)

	jobs := m.Jobs(queue.StatusQueued)
	require.Len(t, jobs, 1)
	assert.Equal(t, "DISCOVER:ZGVudGlzdA==", jobs[0].DedupeKey)
	assert.Equal(t, "dentist", jobs[0].Payload[PayloadQuery])

	_, err = o.EnqueueDiscover(ctx, "")
	assert.Error(t, err)
}

// A lead without a website runs WEBSITE_CHECK then SCORE and nothing else.
func TestPipeline_NoWebsiteChain(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := queue.NewMemory(3)

	lead := &model.Lead{PlaceID: "p1", Name: "Kedai Runcit", Rating: model.Ptr(4.6), ReviewCount: model.Ptr(80)}
	_, err := st.UpsertLead(ctx, lead)
	require.NoError(t, err)

	h := NewHandlers(Deps{
		Store:   st,
		Checker: website.NewChecker(http.DefaultClient, st),
		Scorer:  scorer.NewService(st),
	}, Settings{})
	o := NewOrchestrator(m, h.Funcs())

	_, err = o.Trigger(ctx, lead.ID)
	require.NoError(t, err)

	var ran []string
	for {
		job, err := m.Claim(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		ran = append(ran, job.Stage)
		require.NoError(t, o.Handle(ctx, job))
		require.NoError(t, m.Complete(ctx, job.ID))
	}

	assert.Equal(t, []string{"WEBSITE_CHECK", "SCORE"}, ran)

	check, err := st.GetWebsiteCheck(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebsiteNoWebsite, check.Status)

	rec, err := st.LatestScore(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 60, rec.Score)
}
