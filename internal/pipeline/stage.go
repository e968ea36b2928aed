// Package pipeline chains the enrichment stages of a lead through the job
// queue.
package pipeline

import "encoding/base64"

// Stage names a unit of enrichment work.
type Stage string

const (
	StageDiscover            Stage = "DISCOVER"
	StageWebsiteCheck        Stage = "WEBSITE_CHECK"
	StagePerformanceAudit    Stage = "PERFORMANCE_AUDIT"
	StageScreenshot          Stage = "SCREENSHOT"
	StageLLMVerdict          Stage = "LLM_VERDICT"
	StageCompetitorBenchmark Stage = "COMPETITOR_BENCHMARK"
	StageScore               Stage = "SCORE"
)

// Stages lists every stage in chain order.
var Stages = []Stage{
	StageDiscover,
	StageWebsiteCheck,
	StagePerformanceAudit,
	StageScreenshot,
	StageLLMVerdict,
	StageCompetitorBenchmark,
	StageScore,
}

// Outcome is the result a handler reports for a job.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeWebsiteOK     Outcome = "website_ok"
	OutcomeWebsiteDown   Outcome = "website_down"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
)

// Transition keys the chain table.
type Transition struct {
	From    Stage
	Outcome Outcome
}

// Transitions is the enrichment DAG. A (stage, outcome) pair missing from
// the table is terminal.
var Transitions = map[Transition][]Stage{
	{StageDiscover, OutcomeDone}:            {StageWebsiteCheck},
	{StageWebsiteCheck, OutcomeWebsiteOK}:   {StagePerformanceAudit, StageScreenshot},
	{StageWebsiteCheck, OutcomeWebsiteDown}: {StageScore},
	{StageScreenshot, OutcomeDone}:          {StageLLMVerdict},
	{StageScreenshot, OutcomeSkipped}:       {StageLLMVerdict},
	{StageLLMVerdict, OutcomeDone}:          {StageScore, StageCompetitorBenchmark},
	{StageLLMVerdict, OutcomeSkipped}:       {StageScore, StageCompetitorBenchmark},
}

// Next returns the stages that follow from on outcome. quota_exceeded
// always ends the chain.
func Next(from Stage, outcome Outcome) []Stage {
	if outcome == OutcomeQuotaExceeded {
		return nil
	}
	return Transitions[Transition{From: from, Outcome: outcome}]
}

// DedupeKey is the queue dedupe key of a per-lead stage.
func DedupeKey(stage Stage, leadID string) string {
	return string(stage) + ":" + leadID
}

// DiscoverKey is the dedupe key of a discovery query.
func DiscoverKey(query string) string {
	return string(StageDiscover) + ":" + base64.StdEncoding.EncodeToString([]byte(query))
}
