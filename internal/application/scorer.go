// Package application contains the evaluation engine: the ordered-candidate
// fallback loop over providers and the scoring of judge responses against
// the request's criteria.
package application

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-arbiter/internal/domain"
)

// fallbackConfidence is assigned when a judge response carries no parsable
// structured verdict and the raw text is used as the explanation.
const fallbackConfidence = 0.5

// referenceScoreKey names the deterministic similarity criterion added when
// the request carries a reference answer.
const referenceScoreKey = "reference_similarity"

// judgeSystemPrompt frames the judge model's role for every evaluation.
const judgeSystemPrompt = "You are an expert AI evaluator. " +
	"You judge model outputs strictly against the provided criteria and respond only in the requested JSON format."

// judgePromptTemplate is the structured evaluation prompt. The dimensions
// listed guide the judge toward a comprehensive verdict regardless of how
// narrow the caller's criteria are.
const judgePromptTemplate = `Evaluate the following model output against the specified criteria.

INPUT TEXT:
%s

OUTPUT TEXT:
%s

EVALUATION CRITERIA:
%s

Consider these evaluation dimensions where relevant:
relevance, accuracy, coherence, fluency, completeness, instruction following,
toxicity/bias, hallucination, robustness.

Respond in the following JSON format:
{
    "score": 0.85,
    "explanation": "Detailed evaluation explanation",
    "confidence": 0.9,
    "criteria_scores": {
        "relevance": 0.9,
        "accuracy": 0.8
    }
}
The score and all criteria scores must be between 0.0 and 1.0.`

// Scorer turns raw judge responses into verdicts. When the payload carries
// a reference answer, the verdict blends the judge's score with a
// Levenshtein similarity between the output and the reference.
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer { return &Scorer{} }

// BuildPrompt renders the judge prompt for a payload and criteria.
func (s *Scorer) BuildPrompt(payload domain.EvaluationPayload, criteria string) string {
	return fmt.Sprintf(judgePromptTemplate, payload.Input, payload.Output, criteria)
}

// SystemPrompt returns the judge system instruction.
func (s *Scorer) SystemPrompt() string { return judgeSystemPrompt }

// Score parses the judge response and produces the final verdict. A
// response with no extractable JSON falls back to the raw text as the
// explanation at fallbackConfidence. A reference answer, when present,
// contributes a deterministic similarity score averaged into the overall
// verdict and surfaced under the reference_similarity criterion.
func (s *Scorer) Score(response string, payload domain.EvaluationPayload) domain.Verdict {
	verdict := parseJudgeResponse(response)

	if payload.Reference != "" {
		sim := similarity(payload.Output, payload.Reference)
		if verdict.CriteriaScores == nil {
			verdict.CriteriaScores = make(map[string]float64, 1)
		}
		verdict.CriteriaScores[referenceScoreKey] = sim
		verdict.Score = clampScore((verdict.Score + sim) / 2)
	}

	return verdict
}

// judgePayload mirrors the JSON shape the judge is instructed to emit.
type judgePayload struct {
	Score          *float64           `json:"score"`
	Explanation    string             `json:"explanation"`
	Confidence     *float64           `json:"confidence"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
}

// parseJudgeResponse extracts the JSON verdict embedded in the response.
// Judges often wrap the JSON in prose or code fences, so the parser scans
// for the outermost brace pair rather than unmarshaling the whole response.
func parseJudgeResponse(response string) domain.Verdict {
	fallback := domain.Verdict{
		Score:       fallbackConfidence,
		Explanation: strings.TrimSpace(response),
		Confidence:  ptr(fallbackConfidence),
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return fallback
	}

	var parsed judgePayload
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return fallback
	}

	verdict := domain.Verdict{
		Explanation:    parsed.Explanation,
		Confidence:     parsed.Confidence,
		CriteriaScores: parsed.CriteriaScores,
	}
	if verdict.Explanation == "" {
		verdict.Explanation = fallback.Explanation
	}

	switch {
	case parsed.Score != nil:
		verdict.Score = clampScore(*parsed.Score)
	case len(parsed.CriteriaScores) > 0:
		verdict.Score = clampScore(meanScore(parsed.CriteriaScores))
	default:
		verdict.Score = fallbackConfidence
	}

	return verdict
}

// similarity computes a case-folded Levenshtein similarity in [0.0, 1.0].
// A fresh caser is built per comparison; cases.Caser is not safe for
// concurrent reuse.
func similarity(a, b string) float64 {
	a = cases.Fold().String(a)
	b = cases.Fold().String(b)

	if a == b {
		return 1.0
	}

	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1.0
	}

	dist := levenshtein.ComputeDistance(a, b)
	return clampScore(1.0 - float64(dist)/float64(longest))
}

func meanScore(scores map[string]float64) float64 {
	var sum float64
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores))
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr(v float64) *float64 { return &v }
