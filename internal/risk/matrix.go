// Package risk scores hazards as likelihood x severity and buckets the score
// into the four risk levels shared by every consumer.
package risk

import (
	"errors"
	"fmt"

	"inspectline/internal/domain"
)

var ErrRatingOutOfScale = errors.New("rating out of scale")

// Scale is the inclusive range of ordinal likelihood and severity ratings.
type Scale struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Bucket maps scores up to MaxScore (inclusive) onto Level.
type Bucket struct {
	MaxScore int              `json:"max_score" yaml:"max_score"`
	Level    domain.RiskLevel `json:"level" yaml:"level" enum:"low,medium,high,critical"`
}

// Matrix is the single score-to-level table. Buckets are ordered by MaxScore.
type Matrix struct {
	Scale   Scale    `json:"scale" yaml:"scale"`
	Buckets []Bucket `json:"buckets" yaml:"buckets"`
}

// Rating is the outcome of scoring one likelihood/severity pair.
type Rating struct {
	Score int              `json:"score"`
	Level domain.RiskLevel `json:"level"`
}

// DefaultMatrix uses a 1-5 scale: <=4 low, <=10 medium, <=15 high, above critical.
func DefaultMatrix() Matrix {
	return Matrix{
		Scale: Scale{Min: 1, Max: 5},
		Buckets: []Bucket{
			{MaxScore: 4, Level: domain.RiskLow},
			{MaxScore: 10, Level: domain.RiskMedium},
			{MaxScore: 15, Level: domain.RiskHigh},
			{MaxScore: 25, Level: domain.RiskCritical},
		},
	}
}

// Validate enforces a monotonic table covering every reachable score.
func (m Matrix) Validate() error {
	if m.Scale.Min < 1 || m.Scale.Max < m.Scale.Min {
		return fmt.Errorf("invalid rating scale %d..%d", m.Scale.Min, m.Scale.Max)
	}
	if len(m.Buckets) == 0 {
		return errors.New("risk matrix needs at least one bucket")
	}
	prevScore, prevRank := 0, -1
	for i, b := range m.Buckets {
		if !b.Level.Valid() {
			return fmt.Errorf("bucket %d: unknown level %q", i, b.Level)
		}
		if i > 0 && b.MaxScore <= prevScore {
			return fmt.Errorf("bucket %d: max_score %d must exceed %d", i, b.MaxScore, prevScore)
		}
		if b.Level.Rank() < prevRank {
			return fmt.Errorf("bucket %d: level %s lower than previous bucket", i, b.Level)
		}
		prevScore, prevRank = b.MaxScore, b.Level.Rank()
	}
	if top := m.Scale.Max * m.Scale.Max; prevScore < top {
		return fmt.Errorf("last bucket max_score %d does not cover %d", prevScore, top)
	}
	return nil
}

// Level buckets a score. Scores beyond the table take the last level.
func (m Matrix) Level(score int) domain.RiskLevel {
	for _, b := range m.Buckets {
		if score <= b.MaxScore {
			return b.Level
		}
	}
	return m.Buckets[len(m.Buckets)-1].Level
}

func (m Matrix) Rate(likelihood, severity int) (Rating, error) {
	if err := m.check("likelihood", likelihood); err != nil {
		return Rating{}, err
	}
	if err := m.check("severity", severity); err != nil {
		return Rating{}, err
	}
	score := likelihood * severity
	return Rating{Score: score, Level: m.Level(score)}, nil
}

func (m Matrix) check(name string, v int) error {
	if v < m.Scale.Min || v > m.Scale.Max {
		return fmt.Errorf("%s %d: %w %d..%d", name, v, ErrRatingOutOfScale, m.Scale.Min, m.Scale.Max)
	}
	return nil
}

// ScoreItem fills the derived before/after fields of a hazard item.
func (m Matrix) ScoreItem(h *domain.HazardItem) error {
	before, err := m.Rate(h.LikelihoodBefore, h.SeverityBefore)
	if err != nil {
		return fmt.Errorf("before mitigation: %w", err)
	}
	h.RiskScoreBefore = before.Score
	h.RiskLevelBefore = before.Level
	h.RiskScoreAfter, h.RiskLevelAfter = nil, nil
	if (h.LikelihoodAfter == nil) != (h.SeverityAfter == nil) {
		return errors.New("after mitigation: likelihood and severity must be given together")
	}
	if !h.Mitigated() {
		return nil
	}
	after, err := m.Rate(*h.LikelihoodAfter, *h.SeverityAfter)
	if err != nil {
		return fmt.Errorf("after mitigation: %w", err)
	}
	h.RiskScoreAfter = &after.Score
	h.RiskLevelAfter = &after.Level
	return nil
}

// Assess scores every item and sets the assessment aggregates. The residual
// level is only present once every item has an after-mitigation rating.
func (m Matrix) Assess(a *domain.HazardAssessment) error {
	for i := range a.Items {
		if err := m.ScoreItem(&a.Items[i]); err != nil {
			return fmt.Errorf("hazard %d: %w", i+1, err)
		}
	}
	a.OverallRiskLevel = ""
	a.ResidualRiskLevel = nil
	if len(a.Items) == 0 {
		return nil
	}
	before := make([]domain.RiskLevel, 0, len(a.Items))
	after := make([]domain.RiskLevel, 0, len(a.Items))
	for _, it := range a.Items {
		before = append(before, it.RiskLevelBefore)
		if it.RiskLevelAfter != nil {
			after = append(after, *it.RiskLevelAfter)
		}
	}
	a.OverallRiskLevel = MaxLevel(before...)
	if len(after) == len(a.Items) {
		residual := MaxLevel(after...)
		a.ResidualRiskLevel = &residual
	}
	return nil
}

// MaxLevel is the ordinal maximum; one severe hazard dominates any number of minor ones.
func MaxLevel(levels ...domain.RiskLevel) domain.RiskLevel {
	var out domain.RiskLevel
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}
