package inspection

import (
	"errors"
	"fmt"

	"inspectline/internal/domain"
)

// Policy holds the thresholds shared by verdicts, scoring bands, findings and follow-ups.
type Policy struct {
	MaxNonCriticalFailures int
	PassBand               int
	ConditionalBand        int
	DefaultFindingSeverity domain.Severity
	UrgentFollowUpDays     int
	FollowUpDays           int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxNonCriticalFailures: 2,
		PassBand:               90,
		ConditionalBand:        70,
		DefaultFindingSeverity: domain.SeverityHigh,
		UrgentFollowUpDays:     1,
		FollowUpDays:           7,
	}
}

func (p Policy) Validate() error {
	if p.MaxNonCriticalFailures < 0 {
		return errors.New("max_non_critical_failures must be >= 0")
	}
	if p.PassBand < 0 || p.PassBand > 100 || p.ConditionalBand < 0 || p.ConditionalBand > 100 {
		return errors.New("score bands must be within 0..100")
	}
	if p.ConditionalBand > p.PassBand {
		return fmt.Errorf("conditional_band %d exceeds pass_band %d", p.ConditionalBand, p.PassBand)
	}
	if !p.DefaultFindingSeverity.Valid() {
		return fmt.Errorf("default_finding_severity %q is not one of low, medium, high, critical", p.DefaultFindingSeverity)
	}
	if p.UrgentFollowUpDays < 0 || p.FollowUpDays < 0 {
		return errors.New("follow-up days must be >= 0")
	}
	return nil
}

// BandFor grades a score for display. It is independent of the verdict.
func (p Policy) BandFor(score int) domain.Band {
	switch {
	case score >= p.PassBand:
		return domain.BandPass
	case score >= p.ConditionalBand:
		return domain.BandConditional
	default:
		return domain.BandFail
	}
}
