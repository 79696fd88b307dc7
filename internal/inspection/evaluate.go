package inspection

import (
	"math"

	"inspectline/internal/domain"
)

type Stats struct {
	Total           int `json:"total"`
	Unchecked       int `json:"unchecked"`
	Pass            int `json:"pass"`
	Fail            int `json:"fail"`
	NA              int `json:"na"`
	Checked         int `json:"checked"`
	ProgressPercent int `json:"progress_percent"`
}

// Evaluation is everything derived from the response state.
type Evaluation struct {
	Stats          Stats          `json:"stats"`
	CriticalFailed int            `json:"critical_failed"`
	Verdict        domain.Verdict `json:"verdict" enum:"incomplete,pass,fail"`
	Score          int            `json:"score"`
	Band           domain.Band    `json:"band" enum:"pass,conditional,fail"`
}

// Evaluate derives completion, score and verdict. Items without a response
// count as unchecked; structural checks happen before this is called.
func Evaluate(def domain.Checklist, responses map[string]domain.ItemResponse, p Policy) Evaluation {
	var ev Evaluation
	for _, cat := range def.Categories {
		for _, it := range cat.Items {
			ev.Stats.Total++
			switch responses[it.ID].Status {
			case domain.StatusPass:
				ev.Stats.Pass++
			case domain.StatusFail:
				ev.Stats.Fail++
				if it.Critical {
					ev.CriticalFailed++
				}
			case domain.StatusNotApplicable:
				ev.Stats.NA++
			default:
				ev.Stats.Unchecked++
			}
		}
	}
	ev.Stats.Checked = ev.Stats.Total - ev.Stats.Unchecked
	ev.Stats.ProgressPercent = percent(ev.Stats.Checked, ev.Stats.Total)

	ev.Score = percent(ev.Stats.Pass, ev.Stats.Checked-ev.Stats.NA)
	ev.Band = p.BandFor(ev.Score)

	switch {
	case ev.Stats.Checked < ev.Stats.Total:
		ev.Verdict = domain.VerdictIncomplete
	case ev.CriticalFailed > 0:
		ev.Verdict = domain.VerdictFail
	case ev.Stats.Fail > p.MaxNonCriticalFailures:
		ev.Verdict = domain.VerdictFail
	default:
		ev.Verdict = domain.VerdictPass
	}
	return ev
}

func percent(n, d int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(d)))
}
