package inspection

import (
	"fmt"
	"strings"
	"time"

	"inspectline/internal/checklist"
	"inspectline/internal/domain"
)

const dateLayout = "2006-01-02"

const (
	ResultPass             = "Pass"
	ResultPassDeficiencies = "Pass with deficiencies"
	ResultFail             = "Fail - remove from service"
)

// CheckMeta returns a ValidationError naming every missing or malformed field.
func CheckMeta(m domain.InspectionMeta) error {
	var fields []string
	if strings.TrimSpace(m.SubjectID) == "" {
		fields = append(fields, "subject_id")
	}
	if strings.TrimSpace(m.Location) == "" {
		fields = append(fields, "location")
	}
	if strings.TrimSpace(m.Operator) == "" {
		fields = append(fields, "operator")
	}
	if _, err := time.Parse(dateLayout, m.Date); err != nil {
		fields = append(fields, "date")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Submit converts the session into an immutable record. The session itself
// is left untouched so a failed persistence attempt can resubmit the record;
// call Reset once the record is stored.
func (s *Session) Submit(now time.Time) (domain.InspectionRecord, error) {
	if err := s.CheckStructure(); err != nil {
		return domain.InspectionRecord{}, err
	}
	ev := s.Evaluate()
	if ev.Verdict == domain.VerdictIncomplete {
		return domain.InspectionRecord{}, ErrIncomplete
	}
	if err := CheckMeta(s.Meta); err != nil {
		return domain.InspectionRecord{}, err
	}
	inspected, _ := time.Parse(dateLayout, s.Meta.Date)
	findings := s.Findings()
	return domain.InspectionRecord{
		ID:              s.NewID(),
		ChecklistType:   s.def.Type,
		SubjectID:       strings.TrimSpace(s.Meta.SubjectID),
		Location:        strings.TrimSpace(s.Meta.Location),
		Operator:        strings.TrimSpace(s.Meta.Operator),
		InspectedOn:     s.Meta.Date,
		Status:          ev.Verdict,
		Result:          ResultLabel(ev),
		Score:           ev.Score,
		Band:            ev.Band,
		Checklist:       s.snapshot(),
		Findings:        findings,
		DeficiencyCount: ev.Stats.Fail,
		FollowUpDate:    FollowUpDate(inspected, findings, s.policy),
		Notes:           s.Notes,
		CreatedAt:       now.UTC().Format(time.RFC3339),
	}, nil
}

// ResultLabel is the human readable outcome stored with a record.
func ResultLabel(ev Evaluation) string {
	switch {
	case ev.Verdict == domain.VerdictFail:
		return ResultFail
	case ev.Stats.Fail > 0:
		return ResultPassDeficiencies
	default:
		return ResultPass
	}
}

// FollowUpDate is the next day when any critical or high finding exists,
// FollowUpDays later for any other finding, and nil without findings.
func FollowUpDate(inspected time.Time, findings []domain.Finding, p Policy) *string {
	if len(findings) == 0 {
		return nil
	}
	days := p.FollowUpDays
	for _, f := range findings {
		if f.Severity.Rank() >= domain.SeverityHigh.Rank() {
			days = p.UrgentFollowUpDays
			break
		}
	}
	d := inspected.AddDate(0, 0, days).Format(dateLayout)
	return &d
}

func (s *Session) snapshot() []domain.SnapshotCategory {
	out := make([]domain.SnapshotCategory, 0, len(s.def.Categories))
	for _, cat := range s.def.Categories {
		sc := domain.SnapshotCategory{CategoryID: cat.ID, Name: cat.Name}
		for _, it := range cat.Items {
			r := s.responses[it.ID]
			sc.Items = append(sc.Items, domain.SnapshotItem{
				ItemID:   it.ID,
				Text:     it.Text,
				Critical: it.Critical,
				Status:   r.Status,
				Notes:    r.Notes,
			})
		}
		out = append(out, sc)
	}
	return out
}

// FromSnapshot recovers the definition and responses captured in a record.
func FromSnapshot(rec domain.InspectionRecord) (domain.Checklist, []domain.ItemResponse) {
	def := domain.Checklist{Type: rec.ChecklistType}
	var responses []domain.ItemResponse
	for _, sc := range rec.Checklist {
		cat := domain.ChecklistCategory{ID: sc.CategoryID, Name: sc.Name}
		for _, it := range sc.Items {
			cat.Items = append(cat.Items, domain.ChecklistItem{ID: it.ItemID, Text: it.Text, Critical: it.Critical})
			responses = append(responses, domain.ItemResponse{ItemID: it.ItemID, Status: it.Status, Notes: it.Notes})
		}
		def.Categories = append(def.Categories, cat)
	}
	return def, responses
}

// Rescore recomputes the evaluation of a stored record from its snapshot alone.
func Rescore(rec domain.InspectionRecord, p Policy) (Evaluation, error) {
	def, responses := FromSnapshot(rec)
	s, err := Restore(def, p, responses, nil)
	if err != nil {
		return Evaluation{}, err
	}
	return s.Evaluate(), nil
}

// CheckRecord verifies a record built elsewhere against its own snapshot.
// Status, result, score, band, deficiency count and follow-up date must be
// what the snapshot and findings produce under p, and every finding must
// describe an item of the snapshot.
func CheckRecord(rec domain.InspectionRecord, p Policy) (Evaluation, error) {
	ev, err := Rescore(rec, p)
	if err != nil {
		return Evaluation{}, err
	}
	if ev.Verdict == domain.VerdictIncomplete {
		return ev, ErrIncomplete
	}
	def, _ := FromSnapshot(rec)
	index := checklist.Index(def)
	seen := make(map[string]bool, len(rec.Findings))
	for _, f := range rec.Findings {
		ref, ok := index[f.ItemID]
		if !ok {
			return ev, &StructureError{Unknown: []string{f.ItemID}}
		}
		if seen[f.ItemID] {
			return ev, fmt.Errorf("%w %s", ErrFindingExists, f.ItemID)
		}
		seen[f.ItemID] = true
		switch {
		case strings.TrimSpace(f.ID) == "":
			return ev, fmt.Errorf("%w: finding for %s has no id", ErrRecordMismatch, f.ItemID)
		case !f.Severity.Valid():
			return ev, fmt.Errorf("%w: finding %s has severity %q", ErrRecordMismatch, f.ID, f.Severity)
		case f.CategoryID != ref.Category.ID || f.ItemText != ref.Item.Text:
			return ev, fmt.Errorf("%w: finding %s does not describe item %s", ErrRecordMismatch, f.ID, f.ItemID)
		}
	}
	inspected, err := time.Parse(dateLayout, rec.InspectedOn)
	if err != nil {
		return ev, &ValidationError{Fields: []string{"date"}}
	}
	var fields []string
	if rec.Status != ev.Verdict {
		fields = append(fields, "status")
	}
	if rec.Result != ResultLabel(ev) {
		fields = append(fields, "result")
	}
	if rec.Score != ev.Score {
		fields = append(fields, "score")
	}
	if rec.Band != ev.Band {
		fields = append(fields, "band")
	}
	if rec.DeficiencyCount != ev.Stats.Fail {
		fields = append(fields, "deficiency_count")
	}
	want := FollowUpDate(inspected, rec.Findings, p)
	if (want == nil) != (rec.FollowUpDate == nil) || (want != nil && *want != *rec.FollowUpDate) {
		fields = append(fields, "follow_up_date")
	}
	if len(fields) > 0 {
		return ev, fmt.Errorf("%w: %s", ErrRecordMismatch, strings.Join(fields, ", "))
	}
	return ev, nil
}
