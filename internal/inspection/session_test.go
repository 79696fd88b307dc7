package inspection

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"inspectline/internal/domain"
)

// buildChecklist returns a single-category checklist with n items where the
// ids listed in critical are flagged critical.
func buildChecklist(n int, critical ...string) domain.Checklist {
	crit := map[string]bool{}
	for _, id := range critical {
		crit[id] = true
	}
	cat := domain.ChecklistCategory{ID: "cat", Name: "Category"}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("i%d", i)
		cat.Items = append(cat.Items, domain.ChecklistItem{ID: id, Text: "Item " + id, Critical: crit[id]})
	}
	return domain.Checklist{Type: "test", Name: "Test", Categories: []domain.ChecklistCategory{cat}}
}

func newTestSession(t *testing.T, def domain.Checklist) *Session {
	t.Helper()
	s, err := NewSession(def, DefaultPolicy())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	n := 0
	s.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return s
}

func setAll(t *testing.T, s *Session, status domain.ItemStatus) {
	t.Helper()
	for _, r := range s.Responses() {
		if _, err := s.SetStatus(r.ItemID, status); err != nil {
			t.Fatalf("set %s: %v", r.ItemID, err)
		}
	}
}

func TestNewSessionStartsUnchecked(t *testing.T) {
	s := newTestSession(t, buildChecklist(4))
	ev := s.Evaluate()
	if ev.Stats.Total != 4 || ev.Stats.Unchecked != 4 {
		t.Fatalf("unexpected stats %+v", ev.Stats)
	}
	if ev.Stats.ProgressPercent != 0 || ev.Score != 0 {
		t.Fatalf("expected zero progress and score, got %+v", ev)
	}
	if ev.Verdict != domain.VerdictIncomplete {
		t.Fatalf("verdict = %s", ev.Verdict)
	}
}

func TestProgressPercent(t *testing.T) {
	s := newTestSession(t, buildChecklist(3))
	if _, err := s.SetStatus("i1", domain.StatusPass); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().ProgressPercent; got != 33 {
		t.Fatalf("progress = %d, want 33", got)
	}
	if _, err := s.SetStatus("i2", domain.StatusNotApplicable); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().ProgressPercent; got != 67 {
		t.Fatalf("progress = %d, want 67", got)
	}
	if _, err := s.SetStatus("i3", domain.StatusPass); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().ProgressPercent; got != 100 {
		t.Fatalf("progress = %d, want 100", got)
	}
	if _, err := s.SetStatus("i3", domain.StatusUnchecked); err != nil {
		t.Fatal(err)
	}
	ev := s.Evaluate()
	if ev.Stats.ProgressPercent == 100 || ev.Verdict != domain.VerdictIncomplete {
		t.Fatalf("expected incomplete after unchecking, got %+v", ev)
	}
}

func TestEmptyChecklistEvaluatesWithoutDivision(t *testing.T) {
	ev := Evaluate(domain.Checklist{Type: "empty"}, nil, DefaultPolicy())
	if ev.Stats.ProgressPercent != 0 || ev.Score != 0 {
		t.Fatalf("unexpected evaluation %+v", ev)
	}
}

func TestCriticalFailureForcesFail(t *testing.T) {
	s := newTestSession(t, buildChecklist(16, "i16"))
	setAll(t, s, domain.StatusPass)
	if _, err := s.SetStatus("i16", domain.StatusFail); err != nil {
		t.Fatal(err)
	}
	ev := s.Evaluate()
	if ev.Verdict != domain.VerdictFail {
		t.Fatalf("verdict = %s, want fail", ev.Verdict)
	}
	if ev.CriticalFailed != 1 {
		t.Fatalf("critical failed = %d", ev.CriticalFailed)
	}
	// 15/16 rounds to 94: the score stays in the pass band while the verdict fails.
	if ev.Score != 94 || ev.Band != domain.BandPass {
		t.Fatalf("score/band = %d/%s", ev.Score, ev.Band)
	}
}

func TestNonCriticalFailureSlack(t *testing.T) {
	s := newTestSession(t, buildChecklist(10))
	setAll(t, s, domain.StatusPass)
	for _, id := range []string{"i1", "i2"} {
		if _, err := s.SetStatus(id, domain.StatusFail); err != nil {
			t.Fatal(err)
		}
	}
	ev := s.Evaluate()
	if ev.Verdict != domain.VerdictPass {
		t.Fatalf("two failures: verdict = %s, want pass", ev.Verdict)
	}
	if ev.Score != 80 || ev.Band != domain.BandConditional {
		t.Fatalf("score/band = %d/%s", ev.Score, ev.Band)
	}
	if ResultLabel(ev) != ResultPassDeficiencies {
		t.Fatalf("label = %s", ResultLabel(ev))
	}
	if _, err := s.SetStatus("i3", domain.StatusFail); err != nil {
		t.Fatal(err)
	}
	ev = s.Evaluate()
	if ev.Verdict != domain.VerdictFail {
		t.Fatalf("three failures: verdict = %s, want fail", ev.Verdict)
	}
	if ResultLabel(ev) != ResultFail {
		t.Fatalf("label = %s", ResultLabel(ev))
	}
}

func TestScoreIgnoresNotApplicable(t *testing.T) {
	s := newTestSession(t, buildChecklist(4))
	setAll(t, s, domain.StatusNotApplicable)
	ev := s.Evaluate()
	if ev.Score != 0 || ev.Verdict != domain.VerdictPass {
		t.Fatalf("all NA: %+v", ev)
	}
	if _, err := s.SetStatus("i1", domain.StatusPass); err != nil {
		t.Fatal(err)
	}
	if got := s.Evaluate().Score; got != 100 {
		t.Fatalf("score = %d, want 100", got)
	}
}

func TestScoreBounds(t *testing.T) {
	statuses := []domain.ItemStatus{domain.StatusUnchecked, domain.StatusPass, domain.StatusFail, domain.StatusNotApplicable}
	def := buildChecklist(3, "i1")
	for _, a := range statuses {
		for _, b := range statuses {
			for _, c := range statuses {
				responses := map[string]domain.ItemResponse{
					"i1": {ItemID: "i1", Status: a},
					"i2": {ItemID: "i2", Status: b},
					"i3": {ItemID: "i3", Status: c},
				}
				ev := Evaluate(def, responses, DefaultPolicy())
				if ev.Score < 0 || ev.Score > 100 {
					t.Fatalf("score %d out of range for %v/%v/%v", ev.Score, a, b, c)
				}
				incomplete := a == domain.StatusUnchecked || b == domain.StatusUnchecked || c == domain.StatusUnchecked
				if incomplete != (ev.Verdict == domain.VerdictIncomplete) {
					t.Fatalf("incomplete mismatch for %v/%v/%v: %s", a, b, c, ev.Verdict)
				}
				if !incomplete && a == domain.StatusFail && ev.Verdict != domain.VerdictFail {
					t.Fatalf("critical failure not enforced for %v/%v/%v", a, b, c)
				}
			}
		}
	}
}

func TestFailDraftIsIdempotent(t *testing.T) {
	s := newTestSession(t, buildChecklist(3, "i2"))
	draft, err := s.SetStatus("i2", domain.StatusFail)
	if err != nil {
		t.Fatal(err)
	}
	if draft == nil {
		t.Fatalf("expected draft finding")
	}
	if draft.Severity != domain.SeverityHigh || draft.Description != "" || draft.CorrectiveAction != "" {
		t.Fatalf("unexpected draft defaults %+v", draft)
	}
	if draft.ItemText != "Item i2" || draft.CategoryID != "cat" {
		t.Fatalf("draft snapshot fields %+v", draft)
	}
	draft.Description = "valve stuck"
	saved, err := s.SaveFinding(*draft)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected finding id")
	}

	again, err := s.SetStatus("i2", domain.StatusFail)
	if err != nil || again != nil {
		t.Fatalf("re-failing must not draft again: %v %v", again, err)
	}
	if _, err := s.SetStatus("i2", domain.StatusPass); err != nil {
		t.Fatal(err)
	}
	if len(s.Findings()) != 1 {
		t.Fatalf("finding must survive leaving fail, got %d", len(s.Findings()))
	}
	if again, _ := s.SetStatus("i2", domain.StatusFail); again != nil {
		t.Fatalf("open finding must suppress new draft")
	}
	if err := s.RemoveFinding(saved.ID); err != nil {
		t.Fatal(err)
	}
	if again, _ := s.SetStatus("i2", domain.StatusFail); again == nil {
		t.Fatalf("expected a new draft after the finding was removed")
	}
}

func TestSaveFindingRejectsSecondFindingForItem(t *testing.T) {
	s := newTestSession(t, buildChecklist(2))
	draft, _ := s.SetStatus("i1", domain.StatusFail)
	first, err := s.SaveFinding(*draft)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveFinding(*draft); !errors.Is(err, ErrFindingExists) {
		t.Fatalf("expected ErrFindingExists, got %v", err)
	}
	first.Severity = domain.SeverityCritical
	first.CorrectiveAction = "replace"
	if _, err := s.UpdateFinding(first); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.FindingFor("i1")
	if got.Severity != domain.SeverityCritical || got.CorrectiveAction != "replace" {
		t.Fatalf("update not applied: %+v", got)
	}
	if err := s.RemoveFinding("nope"); !errors.Is(err, ErrFindingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.SaveFinding(domain.Finding{ItemID: "i2", Severity: "extreme"}); err == nil {
		t.Fatalf("expected invalid severity error")
	}
}

func TestSaveFindingTakesItemFieldsFromDefinition(t *testing.T) {
	def := buildChecklist(2)
	responses := []domain.ItemResponse{{ItemID: "i1", Status: domain.StatusFail}, {ItemID: "i2", Status: domain.StatusPass}}
	s, err := Restore(def, DefaultPolicy(), responses, []domain.Finding{{
		ItemID:     "i1",
		CategoryID: "no-such-category",
		ItemText:   "totally different text",
		Severity:   domain.SeverityMedium,
	}})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, ok := s.FindingFor("i1")
	if !ok {
		t.Fatalf("finding not saved")
	}
	if got.CategoryID != "cat" || got.ItemText != "Item i1" || got.Severity != domain.SeverityMedium {
		t.Fatalf("finding = %+v", got)
	}

	got.CategoryID = "other"
	got.ItemText = "edited"
	updated, err := s.UpdateFinding(got)
	if err != nil {
		t.Fatal(err)
	}
	if updated.CategoryID != "cat" || updated.ItemText != "Item i1" {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestConfirmDraftsFillsFailuresWithoutFinding(t *testing.T) {
	s := newTestSession(t, buildChecklist(4))
	setAll(t, s, domain.StatusPass)
	draft, _ := s.SetStatus("i1", domain.StatusFail)
	draft.Severity = domain.SeverityLow
	if _, err := s.SaveFinding(*draft); err != nil {
		t.Fatal(err)
	}
	_, _ = s.SetStatus("i3", domain.StatusFail)
	_, _ = s.SetStatus("i4", domain.StatusFail)

	added, err := s.ConfirmDrafts()
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 || added[0].ItemID != "i3" || added[1].ItemID != "i4" {
		t.Fatalf("added = %+v", added)
	}
	for _, f := range added {
		if f.Severity != domain.SeverityHigh || f.ID == "" || f.CategoryID != "cat" {
			t.Fatalf("default finding = %+v", f)
		}
	}
	if first, _ := s.FindingFor("i1"); first.Severity != domain.SeverityLow {
		t.Fatalf("existing finding changed: %+v", first)
	}
	if again, err := s.ConfirmDrafts(); err != nil || len(again) != 0 {
		t.Fatalf("second confirm = %+v, %v", again, err)
	}
}

func TestSetStatusRejectsUnknownItemAndStatus(t *testing.T) {
	s := newTestSession(t, buildChecklist(1))
	if _, err := s.SetStatus("zzz", domain.StatusPass); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected unknown item, got %v", err)
	}
	if _, err := s.SetStatus("i1", "maybe"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestRestoreStructureErrors(t *testing.T) {
	def := buildChecklist(2)
	cases := map[string][]domain.ItemResponse{
		"missing":   {{ItemID: "i1", Status: domain.StatusPass}},
		"unknown":   {{ItemID: "i1"}, {ItemID: "i2"}, {ItemID: "x"}},
		"duplicate": {{ItemID: "i1"}, {ItemID: "i1"}, {ItemID: "i2"}},
	}
	for name, responses := range cases {
		_, err := Restore(def, DefaultPolicy(), responses, nil)
		var serr *StructureError
		if !errors.As(err, &serr) {
			t.Fatalf("%s: expected StructureError, got %v", name, err)
		}
	}
	_, err := Restore(def, DefaultPolicy(), []domain.ItemResponse{{ItemID: "i1"}, {ItemID: "i2"}},
		[]domain.Finding{{ItemID: "x"}})
	var serr *StructureError
	if !errors.As(err, &serr) {
		t.Fatalf("finding for unknown item: expected StructureError, got %v", err)
	}
}

func TestSubmitBlockedWhenIncomplete(t *testing.T) {
	s := newTestSession(t, buildChecklist(2))
	s.Meta = domain.InspectionMeta{SubjectID: "FL-1", Location: "Dock", Operator: "Sam", Date: "2024-03-01"}
	if _, err := s.SetStatus("i1", domain.StatusPass); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(time.Now()); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestSubmitRequiresMetadata(t *testing.T) {
	s := newTestSession(t, buildChecklist(1))
	setAll(t, s, domain.StatusPass)
	s.Meta = domain.InspectionMeta{Location: "Dock", Date: "03/01/2024"}
	_, err := s.Submit(time.Now())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"subject_id", "operator", "date"}
	if fmt.Sprint(verr.Fields) != fmt.Sprint(want) {
		t.Fatalf("fields = %v, want %v", verr.Fields, want)
	}
}

func TestSubmitBuildsRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		severity domain.Severity
		fail     bool
		want     *string
	}{
		{name: "no findings", want: nil},
		{name: "high finding", fail: true, severity: domain.SeverityHigh, want: strPtr("2024-03-02")},
		{name: "critical finding", fail: true, severity: domain.SeverityCritical, want: strPtr("2024-03-02")},
		{name: "medium finding", fail: true, severity: domain.SeverityMedium, want: strPtr("2024-03-08")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t, buildChecklist(4, "i4"))
			s.Meta = domain.InspectionMeta{SubjectID: "FL-1", Location: "Dock", Operator: "Sam", Date: "2024-03-01"}
			s.Notes = "monthly"
			setAll(t, s, domain.StatusPass)
			if tc.fail {
				draft, err := s.SetStatus("i1", domain.StatusFail)
				if err != nil {
					t.Fatal(err)
				}
				draft.Severity = tc.severity
				if _, err := s.SaveFinding(*draft); err != nil {
					t.Fatal(err)
				}
			}
			rec, err := s.Submit(now)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if rec.Status != domain.VerdictPass {
				t.Fatalf("status = %s", rec.Status)
			}
			if (rec.FollowUpDate == nil) != (tc.want == nil) {
				t.Fatalf("follow-up = %v, want %v", rec.FollowUpDate, tc.want)
			}
			if tc.want != nil && *rec.FollowUpDate != *tc.want {
				t.Fatalf("follow-up = %s, want %s", *rec.FollowUpDate, *tc.want)
			}
			wantDeficiencies := 0
			if tc.fail {
				wantDeficiencies = 1
			}
			if rec.DeficiencyCount != wantDeficiencies || len(rec.Findings) != wantDeficiencies {
				t.Fatalf("deficiencies = %d findings = %d", rec.DeficiencyCount, len(rec.Findings))
			}
			if rec.CreatedAt != "2024-03-01T09:00:00Z" || rec.Notes != "monthly" || rec.ChecklistType != "test" {
				t.Fatalf("unexpected record %+v", rec)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestSession(t, buildChecklist(6, "i6"))
	s.Meta = domain.InspectionMeta{SubjectID: "L-7", Location: "Stores", Operator: "Ana", Date: "2024-05-10"}
	setAll(t, s, domain.StatusPass)
	_, _ = s.SetStatus("i2", domain.StatusNotApplicable)
	draft, _ := s.SetStatus("i3", domain.StatusFail)
	if _, err := s.SaveFinding(*draft); err != nil {
		t.Fatal(err)
	}
	if err := s.SetNotes("i3", "bent rung"); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Submit(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var loaded domain.InspectionRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatal(err)
	}
	_, responses := FromSnapshot(loaded)
	for _, r := range responses {
		orig, _ := s.Response(r.ItemID)
		if orig != r {
			t.Fatalf("response %s changed: %+v vs %+v", r.ItemID, orig, r)
		}
	}
	ev, err := Rescore(loaded, DefaultPolicy())
	if err != nil {
		t.Fatalf("rescore: %v", err)
	}
	if ev.Score != rec.Score || ev.Verdict != rec.Status || ev.Band != rec.Band {
		t.Fatalf("rescore mismatch: %+v vs record %d/%s/%s", ev, rec.Score, rec.Status, rec.Band)
	}
}

func TestCheckRecordRejectsContradictions(t *testing.T) {
	s := newTestSession(t, buildChecklist(5, "i5"))
	s.Meta = domain.InspectionMeta{SubjectID: "L-7", Location: "Stores", Operator: "Ana", Date: "2024-05-10"}
	setAll(t, s, domain.StatusPass)
	draft, _ := s.SetStatus("i2", domain.StatusFail)
	if _, err := s.SaveFinding(*draft); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Submit(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CheckRecord(rec, DefaultPolicy()); err != nil {
		t.Fatalf("submitted record: %v", err)
	}

	cases := map[string]func(r *domain.InspectionRecord){
		"score":     func(r *domain.InspectionRecord) { r.Score = 100 },
		"status":    func(r *domain.InspectionRecord) { r.Status = domain.VerdictFail },
		"follow-up": func(r *domain.InspectionRecord) { r.FollowUpDate = nil },
		"category":  func(r *domain.InspectionRecord) { r.Findings[0].CategoryID = "elsewhere" },
		"severity":  func(r *domain.InspectionRecord) { r.Findings[0].Severity = "extreme" },
	}
	for name, tamper := range cases {
		bad := rec
		bad.Findings = append([]domain.Finding(nil), rec.Findings...)
		tamper(&bad)
		if _, err := CheckRecord(bad, DefaultPolicy()); !errors.Is(err, ErrRecordMismatch) {
			t.Fatalf("%s: expected ErrRecordMismatch, got %v", name, err)
		}
	}

	orphan := rec
	orphan.Findings = append([]domain.Finding(nil), rec.Findings...)
	orphan.Findings[0].ItemID = "x"
	var serr *StructureError
	if _, err := CheckRecord(orphan, DefaultPolicy()); !errors.As(err, &serr) {
		t.Fatalf("unknown item: expected StructureError, got %v", err)
	}
}

func TestResetDiscardsState(t *testing.T) {
	s := newTestSession(t, buildChecklist(2))
	draft, _ := s.SetStatus("i1", domain.StatusFail)
	_, _ = s.SaveFinding(*draft)
	s.Notes = "x"
	s.Meta.SubjectID = "S"
	s.Reset()
	if s.Stats().Unchecked != 2 || len(s.Findings()) != 0 || s.Notes != "" || s.Meta.SubjectID != "" {
		t.Fatalf("reset left state behind")
	}
	if err := s.CheckStructure(); err != nil {
		t.Fatalf("structure after reset: %v", err)
	}
}

func TestPolicyValidateAndBands(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	if p.BandFor(90) != domain.BandPass || p.BandFor(89) != domain.BandConditional || p.BandFor(69) != domain.BandFail {
		t.Fatalf("band boundaries wrong")
	}
	bad := p
	bad.ConditionalBand = 95
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected band ordering error")
	}
	bad = p
	bad.DefaultFindingSeverity = "urgent"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected severity error")
	}
}

func strPtr(s string) *string { return &s }
