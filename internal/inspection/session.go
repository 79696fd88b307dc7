package inspection

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"inspectline/internal/checklist"
	"inspectline/internal/domain"
)

// Session is the mutable state of one inspection being filled in. It has a
// single writer; callers must not share it between editing contexts.
type Session struct {
	def       domain.Checklist
	index     map[string]checklist.Ref
	responses map[string]domain.ItemResponse
	findings  []domain.Finding
	policy    Policy

	Meta  domain.InspectionMeta
	Notes string
	NewID func() string
}

// NewSession starts a session with every item unchecked.
func NewSession(def domain.Checklist, p Policy) (*Session, error) {
	if err := checklist.Validate(def); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		def:    def,
		index:  checklist.Index(def),
		policy: p,
		NewID:  uuid.NewString,
	}
	s.reset()
	return s, nil
}

// Restore rebuilds a session from previously captured responses and findings.
// Responses must cover every item exactly once.
func Restore(def domain.Checklist, p Policy, responses []domain.ItemResponse, findings []domain.Finding) (*Session, error) {
	s, err := NewSession(def, p)
	if err != nil {
		return nil, err
	}
	serr := &StructureError{}
	seen := make(map[string]bool, len(responses))
	for _, r := range responses {
		if _, ok := s.index[r.ItemID]; !ok {
			serr.Unknown = append(serr.Unknown, r.ItemID)
			continue
		}
		if seen[r.ItemID] {
			serr.Duplicate = append(serr.Duplicate, r.ItemID)
			continue
		}
		seen[r.ItemID] = true
		if r.Status == "" {
			r.Status = domain.StatusUnchecked
		}
		if !r.Status.Valid() {
			return nil, fmt.Errorf("%w %q for item %s", ErrInvalidStatus, r.Status, r.ItemID)
		}
		s.responses[r.ItemID] = r
	}
	for _, id := range s.itemIDs() {
		if !seen[id] {
			serr.Missing = append(serr.Missing, id)
		}
	}
	if !serr.empty() {
		return nil, serr
	}
	for _, f := range findings {
		if _, ok := s.index[f.ItemID]; !ok {
			return nil, &StructureError{Unknown: []string{f.ItemID}}
		}
		if _, err := s.SaveFinding(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) Checklist() domain.Checklist { return s.def }

func (s *Session) Policy() Policy { return s.policy }

// SetStatus records the operator's answer. When the item becomes failed and
// has no open finding, a draft finding is returned for the operator to
// complete and pass to SaveFinding. Leaving the failed state never removes
// an existing finding.
func (s *Session) SetStatus(itemID string, status domain.ItemStatus) (*domain.Finding, error) {
	ref, ok := s.index[itemID]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownItem, itemID)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}
	r := s.responses[itemID]
	r.Status = status
	s.responses[itemID] = r
	if status != domain.StatusFail {
		return nil, nil
	}
	if _, open := s.FindingFor(itemID); open {
		return nil, nil
	}
	draft := s.draft(ref)
	return &draft, nil
}

func (s *Session) SetNotes(itemID, notes string) error {
	if _, ok := s.index[itemID]; !ok {
		return fmt.Errorf("%w %s", ErrUnknownItem, itemID)
	}
	r := s.responses[itemID]
	r.Notes = notes
	s.responses[itemID] = r
	return nil
}

func (s *Session) Response(itemID string) (domain.ItemResponse, bool) {
	r, ok := s.responses[itemID]
	return r, ok
}

// Responses returns one response per item in checklist order.
func (s *Session) Responses() []domain.ItemResponse {
	ids := s.itemIDs()
	out := make([]domain.ItemResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.responses[id])
	}
	return out
}

func (s *Session) draft(ref checklist.Ref) domain.Finding {
	return domain.Finding{
		ItemID:     ref.Item.ID,
		CategoryID: ref.Category.ID,
		ItemText:   ref.Item.Text,
		Severity:   s.policy.DefaultFindingSeverity,
	}
}

// SaveFinding appends a confirmed finding, or replaces the finding with the
// same id. Only one finding may be open per item.
func (s *Session) SaveFinding(f domain.Finding) (domain.Finding, error) {
	ref, ok := s.index[f.ItemID]
	if !ok {
		return domain.Finding{}, fmt.Errorf("%w %s", ErrUnknownItem, f.ItemID)
	}
	if f.Severity == "" {
		f.Severity = s.policy.DefaultFindingSeverity
	}
	if !f.Severity.Valid() {
		return domain.Finding{}, fmt.Errorf("invalid finding severity %q", f.Severity)
	}
	// snapshot fields always come from the definition
	f.CategoryID = ref.Category.ID
	f.ItemText = ref.Item.Text
	if f.ID != "" {
		for i, existing := range s.findings {
			if existing.ID != f.ID {
				continue
			}
			if existing.ItemID != f.ItemID {
				return domain.Finding{}, fmt.Errorf("finding %s belongs to item %s", f.ID, existing.ItemID)
			}
			s.findings[i] = f
			return f, nil
		}
	}
	if existing, open := s.FindingFor(f.ItemID); open {
		return domain.Finding{}, fmt.Errorf("%w %s (%s)", ErrFindingExists, f.ItemID, existing.ID)
	}
	if f.ID == "" {
		f.ID = s.NewID()
	}
	s.findings = append(s.findings, f)
	return f, nil
}

// ConfirmDrafts saves the default draft for every failed item that has no
// finding yet and returns the findings it added, in checklist order.
func (s *Session) ConfirmDrafts() ([]domain.Finding, error) {
	var added []domain.Finding
	for _, id := range s.itemIDs() {
		if s.responses[id].Status != domain.StatusFail {
			continue
		}
		if _, open := s.FindingFor(id); open {
			continue
		}
		f, err := s.SaveFinding(s.draft(s.index[id]))
		if err != nil {
			return nil, err
		}
		added = append(added, f)
	}
	return added, nil
}

// UpdateFinding edits an existing finding in place.
func (s *Session) UpdateFinding(f domain.Finding) (domain.Finding, error) {
	for _, existing := range s.findings {
		if existing.ID == f.ID {
			if f.ItemID == "" {
				f.ItemID = existing.ItemID
			}
			return s.SaveFinding(f)
		}
	}
	return domain.Finding{}, fmt.Errorf("%w %s", ErrFindingNotFound, f.ID)
}

func (s *Session) RemoveFinding(id string) error {
	for i, f := range s.findings {
		if f.ID == id {
			s.findings = append(s.findings[:i], s.findings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w %s", ErrFindingNotFound, id)
}

func (s *Session) FindingFor(itemID string) (domain.Finding, bool) {
	for _, f := range s.findings {
		if f.ItemID == itemID {
			return f, true
		}
	}
	return domain.Finding{}, false
}

func (s *Session) Findings() []domain.Finding {
	out := make([]domain.Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

func (s *Session) Stats() Stats {
	return s.Evaluate().Stats
}

func (s *Session) Evaluate() Evaluation {
	return Evaluate(s.def, s.responses, s.policy)
}

// CheckStructure verifies there is exactly one response per defined item.
func (s *Session) CheckStructure() error {
	serr := &StructureError{}
	for _, id := range s.itemIDs() {
		if _, ok := s.responses[id]; !ok {
			serr.Missing = append(serr.Missing, id)
		}
	}
	for id := range s.responses {
		if _, ok := s.index[id]; !ok {
			serr.Unknown = append(serr.Unknown, id)
		}
	}
	if serr.empty() {
		return nil
	}
	sort.Strings(serr.Unknown)
	return serr
}

// Reset discards all answers, findings and metadata.
func (s *Session) Reset() {
	s.reset()
}

func (s *Session) reset() {
	s.responses = make(map[string]domain.ItemResponse, len(s.index))
	for id := range s.index {
		s.responses[id] = domain.ItemResponse{ItemID: id, Status: domain.StatusUnchecked}
	}
	s.findings = nil
	s.Meta = domain.InspectionMeta{}
	s.Notes = ""
}

func (s *Session) itemIDs() []string {
	ids := make([]string, 0, len(s.index))
	for _, cat := range s.def.Categories {
		for _, it := range cat.Items {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
