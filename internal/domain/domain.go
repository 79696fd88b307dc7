package domain

// ItemStatus is the operator's answer for one checklist item.
type ItemStatus string

const (
	StatusUnchecked     ItemStatus = "unchecked"
	StatusPass          ItemStatus = "pass"
	StatusFail          ItemStatus = "fail"
	StatusNotApplicable ItemStatus = "na"
)

// Valid reports whether s is one of the known statuses.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusUnchecked, StatusPass, StatusFail, StatusNotApplicable:
		return true
	}
	return false
}

// Severity grades a finding. Ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, or -1 when unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

func (s Severity) Valid() bool { return s.Rank() >= 0 }

// RiskLevel is the bucketed label of a likelihood x severity score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordinal of the level, or -1 when unknown.
func (l RiskLevel) Rank() int {
	return Severity(l).Rank()
}

func (l RiskLevel) Valid() bool { return l.Rank() >= 0 }

// Verdict is the overall outcome of an inspection.
type Verdict string

const (
	VerdictIncomplete Verdict = "incomplete"
	VerdictPass       Verdict = "pass"
	VerdictFail       Verdict = "fail"
)

// Band is the display grade derived from the score.
type Band string

const (
	BandPass        Band = "pass"
	BandConditional Band = "conditional"
	BandFail        Band = "fail"
)

type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Critical bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
}

type ChecklistCategory struct {
	ID    string          `json:"id" yaml:"id"`
	Name  string          `json:"name" yaml:"name"`
	Items []ChecklistItem `json:"items" yaml:"items"`
}

// Checklist is an immutable inspection definition for one inspection type.
type Checklist struct {
	Type       string              `json:"type" yaml:"type"`
	Name       string              `json:"name" yaml:"name"`
	Categories []ChecklistCategory `json:"categories" yaml:"categories"`
}

// TotalItems counts items across all categories.
func (c Checklist) TotalItems() int {
	n := 0
	for _, cat := range c.Categories {
		n += len(cat.Items)
	}
	return n
}

type ItemResponse struct {
	ItemID string     `json:"item_id" yaml:"item_id"`
	Status ItemStatus `json:"status" yaml:"status"`
	Notes  string     `json:"notes,omitempty" yaml:"notes,omitempty"`
}

type Finding struct {
	ID               string   `json:"id,omitempty" yaml:"id,omitempty"`
	ItemID           string   `json:"item_id" yaml:"item_id"`
	CategoryID       string   `json:"category_id,omitempty" yaml:"category_id,omitempty"`
	ItemText         string   `json:"item_text,omitempty" yaml:"item_text,omitempty"`
	Severity         Severity `json:"severity,omitempty" yaml:"severity,omitempty" enum:"low,medium,high,critical"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	CorrectiveAction string   `json:"corrective_action,omitempty" yaml:"corrective_action,omitempty"`
}

type InspectionMeta struct {
	SubjectID string `json:"subject_id" yaml:"subject_id"`
	Location  string `json:"location" yaml:"location"`
	Operator  string `json:"operator" yaml:"operator"`
	Date      string `json:"date" yaml:"date" format:"date"`
}

type SnapshotItem struct {
	ItemID   string     `json:"item_id"`
	Text     string     `json:"text"`
	Critical bool       `json:"critical,omitempty"`
	Status   ItemStatus `json:"status"`
	Notes    string     `json:"notes,omitempty"`
}

type SnapshotCategory struct {
	CategoryID string         `json:"category_id"`
	Name       string         `json:"name"`
	Items      []SnapshotItem `json:"items"`
}

// InspectionRecord is the immutable result of a submitted inspection session.
type InspectionRecord struct {
	ID              string             `json:"id"`
	ChecklistType   string             `json:"checklist_type"`
	SubjectID       string             `json:"subject_id"`
	Location        string             `json:"location"`
	Operator        string             `json:"operator"`
	InspectedOn     string             `json:"inspected_on" format:"date"`
	Status          Verdict            `json:"status" enum:"pass,fail"`
	Result          string             `json:"result"`
	Score           int                `json:"score"`
	Band            Band               `json:"band" enum:"pass,conditional,fail"`
	Checklist       []SnapshotCategory `json:"checklist"`
	Findings        []Finding          `json:"findings"`
	DeficiencyCount int                `json:"deficiency_count"`
	FollowUpDate    *string            `json:"follow_up_date,omitempty" format:"date"`
	Notes           string             `json:"notes,omitempty"`
	SubmittedBy     string             `json:"submitted_by,omitempty"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
}

const (
	ServiceIn  = "in_service"
	ServiceOut = "out_of_service"
)

// Subject is a piece of inspected equipment or a location and its service status.
type Subject struct {
	ID               string `json:"id"`
	ChecklistType    string `json:"checklist_type"`
	Location         string `json:"location,omitempty"`
	ServiceStatus    string `json:"service_status" enum:"in_service,out_of_service"`
	LastInspectionID string `json:"last_inspection_id,omitempty"`
	LastInspectedOn  string `json:"last_inspected_on,omitempty" format:"date"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type HazardItem struct {
	ID               string     `json:"id" yaml:"id"`
	Hazard           string     `json:"hazard" yaml:"hazard"`
	Controls         string     `json:"controls,omitempty" yaml:"controls,omitempty"`
	LikelihoodBefore int        `json:"likelihood_before" yaml:"likelihood_before"`
	SeverityBefore   int        `json:"severity_before" yaml:"severity_before"`
	LikelihoodAfter  *int       `json:"likelihood_after,omitempty" yaml:"likelihood_after,omitempty"`
	SeverityAfter    *int       `json:"severity_after,omitempty" yaml:"severity_after,omitempty"`
	RiskScoreBefore  int        `json:"risk_score_before" yaml:"-"`
	RiskLevelBefore  RiskLevel  `json:"risk_level_before" yaml:"-"`
	RiskScoreAfter   *int       `json:"risk_score_after,omitempty" yaml:"-"`
	RiskLevelAfter   *RiskLevel `json:"risk_level_after,omitempty" yaml:"-"`
}

// Mitigated reports whether an after-mitigation rating is recorded.
func (h HazardItem) Mitigated() bool {
	return h.LikelihoodAfter != nil && h.SeverityAfter != nil
}

type HazardAssessment struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Location          string       `json:"location,omitempty"`
	Assessor          string       `json:"assessor,omitempty"`
	AssessedOn        string       `json:"assessed_on,omitempty" format:"date"`
	Items             []HazardItem `json:"items"`
	OverallRiskLevel  RiskLevel    `json:"overall_risk_level,omitempty"`
	ResidualRiskLevel *RiskLevel   `json:"residual_risk_level,omitempty"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
