package domain

import "fmt"

// Level names an approval tier. Numbering descends as authority ascends:
// level3 is the division dean, level2 the VP for Business, level1 the Provost.
type Level string

const (
	LevelNone Level = ""
	Level3    Level = "level3"
	Level2    Level = "level2"
	Level1    Level = "level1"
)

// ParseLevel accepts the stored/wire form of a level. "none" and "" both map to LevelNone.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "none":
		return LevelNone, nil
	case string(Level3):
		return Level3, nil
	case string(Level2):
		return Level2, nil
	case string(Level1):
		return Level1, nil
	}
	return LevelNone, fmt.Errorf("invalid level %q", s)
}

func (l Level) String() string {
	if l == LevelNone {
		return "none"
	}
	return string(l)
}

const (
	ProposalTypeNew          = "New"
	ProposalTypeRevised      = "Revised"
	ProposalTypeResubmission = "Resubmission"
	ProposalTypeOther        = "Other"
)

type Proposal struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	Department    string  `json:"department"`
	ProposalType  string  `json:"proposal_type" enum:"New,Revised,Resubmission,Other"`
	Title         string  `json:"title"`
	FundingAgency string  `json:"funding_agency,omitempty"`
	FundingSource string  `json:"funding_source,omitempty"`
	GrantDeadline string  `json:"grant_deadline,omitempty" format:"date"`
	StartDate     string  `json:"start_date,omitempty" format:"date"`
	EndDate       string  `json:"end_date,omitempty" format:"date"`
	ProjectType   string  `json:"project_type,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	BudgetTotal   float64 `json:"budget_total"`
	BudgetSummary string  `json:"budget_summary,omitempty"`
	Comments      string  `json:"comments,omitempty"`
	AdminComments string  `json:"admin_comments,omitempty"`
	Level3        bool    `json:"level3"`
	Decline       bool    `json:"decline"`
	EmailApproved bool    `json:"email_approved"`
	SaveSubmit    bool    `json:"save_submit"`
	Closed        bool    `json:"closed"`
	Opened        bool    `json:"opened"`
	Awarded       bool    `json:"awarded"`
	Version       int64   `json:"version"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Impact is the Part B questionnaire and its three approval flags.
type Impact struct {
	ProposalID          string `json:"proposal_id"`
	Level3              bool   `json:"level3"`
	Level2              bool   `json:"level2"`
	Level1              bool   `json:"level1"`
	DisclosureAssurance bool   `json:"disclosure_assurance"`
	CostShareMatch      string `json:"cost_share_match,omitempty"`
	Funds               string `json:"funds,omitempty"`
	HumanSubjects       string `json:"human_subjects,omitempty"`
	AnimalSubjects      string `json:"animal_subjects,omitempty"`
	Subawards           string `json:"subawards,omitempty"`
	PersonnelSalary     string `json:"personnel_salary,omitempty"`
	International       string `json:"international,omitempty"`
	Hazards             string `json:"hazards,omitempty"`
	DataManagement      string `json:"data_management,omitempty"`
	AdminComments       string `json:"admin_comments,omitempty"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

// ResetLevels clears every approval flag plus the disclosure assurance.
func (i *Impact) ResetLevels() {
	i.Level3 = false
	i.Level2 = false
	i.Level1 = false
	i.DisclosureAssurance = false
}

// Approver is an ad-hoc reviewer assigned to one proposal.
type Approver struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	Step1      bool   `json:"step1"`
	Step2      bool   `json:"step2"`
	Replaces   Level  `json:"replaces,omitempty" enum:"level3,level2,level1"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

const (
	NotificationPending = "pending"
	NotificationSending = "sending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is an outbox row: one event addressed to a set of recipients.
type Notification struct {
	ID         string   `json:"id"`
	ProposalID string   `json:"proposal_id"`
	Event      string   `json:"event"`
	Step       string   `json:"step,omitempty"`
	Recipients []string `json:"recipients"`
	Status     string   `json:"status" enum:"pending,sending,sent,failed"`
	Attempts   int      `json:"attempts"`
	LastError  string   `json:"last_error,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	SentAt     string   `json:"sent_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
