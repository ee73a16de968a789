package workflow

// Approval is the approve capability carried by a permission set.
type Approval string

const (
	ApproveNone      Approval = ""
	ApproveLevel3    Approval = "level3"
	ApproveLevel2    Approval = "level2"
	ApproveLevel1    Approval = "level1"
	ApproveSuperuser Approval = "superuser"
	ApproveApprover  Approval = "approver"
)

// PermissionSet is what one user may currently do to one proposal.
type PermissionSet struct {
	View      bool     `json:"view"`
	Approve   Approval `json:"approve" enum:"level3,level2,level1,superuser,approver"`
	Decline   bool     `json:"decline"`
	Close     bool     `json:"close"`
	Open      bool     `json:"open"`
	NeedsWork bool     `json:"needswork"`
	Superuser bool     `json:"superuser"`
	Approver  bool     `json:"approver"`
	Level3    bool     `json:"level3"`
	Level2    bool     `json:"level2"`
	Level1    bool     `json:"level1"`
}

// Authorized is false when the user has no standing on the proposal at all.
func (p PermissionSet) Authorized() bool { return p.View }

// CanAct reports whether the user may request any status change.
func (p PermissionSet) CanAct() bool { return p.Approve != ApproveNone || p.Open }

// RoleFacts are the directory answers needed to resolve a permission set.
type RoleFacts struct {
	// DeanOrChair is true when the user heads the proposal's department,
	// either as division dean or as department chair.
	DeanOrChair bool
	VPBusiness  bool
	Provost     bool
	OSP         bool
}

// Resolve applies the role precedence: dean/chair, VP for Business, Provost,
// OSP, owner, ad-hoc approver. The first match wins. A standing role that is
// also assigned as an ad-hoc approver keeps its own approve value and gains
// Approver=true.
func Resolve(facts RoleFacts, userID string, a Aggregate) PermissionSet {
	var p PermissionSet
	adhoc := userID != "" && a.IsApprover(userID)
	switch {
	case facts.DeanOrChair:
		p = PermissionSet{View: true, Level3: true, Open: true, NeedsWork: true, Decline: true, Approve: ApproveLevel3}
		p.Approver = adhoc
	case facts.VPBusiness:
		p = PermissionSet{View: true, Level2: true, NeedsWork: true, Decline: true, Approve: ApproveLevel2}
		p.Approver = adhoc
	case facts.Provost:
		p = PermissionSet{View: true, Level1: true, NeedsWork: true, Decline: true, Approve: ApproveLevel1}
		p.Approver = adhoc
	case facts.OSP:
		p = PermissionSet{View: true, Open: true, Close: true, Superuser: true, NeedsWork: true, Decline: true, Approve: ApproveSuperuser}
		p.Approver = adhoc
	case userID != "" && a.Proposal.OwnerID == userID:
		p = PermissionSet{View: true, Open: true}
	case adhoc:
		p = PermissionSet{View: true, Approver: true, NeedsWork: true, Decline: true, Approve: ApproveApprover}
	}
	return p
}
