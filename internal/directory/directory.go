// Package directory answers the organisational questions the workflow asks:
// who heads a department, who holds the standing VP for Business and Provost
// roles, and who belongs to the OSP administrative group.
package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("directory: not found")

// Role is the kind of authority a person holds over a department.
type Role string

const (
	RoleNone  Role = ""
	RoleDean  Role = "dean"
	RoleChair Role = "chair"
)

// RoleFact answers "does this person head that department, and how".
type RoleFact struct {
	Role     Role   `json:"role,omitempty"`
	Division string `json:"division,omitempty"`
}

// Heads reports whether the fact grants dean-level authority.
func (f RoleFact) Heads() bool { return f.Role == RoleDean || f.Role == RoleChair }

// StandingRole names an institution-wide office.
type StandingRole string

const (
	VPBusiness StandingRole = "vp_business"
	Provost    StandingRole = "provost"
)

type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Address returns the best delivery address for the person.
func (u UserRef) Address() string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

type Department struct {
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	Division string `json:"division,omitempty"`
	Faculty  bool   `json:"faculty"`
	Dean     string `json:"dean,omitempty"`
	Chair    string `json:"chair,omitempty"`
}

// Head returns the dean when the department has one, otherwise the chair.
func (d Department) Head() string {
	if d.Dean != "" {
		return d.Dean
	}
	return d.Chair
}

// Directory is the lookup contract. Implementations must be safe for
// concurrent use.
type Directory interface {
	DeanOrChair(ctx context.Context, userID, department string) (RoleFact, error)
	StandingRole(ctx context.Context, role StandingRole) (UserRef, error)
	InAdminGroup(ctx context.Context, userID string) (bool, error)
	Department(ctx context.Context, code string) (Department, error)
	Person(ctx context.Context, userID string) (UserRef, error)
	// HeadedDepartments lists the department codes userID is dean or chair of.
	HeadedDepartments(ctx context.Context, userID string) ([]string, error)
}

// Resolve returns the person for id, falling back to a bare reference when the
// directory does not know them.
func Resolve(ctx context.Context, d Directory, id string) (UserRef, error) {
	u, err := d.Person(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return UserRef{ID: id}, nil
	}
	return u, err
}
