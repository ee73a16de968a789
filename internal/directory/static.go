package directory

import (
	"context"
	"fmt"
	"sort"

	"grantflow/internal/config"
)

// Static serves lookups from the directory section of grantflow.yml.
type Static struct {
	people      map[string]UserRef
	departments map[string]Department
	admins      map[string]struct{}
	roles       map[StandingRole]string
}

func NewStatic(cfg *config.Config) *Static {
	s := &Static{
		people:      make(map[string]UserRef, len(cfg.Directory.People)),
		departments: make(map[string]Department, len(cfg.Directory.Departments)),
		admins:      make(map[string]struct{}, len(cfg.Directory.AdminGroup)),
		roles: map[StandingRole]string{
			VPBusiness: cfg.Workflow.StandingRoles.VPBusiness,
			Provost:    cfg.Workflow.StandingRoles.Provost,
		},
	}
	for _, p := range cfg.Directory.People {
		s.people[p.ID] = UserRef{ID: p.ID, Name: p.Name, Email: p.Email}
	}
	for _, d := range cfg.Directory.Departments {
		s.departments[d.Code] = Department{
			Code:     d.Code,
			Name:     d.Name,
			Division: d.Division,
			Faculty:  d.Kind != config.DepartmentStaff,
			Dean:     d.Dean,
			Chair:    d.Chair,
		}
	}
	for _, id := range cfg.Directory.AdminGroup {
		s.admins[id] = struct{}{}
	}
	return s
}

func (s *Static) DeanOrChair(_ context.Context, userID, department string) (RoleFact, error) {
	d, ok := s.departments[department]
	if !ok || userID == "" {
		return RoleFact{}, nil
	}
	switch userID {
	case d.Dean:
		return RoleFact{Role: RoleDean, Division: d.Division}, nil
	case d.Chair:
		return RoleFact{Role: RoleChair, Division: d.Division}, nil
	}
	return RoleFact{}, nil
}

func (s *Static) StandingRole(ctx context.Context, role StandingRole) (UserRef, error) {
	id, ok := s.roles[role]
	if !ok || id == "" {
		return UserRef{}, fmt.Errorf("standing role %s: %w", role, ErrNotFound)
	}
	return Resolve(ctx, s, id)
}

func (s *Static) InAdminGroup(_ context.Context, userID string) (bool, error) {
	_, ok := s.admins[userID]
	return ok, nil
}

func (s *Static) Department(_ context.Context, code string) (Department, error) {
	d, ok := s.departments[code]
	if !ok {
		return Department{}, fmt.Errorf("department %s: %w", code, ErrNotFound)
	}
	return d, nil
}

func (s *Static) Person(_ context.Context, userID string) (UserRef, error) {
	p, ok := s.people[userID]
	if !ok {
		return UserRef{}, fmt.Errorf("person %s: %w", userID, ErrNotFound)
	}
	return p, nil
}

func (s *Static) HeadedDepartments(_ context.Context, userID string) ([]string, error) {
	var codes []string
	for code, d := range s.departments {
		if userID != "" && (d.Dean == userID || d.Chair == userID) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}
