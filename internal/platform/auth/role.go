package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the closed set of actor roles issued by the identity provider.
type Role string

const (
	RoleCustomer  Role = "customer"
	RolePatient   Role = "patient"
	RoleParamedic Role = "paramedic"
	RoleDoctor    Role = "doctor"
	RoleLab       Role = "lab"
	RoleAdmin     Role = "admin"
)

// Roles lists every known role.
var Roles = []Role{RoleCustomer, RolePatient, RoleParamedic, RoleDoctor, RoleLab, RoleAdmin}

var ErrUnknownRole = errors.New("unknown role")

// Kind groups roles by what they may do with a booking.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequester
	KindProvider
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindRequester:
		return "requester"
	case KindProvider:
		return "provider"
	case KindAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Kind maps a role onto its kind. Unrecognized roles are KindUnknown.
func (r Role) Kind() Kind {
	switch r {
	case RoleCustomer, RolePatient:
		return KindRequester
	case RoleParamedic, RoleDoctor, RoleLab:
		return KindProvider
	case RoleAdmin:
		return KindAdmin
	default:
		return KindUnknown
	}
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Kind() == KindUnknown {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}
