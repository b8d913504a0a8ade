package domain

// Role names a user's permission tier. Roles outside the known set are kept
// as-is and get the least privileged affordances.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// User is the signed-in principal of a board view.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Affordances are the UI capabilities derived from a role. They only decide
// what the view offers; the task API enforces the real permissions.
type Affordances struct {
	CanDelete           bool `json:"canDelete"`
	CanAccessAdminPanel bool `json:"canAccessAdminPanel"`
}

// AffordancesFor returns the gating for the given role.
func AffordancesFor(r Role) Affordances {
	switch r {
	case RoleAdmin:
		return Affordances{CanDelete: true, CanAccessAdminPanel: true}
	case RoleManager:
		return Affordances{CanDelete: true}
	default:
		return Affordances{}
	}
}

// Affordances returns the gating for the user's role.
func (u User) Affordances() Affordances { return AffordancesFor(u.Role) }
