package user

import "github.com/uptrace/bun"

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       int    `bun:"id,pk,autoincrement" json:"id"`
	Username string `bun:"username,unique,notnull" json:"username" validate:"required"`
	Email    string `bun:"email" json:"email" validate:"omitempty,email"`
	FullName string `bun:"full_name" json:"fullName"`
	IsActive bool   `bun:"is_active,notnull,default:true" json:"isActive"`
	IsAdmin  bool   `bun:"is_admin,notnull,default:false" json:"isAdmin"`
	Password string `bun:"password,notnull" json:"-"` // Never expose password in JSON

	Details  *Detail `bun:"rel:has-one,join:id=user_id" json:"details,omitempty"`
	Children []Child `bun:"rel:has-many,join:id=user_id" json:"children,omitempty"`
}

// Detail holds the contact/profile record required for roster exports.
type Detail struct {
	bun.BaseModel `bun:"table:user_details,alias:ud"`

	ID                int    `bun:"id,pk,autoincrement" json:"id"`
	UserID            int    `bun:"user_id,unique,notnull" json:"userId"`
	LastName          string `bun:"last_name,notnull" json:"lastName" validate:"required"`
	FirstName         string `bun:"first_name,notnull" json:"firstName" validate:"required"`
	LastNameFurigana  string `bun:"last_name_furigana" json:"lastNameFurigana"`
	FirstNameFurigana string `bun:"first_name_furigana" json:"firstNameFurigana"`
	Tel               string `bun:"tel" json:"tel"`
	PostalCode        string `bun:"postal_code" json:"postalCode"`
	Address           string `bun:"address" json:"address"`
}

// FullName is "last first" with a full-width space, matching how rosters
// print Japanese names.
func (d *Detail) FullName() string {
	return d.LastName + "　" + d.FirstName
}

// Child is a dependent registered under a parent user. Children hold their
// own lesson memberships for child-dependent lessons.
type Child struct {
	bun.BaseModel `bun:"table:user_children,alias:uc"`

	ID                int    `bun:"id,pk,autoincrement" json:"id"`
	UserID            int    `bun:"user_id,notnull" json:"userId"`
	LastName          string `bun:"last_name,notnull" json:"lastName" validate:"required"`
	FirstName         string `bun:"first_name,notnull" json:"firstName" validate:"required"`
	LastNameFurigana  string `bun:"last_name_furigana" json:"lastNameFurigana"`
	FirstNameFurigana string `bun:"first_name_furigana" json:"firstNameFurigana"`
}

func (c *Child) FullName() string {
	return c.LastName + "　" + c.FirstName
}

// DetailUpsertRequest is the request body for creating/updating own details
type DetailUpsertRequest struct {
	LastName          string `json:"lastName" validate:"required"`
	FirstName         string `json:"firstName" validate:"required"`
	LastNameFurigana  string `json:"lastNameFurigana"`
	FirstNameFurigana string `json:"firstNameFurigana"`
	Tel               string `json:"tel" validate:"required"`
	PostalCode        string `json:"postalCode"`
	Address           string `json:"address" validate:"required"`
}

// ChildCreateRequest is the request body for registering a child
type ChildCreateRequest struct {
	LastName          string `json:"lastName" validate:"required"`
	FirstName         string `json:"firstName" validate:"required"`
	LastNameFurigana  string `json:"lastNameFurigana"`
	FirstNameFurigana string `json:"firstNameFurigana"`
}
