package domain

import "github.com/google/uuid"

// AccountRole is the role of an account inside a workspace.
type AccountRole string

const (
	RoleDocGuest   AccountRole = "DocGuest"
	RoleGuest      AccountRole = "GUEST"
	RoleUser       AccountRole = "USER"
	RoleMaintainer AccountRole = "MAINTAINER"
	RoleOwner      AccountRole = "OWNER"
)

// SocialIDType names the provider behind a social id.
type SocialIDType string

const (
	SocialEmail    SocialIDType = "email"
	SocialGitHub   SocialIDType = "github"
	SocialGoogle   SocialIDType = "google"
	SocialPhone    SocialIDType = "phone"
	SocialOIDC     SocialIDType = "oidc"
	SocialHuly     SocialIDType = "huly"
	SocialTelegram SocialIDType = "telegram"
)

// SocialID is a verified identity attached to an account.
type SocialID struct {
	ID           string       `json:"_id"`
	Type         SocialIDType `json:"type"`
	Value        string       `json:"value"`
	Key          string       `json:"key"`
	DisplayValue *string      `json:"displayValue,omitempty"`
	CreatedOn    *Timestamp   `json:"createdOn,omitempty"`
	VerifiedOn   *Timestamp   `json:"verifiedOn,omitempty"`
}

// Account is the authenticated account summary.
type Account struct {
	UUID            uuid.UUID   `json:"uuid"`
	Role            AccountRole `json:"role"`
	PrimarySocialID PersonID    `json:"primarySocialId"`
	SocialIDs       []PersonID  `json:"socialIds"`
	FullSocialIDs   []SocialID  `json:"fullSocialIds,omitempty"`
}

// EnsurePersonRequest asks the server to find or create a person.
type EnsurePersonRequest struct {
	SocialType  SocialIDType `json:"socialType"`
	SocialValue string       `json:"socialValue"`
	FirstName   string       `json:"firstName"`
	LastName    string       `json:"lastName,omitempty"`
}

// EnsurePersonResponse identifies the person that was found or created.
type EnsurePersonResponse struct {
	UUID     uuid.UUID `json:"uuid"`
	SocialID PersonID  `json:"socialId"`
}
