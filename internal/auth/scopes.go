package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeProposalsRead  = "proposals:read"
	ScopeProposalsWrite = "proposals:write"
)

// AllScopes defines the full set of scopes requested by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeProposalsRead,
	ScopeProposalsWrite,
}
