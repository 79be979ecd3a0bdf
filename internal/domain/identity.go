package domain

import "context"

const (
	RoleAdmin  = "admin"
	RoleLender = "lender"
)

// User is the account a lending record belongs to.
type User struct {
	ID       int64  `json:"id" db:"id"`
	Username string `json:"username" db:"username"`
	Role     string `json:"role" db:"role"`
}

// Identity is the verified caller handed over by the authorization gate.
// The lending engine does not re-check it.
type Identity struct {
	UserID int64
	Role   string
}

// CanOverride reports whether the caller may close loans of other users.
func (i Identity) CanOverride() bool {
	return i.Role == RoleAdmin
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Requests and responses

type BorrowResponse struct {
	RecordID int64  `json:"record_id"`
	Message  string `json:"message"`
}

type ReturnResponse struct {
	RecordID int64  `json:"record_id"`
	Message  string `json:"message"`
}
