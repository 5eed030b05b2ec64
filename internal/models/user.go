package models

// AnonymousUserID is the sentinel user id used on the channel endpoint when
// nobody is logged in.
const AnonymousUserID int64 = 0

/** -------------------- DTOs -------------------- */
// User is the identity supplied by the login subsystem.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Token    string `json:"token,omitempty"`
}

// IsAnonymous reports whether u carries no usable identity.
func (u *User) IsAnonymous() bool {
	return u == nil || u.ID == AnonymousUserID
}
