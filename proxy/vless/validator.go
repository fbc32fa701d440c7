package vless

import (
	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/vlessid"
)

// Validator is the authenticator: the configured user set, looked up by
// wire UUID. It is built once at startup and never mutated afterwards, so
// Get is a lock-free map read shared freely across all session goroutines.
type Validator struct {
	byID  map[vlessid.ID]*User
	email map[string]*User
}

// NewValidator builds a Validator from a configured user set. Emails must
// be empty or unique; duplicate non-empty emails are rejected.
func NewValidator(users []*User) (*Validator, error) {
	v := &Validator{
		byID:  make(map[vlessid.ID]*User, len(users)),
		email: make(map[string]*User, len(users)),
	}
	for _, u := range users {
		if err := v.add(u); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) add(u *User) error {
	if u.Email != "" {
		if _, exists := v.email[u.Email]; exists {
			return errors.New("duplicate user email: ", u.Email)
		}
		v.email[u.Email] = u
	}
	v.byID[u.ID] = u
	return nil
}

// Get looks up a user by wire UUID. Returns nil on a miss; callers should
// treat a miss as "invalid user UUID" per the authenticator contract.
func (v *Validator) Get(id vlessid.ID) *User {
	return v.byID[id]
}

// Len reports the number of configured users.
func (v *Validator) Len() int {
	return len(v.byID)
}

// Authenticate looks up id and returns its user, or the "invalid user
// UUID" error spec.md §4.5 and §7 specify for an unauthenticated session.
func (v *Validator) Authenticate(id vlessid.ID) (*User, error) {
	u := v.Get(id)
	if u == nil {
		return nil, errors.New("invalid user UUID").AtWarning()
	}
	return u, nil
}
