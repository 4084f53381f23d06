package store

import (
	"encoding/json"
	"strings"

	"github.com/api-client/net-store/internal/apperr"
	"github.com/api-client/net-store/internal/kv"
)

// User is the account record. Users are never hard-deleted — other
// entities reference a user's key for the lifetime of the system.
type User struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Provider string `json:"provider,omitempty"`
	Sub      string `json:"sub,omitempty"` // provider subject id, used by FindByProviderSub
	Picture  string `json:"picture,omitempty"`
}

// Users is the account sub-store.
type Users struct {
	kv *kv.Engine
}

// NewUsers builds a Users store over kvEngine.
func NewUsers(kvEngine *kv.Engine) *Users {
	return &Users{kv: kvEngine}
}

// Add creates a user record. Re-adding an existing key overwrites it —
// used for JIT provisioning where a repeat login updates profile fields.
func (u *Users) Add(user User) error {
	raw, err := marshal(user)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encoding user", err)
	}
	if err := u.kv.Put(NsUsers, user.Key, raw); err != nil {
		return apperr.Wrap(apperr.Internal, "persisting user", err)
	}
	return nil
}

// Read returns the user record for key.
func (u *Users) Read(key string) (User, error) {
	raw, ok, err := u.kv.Get(NsUsers, key)
	if err != nil {
		return User{}, apperr.Wrap(apperr.Internal, "reading user", err)
	}
	if !ok {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return User{}, apperr.Wrap(apperr.Internal, "decoding user", err)
	}
	return user, nil
}

// FindByProviderSub looks up a user by OIDC provider subject, used to
// decide whether a login is a returning user or needs provisioning.
func (u *Users) FindByProviderSub(provider, sub string) (User, bool, error) {
	rows, err := u.kv.RangeAsc(NsUsers, "", "", 0)
	if err != nil {
		return User{}, false, apperr.Wrap(apperr.Internal, "scanning users", err)
	}
	for _, row := range rows {
		var user User
		if err := json.Unmarshal(row.Value, &user); err != nil {
			continue
		}
		if user.Provider == provider && user.Sub == sub {
			return user, true, nil
		}
	}
	return User{}, false, nil
}

// List returns every user whose name or email contains query (case
// insensitive); an empty query returns every user.
func (u *Users) List(query string) ([]User, error) {
	rows, err := u.kv.RangeAsc(NsUsers, "", "", 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scanning users", err)
	}
	q := strings.ToLower(query)
	var out []User
	for _, row := range rows {
		var user User
		if err := json.Unmarshal(row.Value, &user); err != nil {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(user.Name), q) || strings.Contains(strings.ToLower(user.Email), q) {
			out = append(out, user)
		}
	}
	return out, nil
}

// EnsureDefault makes sure the single-user mode singleton account exists.
func (u *Users) EnsureDefault() error {
	_, err := u.Read(DefaultUser)
	if err == nil {
		return nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return err
	}
	return u.Add(User{Key: DefaultUser, Name: "Default User"})
}
