// Package domain contains entities without logic, just ids and meta-data
package domain

import (
	"errors"
	"strconv"
)

const (
	MaxUsernameLen = 36
	MaxAvatarLen   = 512
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrAvatarTooLong   = errors.New("avatar reference too long")
)

// UserID is the trusted numeric id produced by the identity resolver.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string) (*User, error) {
	u := &User{ID: id}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
