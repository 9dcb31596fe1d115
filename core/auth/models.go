package auth

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// AccountsCollection holds the credentials. It is never exposed on the document API.
const AccountsCollection = "accounts"

var (
	ErrNotFound             = errors.New("account not found")
	ErrEmailExists          = errors.New("an account with this email already exists")
	ErrAuthenticationFailed = errors.New("invalid email or password")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrUnknownProvider      = errors.New("unknown identity provider")
)

// Account holds the credentials of a user. Its ID is the ID of the user profile.
type Account struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	PasswordHash []byte            `json:"passwordHash,omitempty"`
	Providers    map[string]string `json:"providers,omitempty"` // {provider: provider user id}
	CreatedAt    time.Time         `json:"createdAt"`           // UTC
	LastLogin    time.Time         `json:"lastLogin"`           // UTC
}

func (a Account) Key() string { return a.ID }

func (a *Account) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	return nil
}

func (a *Account) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(pwd))
}

// Identity is what the rest of the portal knows of a signed in user.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

func (a Account) Identity() Identity { return Identity{UID: a.ID, Email: a.Email} }

// NewAccount contains information needed to sign up.
type NewAccount struct {
	Name            string `json:"name" validate:"required,notblank"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

type ResetPassword struct {
	UID             string `json:"uid" validate:"required"`
	Token           string `json:"token" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

type SetPassword struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

// Credentials are used to sign in with email and password.
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ProviderSignIn is used to sign in with an access token of an external identity provider.
type ProviderSignIn struct {
	AccessToken string `json:"access_token" validate:"required"`
}
