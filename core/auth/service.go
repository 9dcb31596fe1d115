// Package auth is the authentication provider of the portal.
// It only yields a stable user identifier and email (Identity); API tokens are handled by the apps.
package auth

import (
	"context"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
)

type (
	Deps struct {
		Store     mirror.Store
		Validate  *validator.Validate
		MailSvc   core.EmailService
		Logger    core.Logger
		Verifiers []IdentityVerifier
	}

	Service struct {
		accounts  *mirror.Mirror[Account]
		users     *mirror.Mirror[entity.User]
		validate  *validator.Validate
		mailSvc   core.EmailService
		logger    core.Logger
		verifiers map[string]IdentityVerifier
		tokens    tokenGenerator
	}
)

func NewService(conf *core.Config, deps Deps) *Service {
	opts := mirror.Options{
		Logger:   deps.Logger,
		Validate: deps.Validate,
		Retry:    mirror.Backoff{Attempts: conf.Retry.Attempts, Delay: conf.Retry.Delay},
	}
	svc := &Service{
		accounts:  mirror.New[Account](deps.Store, AccountsCollection, opts),
		users:     mirror.New[entity.User](deps.Store, entity.UsersCollection, opts),
		validate:  deps.Validate,
		mailSvc:   deps.MailSvc,
		logger:    deps.Logger,
		verifiers: make(map[string]IdentityVerifier, len(deps.Verifiers)),
		tokens: tokenGenerator{
			secretKey: []byte(conf.SecretKey),
			timeout:   conf.PasswordResetTimeoutDelta,
		},
	}
	for _, v := range deps.Verifiers {
		svc.verifiers[v.Provider()] = v
	}
	return svc
}

// SignUp creates the account and the user profile (with the same ID).
func (svc *Service) SignUp(ctx context.Context, na NewAccount) (Identity, error) {
	na.Name = core.CleanString(na.Name)
	na.Email = core.CleanString(na.Email, true /* lower */)
	if err := svc.validate.Struct(na); err != nil {
		return Identity{}, err
	}

	if _, err := svc.GetByEmail(ctx, na.Email); err == nil {
		return Identity{}, core.NewValidationError(ErrEmailExists, core.FieldError{Field: "email", Error: ErrEmailExists.Error()})
	} else if errors.Cause(err) != ErrNotFound {
		return Identity{}, err
	}

	usr := entity.NewUser(na.Name, na.Email)
	acc := Account{ID: usr.ID, Email: usr.Email, CreatedAt: NowFunc().UTC()}
	if err := acc.SetPassword(na.Password); err != nil {
		return Identity{}, err
	}
	if err := svc.create(ctx, acc, usr); err != nil {
		return Identity{}, err
	}
	return acc.Identity(), nil
}

// SignIn checks the credentials. Unknown emails and wrong passwords are not told apart.
func (svc *Service) SignIn(ctx context.Context, email, password string) (Identity, error) {
	acc, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Identity{}, ErrAuthenticationFailed
		}
		return Identity{}, err
	}
	if len(acc.PasswordHash) == 0 || acc.CheckPassword(password) != nil {
		return Identity{}, ErrAuthenticationFailed
	}
	return svc.touch(ctx, acc)
}

// SignInWithProvider signs in with the access token of an external provider.
// The account is found by provider identity, then by email; it is created on first sign in.
func (svc *Service) SignInWithProvider(ctx context.Context, provider, accessToken string) (Identity, error) {
	v, ok := svc.verifiers[provider]
	if !ok {
		return Identity{}, ErrUnknownProvider
	}
	ident, err := v.Verify(ctx, accessToken)
	if err != nil {
		return Identity{}, err
	}
	ident.Email = core.CleanString(ident.Email, true /* lower */)

	if acc, err := svc.getByProvider(ctx, provider, ident.ID); err == nil {
		return svc.touch(ctx, acc)
	} else if errors.Cause(err) != ErrNotFound {
		return Identity{}, err
	}

	if ident.Email != "" {
		acc, err := svc.GetByEmail(ctx, ident.Email)
		switch {
		case err == nil:
			if acc.Providers == nil {
				acc.Providers = make(map[string]string)
			}
			acc.Providers[provider] = ident.ID
			return svc.touch(ctx, acc)
		case errors.Cause(err) != ErrNotFound:
			return Identity{}, err
		}
	}

	name := ident.Name
	if name == "" {
		name = ident.Email
	}
	if name == "" {
		name = provider + " user"
	}
	usr := entity.NewUser(name, ident.Email)
	now := NowFunc().UTC()
	acc := Account{
		ID:        usr.ID,
		Email:     usr.Email,
		Providers: map[string]string{provider: ident.ID},
		CreatedAt: now,
		LastLogin: now,
	}
	if err := svc.create(ctx, acc, usr); err != nil {
		return Identity{}, err
	}
	return acc.Identity(), nil
}

// getByProvider finds the account linked to the provider user.
// Provider links are nested in the account document, so the accounts are scanned.
func (svc *Service) getByProvider(ctx context.Context, provider, id string) (Account, error) {
	res := svc.accounts.FetchAll(ctx).Await(ctx)
	if res.Err != nil {
		return Account{}, res.Err
	}
	for _, acc := range res.Value {
		if acc.Providers[provider] == id {
			return acc, nil
		}
	}
	return Account{}, ErrNotFound
}

// RequestPasswordReset mails a password reset link. Unknown emails are ignored.
func (svc *Service) RequestPasswordReset(ctx context.Context, email string) error {
	acc, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return nil
		}
		return err
	}

	name := acc.Email
	if res := svc.users.FetchFiltered(ctx, "id", acc.ID).Await(ctx); res.Ok() && len(res.Value) > 0 {
		name = res.Value[0].Name
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: name, Address: acc.Email}},
		Subject:      "Password Reset",
		TemplateName: "password_reset",
		TemplateData: map[string]string{
			"Name":  name,
			"UID":   encodeUID(acc),
			"Token": svc.tokens.makeToken(acc),
		},
	})
	return nil
}

func (svc *Service) ResetPassword(ctx context.Context, rp ResetPassword) (Identity, error) {
	if err := svc.validate.Struct(rp); err != nil {
		return Identity{}, err
	}

	id, err := decodeUID(rp.UID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	acc, err := svc.get(ctx, id)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, err
	}
	if err := svc.tokens.verifyToken(acc, rp.Token); err != nil {
		return Identity{}, err
	}
	return svc.savePassword(ctx, acc, rp.Password)
}

// SetPassword sets the password of the account with email, without any token. Used by admins.
func (svc *Service) SetPassword(ctx context.Context, sp SetPassword) (Identity, error) {
	sp.Email = core.CleanString(sp.Email, true /* lower */)
	if err := svc.validate.Struct(sp); err != nil {
		return Identity{}, err
	}
	acc, err := svc.GetByEmail(ctx, sp.Email)
	if err != nil {
		return Identity{}, err
	}
	return svc.savePassword(ctx, acc, sp.Password)
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (Account, error) {
	email = core.CleanString(email, true /* lower */)
	if email == "" {
		return Account{}, ErrNotFound
	}
	res := svc.accounts.FetchFiltered(ctx, "email", email).Await(ctx)
	if res.Err != nil {
		return Account{}, res.Err
	}
	if len(res.Value) == 0 {
		return Account{}, ErrNotFound
	}
	return res.Value[0], nil
}

func (svc *Service) get(ctx context.Context, id string) (Account, error) {
	if mirror.ValidateKey(id) != nil {
		return Account{}, ErrNotFound
	}
	res := svc.accounts.FetchFiltered(ctx, "id", id).Await(ctx)
	if res.Err != nil {
		return Account{}, res.Err
	}
	if len(res.Value) == 0 {
		return Account{}, ErrNotFound
	}
	return res.Value[0], nil
}

func (svc *Service) create(ctx context.Context, acc Account, usr entity.User) error {
	if err := svc.users.Write(ctx, usr).Await(ctx).Err; err != nil {
		return errors.Wrap(err, "creating user profile")
	}
	if err := svc.accounts.Write(ctx, acc).Await(ctx).Err; err != nil {
		// do not leave a profile without credentials
		if derr := svc.users.Delete(ctx, usr.ID).Await(ctx).Err; derr != nil && svc.logger != nil {
			svc.logger.Error("removing orphan user profile "+usr.ID, derr)
		}
		return errors.Wrap(err, "creating account")
	}
	return nil
}

func (svc *Service) savePassword(ctx context.Context, acc Account, pwd string) (Identity, error) {
	if err := acc.SetPassword(pwd); err != nil {
		return Identity{}, err
	}
	if err := svc.accounts.Write(ctx, acc).Await(ctx).Err; err != nil {
		return Identity{}, errors.Wrap(err, "saving password")
	}
	return acc.Identity(), nil
}

// touch records the sign in.
func (svc *Service) touch(ctx context.Context, acc Account) (Identity, error) {
	acc.LastLogin = NowFunc().UTC().Truncate(time.Millisecond)
	if err := svc.accounts.Write(ctx, acc).Await(ctx).Err; err != nil {
		return Identity{}, errors.Wrap(err, "recording sign in")
	}
	return acc.Identity(), nil
}
