package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
	emailsvc "github.com/trezcool/portal/services/email"
	logsvc "github.com/trezcool/portal/services/logger"
	"github.com/trezcool/portal/storage/memstore"
)

const goodPwd = "Tr1cky-Horse"

type fakeVerifier struct {
	name   string
	idents map[string]ProviderIdentity // {access token: identity}
}

func (v fakeVerifier) Provider() string { return v.name }

func (v fakeVerifier) Verify(_ context.Context, token string) (ProviderIdentity, error) {
	ident, ok := v.idents[token]
	if !ok {
		return ProviderIdentity{}, ErrAuthenticationFailed
	}
	return ident, nil
}

func newValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	entity.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate
}

func newTestService(t *testing.T) (*Service, mirror.Store) {
	t.Helper()
	conf := &core.Config{
		AppName:                   "Portal",
		SecretKey:                 "secret",
		FrontendBaseURL:           "http://localhost:3000",
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
	}
	logger := logsvc.NewDiscardLogger()
	store := memstore.New()
	svc := NewService(conf, Deps{
		Store:    store,
		Validate: newValidate(),
		MailSvc:  emailsvc.NewConsoleServiceMock(conf, logger),
		Logger:   logger,
		Verifiers: []IdentityVerifier{
			fakeVerifier{name: ProviderGoogle, idents: map[string]ProviderIdentity{
				"g-token":   {ID: "g-1", Email: "Ada@Example.com", Name: "Ada Lovelace"},
				"g-noemail": {ID: "g-2"},
			}},
			fakeVerifier{name: ProviderGitHub, idents: map[string]ProviderIdentity{
				"gh-token": {ID: "42", Email: "ada@example.com", Name: "ada"},
			}},
		},
	})
	return svc, store
}

func signUp(t *testing.T, svc *Service, name, email string) Identity {
	t.Helper()
	ident, err := svc.SignUp(context.Background(), NewAccount{Name: name, Email: email, Password: goodPwd, PasswordConfirm: goodPwd})
	require.NoError(t, err)
	return ident
}

func TestService_SignUp(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	jane := signUp(t, svc, " Jane Doe ", "Jane@Example.com ")
	assert.Equal(t, "jane@example.com", jane.Email)
	assert.NotEmpty(t, jane.UID)

	users := mirror.New[entity.User](store, entity.UsersCollection, mirror.Options{})
	res := users.FetchAll(ctx).Await(ctx)
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, jane.UID, res.Value[0].ID)
	assert.Equal(t, "Jane Doe", res.Value[0].Name)
	assert.Equal(t, entity.RoleStudent, res.Value[0].Role)

	tests := []struct {
		name      string
		na        NewAccount
		wantField string
	}{
		{name: "missing name", na: NewAccount{Email: "a@b.co", Password: goodPwd, PasswordConfirm: goodPwd}, wantField: "name"},
		{name: "invalid email", na: NewAccount{Name: "A", Email: "nope", Password: goodPwd, PasswordConfirm: goodPwd}, wantField: "email"},
		{name: "password mismatch", na: NewAccount{Name: "A", Email: "a@b.co", Password: goodPwd, PasswordConfirm: goodPwd + "!"}, wantField: "password_confirm"},
		{name: "short password", na: NewAccount{Name: "A", Email: "a@b.co", Password: "Ab1!", PasswordConfirm: "Ab1!"}, wantField: "password"},
		{name: "whitespace", na: NewAccount{Name: "A", Email: "a@b.co", Password: "Tr1cky Horse", PasswordConfirm: "Tr1cky Horse"}, wantField: "password"},
		{name: "numeric", na: NewAccount{Name: "A", Email: "a@b.co", Password: "12345678", PasswordConfirm: "12345678"}, wantField: "password"},
		{name: "similar to name", na: NewAccount{Name: "Jane Doe", Email: "x@y.co", Password: "janedoe123", PasswordConfirm: "janedoe123"}, wantField: "password"},
		{name: "email exists", na: NewAccount{Name: "Other", Email: "JANE@example.com", Password: goodPwd, PasswordConfirm: goodPwd}, wantField: "email"},
	}
	translator := core.NewTranslator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, tt.na)
			require.Error(t, err)
			require.True(t, core.IsValidationError(err), "SignUp() error = %v, want a validation error", err)
			assert.Contains(t, core.TranslateErrors(err, translator), tt.wantField)
		})
	}
}

func TestService_SignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	jane := signUp(t, svc, "Jane Doe", "jane@example.com")

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "valid", email: "JANE@example.com", password: goodPwd},
		{name: "wrong password", email: "jane@example.com", password: "wrong", wantErr: ErrAuthenticationFailed},
		{name: "unknown email", email: "john@example.com", password: goodPwd, wantErr: ErrAuthenticationFailed},
		{name: "no email", password: goodPwd, wantErr: ErrAuthenticationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident, err := svc.SignIn(ctx, tt.email, tt.password)
			if err != tt.wantErr {
				t.Fatalf("SignIn() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				assert.Equal(t, jane, ident)
			}
		})
	}

	acc, err := svc.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.False(t, acc.LastLogin.IsZero())
}

func TestService_passwordReset(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	jane := signUp(t, svc, "Jane Doe", "jane@example.com")

	emailsvc.ResetSentMessages()
	require.NoError(t, svc.RequestPasswordReset(ctx, "nobody@example.com"))
	_, sent := emailsvc.LastSentMessage()
	assert.False(t, sent, "no mail for unknown emails")

	require.NoError(t, svc.RequestPasswordReset(ctx, "jane@example.com"))
	msg, sent := emailsvc.LastSentMessage()
	require.True(t, sent)
	assert.Equal(t, "jane@example.com", msg.To[0].Address)
	data, ok := msg.TemplateData.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", data["Name"])
	assert.Contains(t, msg.TextContent, "http://localhost:3000/password-reset?uid="+data["UID"])

	newPwd := "Brand-New-Pa55"
	tests := []struct {
		name    string
		rp      ResetPassword
		wantErr error
	}{
		{name: "bad uid", rp: ResetPassword{UID: "%%%", Token: data["Token"], Password: newPwd, PasswordConfirm: newPwd}, wantErr: ErrInvalidToken},
		{name: "unknown uid", rp: ResetPassword{UID: "bm9ib2R5", Token: data["Token"], Password: newPwd, PasswordConfirm: newPwd}, wantErr: ErrInvalidToken},
		{name: "bad token", rp: ResetPassword{UID: data["UID"], Token: "HE4TS-sigsig-sig", Password: newPwd, PasswordConfirm: newPwd}, wantErr: ErrInvalidToken},
		{name: "valid", rp: ResetPassword{UID: data["UID"], Token: data["Token"], Password: newPwd, PasswordConfirm: newPwd}},
		{name: "token already used", rp: ResetPassword{UID: data["UID"], Token: data["Token"], Password: newPwd, PasswordConfirm: newPwd}, wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident, err := svc.ResetPassword(ctx, tt.rp)
			if err != tt.wantErr {
				t.Fatalf("ResetPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				assert.Equal(t, jane, ident)
			}
		})
	}

	_, err := svc.SignIn(ctx, "jane@example.com", goodPwd)
	assert.Equal(t, ErrAuthenticationFailed, err)
	_, err = svc.SignIn(ctx, "jane@example.com", newPwd)
	assert.NoError(t, err)

	_, err = svc.ResetPassword(ctx, ResetPassword{UID: data["UID"], Token: data["Token"], Password: newPwd, PasswordConfirm: "x"})
	assert.True(t, core.IsValidationError(err))
}

func TestService_SetPassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	signUp(t, svc, "Jane Doe", "jane@example.com")

	_, err := svc.SetPassword(ctx, SetPassword{Email: "john@example.com", Password: "Brand-New-Pa55", PasswordConfirm: "Brand-New-Pa55"})
	assert.Equal(t, ErrNotFound, err)

	_, err = svc.SetPassword(ctx, SetPassword{Email: "jane@example.com", Password: "jane@example.com1", PasswordConfirm: "jane@example.com1"})
	assert.True(t, core.IsValidationError(err))

	_, err = svc.SetPassword(ctx, SetPassword{Email: "Jane@example.com", Password: "Brand-New-Pa55", PasswordConfirm: "Brand-New-Pa55"})
	require.NoError(t, err)
	_, err = svc.SignIn(ctx, "jane@example.com", "Brand-New-Pa55")
	assert.NoError(t, err)
}

func TestService_SignInWithProvider(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	_, err := svc.SignInWithProvider(ctx, "facebook", "token")
	assert.Equal(t, ErrUnknownProvider, err)
	_, err = svc.SignInWithProvider(ctx, ProviderGoogle, "bad-token")
	assert.Equal(t, ErrAuthenticationFailed, err)

	// first sign in creates the account and the profile
	ada, err := svc.SignInWithProvider(ctx, ProviderGoogle, "g-token")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", ada.Email)

	again, err := svc.SignInWithProvider(ctx, ProviderGoogle, "g-token")
	require.NoError(t, err)
	assert.Equal(t, ada, again)

	// same email on another provider links the account
	gh, err := svc.SignInWithProvider(ctx, ProviderGitHub, "gh-token")
	require.NoError(t, err)
	assert.Equal(t, ada.UID, gh.UID)

	acc, err := svc.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ProviderGoogle: "g-1", ProviderGitHub: "42"}, acc.Providers)

	// provider accounts have no password
	_, err = svc.SignIn(ctx, "ada@example.com", "")
	assert.Equal(t, ErrAuthenticationFailed, err)

	anon, err := svc.SignInWithProvider(ctx, ProviderGoogle, "g-noemail")
	require.NoError(t, err)
	assert.NotEqual(t, ada.UID, anon.UID)

	users := mirror.New[entity.User](store, entity.UsersCollection, mirror.Options{})
	res := users.FetchAll(ctx).Await(ctx)
	require.NoError(t, res.Err)
	names := make([]string, 0, len(res.Value))
	for _, u := range res.Value {
		names = append(names, u.Name)
	}
	assert.ElementsMatch(t, []string{"Ada Lovelace", "google user"}, names)
}

func TestUserInfoVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 583231, "login": "octocat", "name": "The Octocat", "email": "octocat@github.com"}`))
		case "Bearer noid":
			_, _ = w.Write([]byte(`{"login": "ghost"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewGitHubVerifier()
	v.URL = srv.URL
	v.Client = srv.Client()

	ident, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, ProviderIdentity{ID: "583231", Email: "octocat@github.com", Name: "The Octocat"}, ident)

	_, err = v.Verify(context.Background(), "bad")
	assert.Equal(t, ErrAuthenticationFailed, err)
	_, err = v.Verify(context.Background(), "noid")
	assert.Error(t, err)
	_, err = v.Verify(context.Background(), "broken")
	assert.Error(t, err)

	assert.Equal(t, ProviderGoogle, NewGoogleVerifier().Provider())
}
