package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Identity providers
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// ProviderIdentity is the user of an external identity provider.
type ProviderIdentity struct {
	ID    string
	Email string
	Name  string
}

// IdentityVerifier exchanges an access token of an external provider for the identity of its owner.
type IdentityVerifier interface {
	Provider() string
	Verify(ctx context.Context, accessToken string) (ProviderIdentity, error)
}

// UserInfoVerifier calls the userinfo endpoint of an OAuth provider with the access token.
type UserInfoVerifier struct {
	Name       string
	URL        string
	IDField    string
	EmailField string
	NameField  string
	Client     *http.Client
}

var _ IdentityVerifier = (*UserInfoVerifier)(nil) // interface compliance check

func NewGoogleVerifier() *UserInfoVerifier {
	return &UserInfoVerifier{
		Name:       ProviderGoogle,
		URL:        "https://openidconnect.googleapis.com/v1/userinfo",
		IDField:    "sub",
		EmailField: "email",
		NameField:  "name",
	}
}

func NewGitHubVerifier() *UserInfoVerifier {
	return &UserInfoVerifier{
		Name:       ProviderGitHub,
		URL:        "https://api.github.com/user",
		IDField:    "id",
		EmailField: "email",
		NameField:  "name",
	}
}

func (v *UserInfoVerifier) Provider() string { return v.Name }

func (v *UserInfoVerifier) Verify(ctx context.Context, accessToken string) (ProviderIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return ProviderIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return ProviderIdentity{}, errors.Wrap(err, "calling "+v.Name+" userinfo")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(ioutil.Discard, res.Body)
		return ProviderIdentity{}, ErrAuthenticationFailed
	}
	if res.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(io.LimitReader(res.Body, 512))
		return ProviderIdentity{}, errors.Errorf("%s userinfo: status %d: %s", v.Name, res.StatusCode, body)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return ProviderIdentity{}, errors.Wrap(err, "decoding "+v.Name+" userinfo")
	}
	ident := ProviderIdentity{
		ID:    field(info, v.IDField),
		Email: field(info, v.EmailField),
		Name:  field(info, v.NameField),
	}
	if ident.ID == "" {
		return ProviderIdentity{}, errors.Errorf("%s userinfo: missing %s", v.Name, v.IDField)
	}
	return ident, nil
}

func field(info map[string]interface{}, name string) string {
	switch v := info[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}
