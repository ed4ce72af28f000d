package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/morrigan-hq/morrigan-server/internal/model"
)

// OIDCConfig configures the `oidc` authentication provider: operators
// authenticate against an external identity provider instead of a local
// password.
type OIDCConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OIDCProvider authenticates operators via an external OIDC issuer. The
// `idToken` field of offered details carries the raw ID token obtained
// by the operator's OIDC login flow (performed outside this package);
// Authenticate verifies it against the configured issuer/audience.
type OIDCProvider struct {
	cfg      OIDCConfig
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
}

// NewOIDCProvider initializes OIDC discovery. Returns nil, nil when the
// config is disabled or incomplete — the registry simply omits `oidc`.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled || cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCProvider{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

func (p *OIDCProvider) Type() string { return "oidc" }

func (p *OIDCProvider) Validate(details map[string]interface{}) (map[string]interface{}, error) {
	subject, _ := details["subject"].(string)
	if subject == "" {
		return nil, fmt.Errorf("oidc subject is required")
	}
	return map[string]interface{}{"subject": subject}, nil
}

func (p *OIDCProvider) Commit(clean map[string]interface{}) (*model.Authentication, error) {
	subject, _ := clean["subject"].(string)
	return &model.Authentication{
		Type: "oidc",
		OIDC: &model.OIDCAuth{Issuer: p.cfg.IssuerURL, Subject: subject},
	}, nil
}

func (p *OIDCProvider) Authenticate(stored *model.Authentication, offered map[string]interface{}) error {
	if stored.OIDC == nil {
		return fmt.Errorf("authentication record has no oidc variant")
	}
	rawIDToken, _ := offered["idToken"].(string)
	if rawIDToken == "" {
		return fmt.Errorf("missing idToken")
	}
	idToken, err := p.verifier.Verify(context.Background(), rawIDToken)
	if err != nil {
		return fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Subject != stored.OIDC.Subject || idToken.Issuer != stored.OIDC.Issuer {
		return fmt.Errorf("id token subject/issuer mismatch")
	}
	return nil
}
