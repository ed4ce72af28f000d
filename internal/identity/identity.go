package identity

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

// nameFormat: identity names and function strings share the same format.
var nameFormat = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// stringSlice coerces a details value into a []string. encoding/json
// decodes a JSON array into []interface{}, never []string, so a plain
// `.([]string)` assertion never succeeds for values coming off the wire;
// this also accepts a literal []string for values built up in Go.
func stringSlice(raw interface{}) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

const (
	identitiesCollection      = "identities"
	authenticationsCollection = "authentications"
)

// TokenIssuer is the subset of the token service the identity service
// needs to mint operator tokens on successful authenticate.
type TokenIssuer interface {
	Issue(subject string, opts token.IssueOptions) (*token.IssueResult, error)
}

// Service provides identity CRUD and the operator-auth endpoint.
type Service struct {
	identities *datastore.Collection
	auths      *datastore.Collection
	providers  *Registry
	tokens     TokenIssuer
	tokenTTL   time.Duration
	log        *slog.Logger
}

// New creates a Service over ds's "identities" and "authentications"
// collections, taken under those exact names (ds decides any prefix).
func New(ds interface{ Collection(string) *datastore.Collection }, providers *Registry, tokens TokenIssuer, tokenTTL time.Duration, log *slog.Logger) *Service {
	return &Service{
		identities: ds.Collection(identitiesCollection),
		auths:      ds.Collection(authenticationsCollection),
		providers:  providers,
		tokens:     tokens,
		tokenTTL:   tokenTTL,
		log:        log,
	}
}

// ValidateOptions customizes validateIdentitySpec.
type ValidateOptions struct {
	NewIdentity   bool
	ValidFunctions []string // if set, functions must be a subset
}

// ValidateResult is the clean, validated form of a spec request.
type ValidateResult struct {
	Clean    map[string]interface{}
	AuthType string
}

// validateIdentitySpec checks name format/uniqueness, auth.type against
// registered providers (delegating to provider.Validate), and functions
// format/allow-list.
func (s *Service) validateIdentitySpec(details map[string]interface{}, opts ValidateOptions) (*ValidateResult, error) {
	name, _ := details["name"].(string)
	if name == "" || !nameFormat.MatchString(name) {
		return nil, apperror.New(apperror.KindRequest, "name must match [A-Za-z0-9_.-]+")
	}

	existing, err := s.identities.FindOne(datastore.Doc{"name": name})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if opts.NewIdentity && existing != nil {
		return nil, apperror.New(apperror.KindRequest, "identity name already exists")
	}
	if !opts.NewIdentity && existing == nil {
		return nil, apperror.New(apperror.KindRequest, "identity name does not exist")
	}

	clean := map[string]interface{}{"name": name}

	if authRaw, ok := details["auth"].(map[string]interface{}); ok {
		authType, _ := authRaw["type"].(string)
		provider, ok := s.providers.Get(authType)
		if !ok {
			return nil, apperror.New(apperror.KindServerConfiguration, fmt.Sprintf("unknown auth type %q", authType))
		}
		cleanAuth, err := provider.Validate(authRaw)
		if err != nil {
			return nil, apperror.New(apperror.KindRequest, err.Error())
		}
		clean["auth"] = cleanAuth
		clean["authType"] = authType
	} else if opts.NewIdentity {
		return nil, apperror.New(apperror.KindRequest, "auth is required")
	}

	if functionsRaw, ok := stringSlice(details["functions"]); ok {
		for _, fn := range functionsRaw {
			if !nameFormat.MatchString(fn) {
				return nil, apperror.New(apperror.KindRequest, fmt.Sprintf("invalid function name %q", fn))
			}
		}
		if opts.ValidFunctions != nil {
			allowed := make(map[string]bool, len(opts.ValidFunctions))
			for _, f := range opts.ValidFunctions {
				allowed[f] = true
			}
			for _, fn := range functionsRaw {
				if !allowed[fn] {
					return nil, apperror.New(apperror.KindRequest, fmt.Sprintf("function %q is not recognized", fn))
				}
			}
		}
		clean["functions"] = functionsRaw
	}

	authType, _ := clean["authType"].(string)
	return &ValidateResult{Clean: clean, AuthType: authType}, nil
}

// addIdentity validates with newIdentity=true, commits auth, inserts the
// identity.
func (s *Service) AddIdentity(details map[string]interface{}) (*model.Identity, error) {
	result, err := s.validateIdentitySpec(details, ValidateOptions{NewIdentity: true})
	if err != nil {
		return nil, err
	}

	provider, _ := s.providers.Get(result.AuthType)
	authClean, _ := result.Clean["auth"].(map[string]interface{})
	authRecord, err := provider.Commit(authClean)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerAuthCommit, err)
	}
	authRecord.ID = uuid.NewString()

	authDoc, err := datastore.ToDoc(authRecord)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.auths.InsertOne(authDoc); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	now := time.Now().UTC()
	var functions []string
	if fns, ok := result.Clean["functions"].([]string); ok {
		functions = fns
	}
	identityRec := model.Identity{
		ID:        uuid.NewString(),
		Name:      result.Clean["name"].(string),
		AuthID:    authRecord.ID,
		Functions: functions,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identityDoc, err := datastore.ToDoc(identityRec)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.identities.InsertOne(identityDoc); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &identityRec, nil
}

// SetOptions customizes SetIdentity.
type SetOptions struct {
	AllowSecurityEdit bool
}

// SetIdentity applies a per-field switch over details: `auth` commits a
// fresh record and rebinds AuthID; `functions` is applied only if
// AllowSecurityEdit — self-edit must not escalate privileges; `id` is
// rejected silently (simply ignored).
func (s *Service) SetIdentity(id string, details map[string]interface{}, opts SetOptions) (*model.Identity, error) {
	idDoc, err := s.identities.FindOne(datastore.Doc{"id": id})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if idDoc == nil {
		return nil, apperror.New(apperror.KindNotFound, "identity not found")
	}
	var current model.Identity
	if err := datastore.FromDoc(idDoc, &current); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	// name is immutable after creation; only validate other fields.
	details = withoutKeys(details, "id", "name")

	if authRaw, ok := details["auth"].(map[string]interface{}); ok {
		authType, _ := authRaw["type"].(string)
		provider, ok := s.providers.Get(authType)
		if !ok {
			return nil, apperror.New(apperror.KindServerConfiguration, fmt.Sprintf("unknown auth type %q", authType))
		}
		clean, err := provider.Validate(authRaw)
		if err != nil {
			return nil, apperror.New(apperror.KindRequest, err.Error())
		}
		newAuth, err := provider.Commit(clean)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindServerAuthCommit, err)
		}
		newAuth.ID = uuid.NewString()
		newAuthDoc, err := datastore.ToDoc(newAuth)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		if err := s.auths.InsertOne(newAuthDoc); err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		oldAuthID := current.AuthID
		current.AuthID = newAuth.ID
		_ = s.auths.DeleteOne(datastore.Doc{"id": oldAuthID})
	}

	if functionsRaw, ok := stringSlice(details["functions"]); ok {
		if !opts.AllowSecurityEdit {
			return nil, apperror.New(apperror.KindAuthenticationFail, "functions may not be edited here")
		}
		for _, fn := range functionsRaw {
			if !nameFormat.MatchString(fn) {
				return nil, apperror.New(apperror.KindRequest, fmt.Sprintf("invalid function name %q", fn))
			}
		}
		current.Functions = functionsRaw
	}

	current.UpdatedAt = time.Now().UTC()
	updatedDoc, err := datastore.ToDoc(current)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.identities.ReplaceOne(datastore.Doc{"id": id}, updatedDoc); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &current, nil
}

// RemoveIdentity cascades to the linked auth record; both removals
// complete before returning success.
func (s *Service) RemoveIdentity(id string) error {
	doc, err := s.identities.FindOne(datastore.Doc{"id": id})
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return apperror.New(apperror.KindNotFound, "identity not found")
	}
	var rec model.Identity
	if err := datastore.FromDoc(doc, &rec); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.auths.DeleteOne(datastore.Doc{"id": rec.AuthID}); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.identities.DeleteOne(datastore.Doc{"id": id}); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	return nil
}

// GetIdentity fetches by id.
func (s *Service) GetIdentity(id string) (*model.Identity, error) {
	doc, err := s.identities.FindOne(datastore.Doc{"id": id})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return nil, apperror.New(apperror.KindNotFound, "identity not found")
	}
	var rec model.Identity
	if err := datastore.FromDoc(doc, &rec); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &rec, nil
}

// ListIdentities returns every identity.
func (s *Service) ListIdentities() ([]model.Identity, error) {
	docs, err := s.identities.Find(datastore.Doc{})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	out := make([]model.Identity, 0, len(docs))
	for _, d := range docs {
		var rec model.Identity
		if err := datastore.FromDoc(d, &rec); err != nil {
			return nil, apperror.Wrap(apperror.KindServerError, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of identities.
func (s *Service) Count() (int, error) {
	docs, err := s.identities.Find(datastore.Doc{})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// AuthenticateResult carries the issued operator token on success.
type AuthenticateResult struct {
	Identity model.Identity
	Token    string
}

// Authenticate validates, fetches identity by name, fetches auth by
// authId, delegates verification to the auth provider, issues an
// operator token on success.
func (s *Service) Authenticate(name string, offered map[string]interface{}) (*AuthenticateResult, error) {
	idDoc, err := s.identities.FindOne(datastore.Doc{"name": name})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if idDoc == nil {
		return nil, apperror.New(apperror.KindAuthenticationFail, "unknown identity")
	}
	var rec model.Identity
	if err := datastore.FromDoc(idDoc, &rec); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	authDoc, err := s.auths.FindOne(datastore.Doc{"id": rec.AuthID})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if authDoc == nil {
		return nil, apperror.New(apperror.KindMissingAuthRecord, "identity has no authentication record")
	}
	var authRec model.Authentication
	if err := datastore.FromDoc(authDoc, &authRec); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	provider, ok := s.providers.Get(authRec.Type)
	if !ok {
		return nil, apperror.New(apperror.KindServerConfiguration, fmt.Sprintf("unknown auth type %q", authRec.Type))
	}
	if err := provider.Authenticate(&authRec, offered); err != nil {
		return nil, apperror.New(apperror.KindAuthenticationFail, err.Error())
	}

	issued, err := s.tokens.Issue(rec.ID, token.IssueOptions{TTL: s.tokenTTL, Context: map[string]interface{}{
		"functions": rec.Functions,
	}})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	return &AuthenticateResult{Identity: rec, Token: issued.Token}, nil
}

func withoutKeys(m map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[k] = true
	}
	for k, v := range m {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}
