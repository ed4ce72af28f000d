// Package token implements the token service: issuance and verification
// of asymmetrically-signed bearer tokens, key rotation, and the shared
// verification record store.
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
)

const collectionName = "tokenRecords"

// IssueOptions customizes Issue.
type IssueOptions struct {
	Issuer  string
	TTL     time.Duration
	Context map[string]interface{}
}

// IssueResult is the {record, token} pair returned by Issue.
type IssueResult struct {
	Record model.TokenRecord
	Token  string
}

// VerifyResult is the success payload of Verify.
type VerifyResult struct {
	Subject string
	Context map[string]interface{}
}

// Service owns an asymmetric keypair used to sign tokens, rotating it on
// a configurable interval, and persists verification records through the
// data store.
type Service struct {
	mu         sync.RWMutex
	privateKey *ecdsa.PrivateKey
	publicDER  []byte

	docs     *datastore.Collection
	log      *slog.Logger
	rotation time.Duration
	cronJob  *cron.Cron

	issuer string
}

// New creates a Service backed by coll, rotating keys every `rotation`.
// A non-positive rotation means keys regenerate after every issuance.
func New(coll *datastore.Collection, log *slog.Logger, issuer string, rotation time.Duration) (*Service, error) {
	s := &Service{
		docs:     coll,
		log:      log,
		rotation: rotation,
		issuer:   issuer,
	}
	if err := s.rotateKey(); err != nil {
		return nil, err
	}
	if rotation > 0 {
		s.cronJob = cron.New()
		spec := fmt.Sprintf("@every %s", rotation)
		if _, err := s.cronJob.AddFunc(spec, func() {
			if err := s.rotateKey(); err != nil {
				s.log.Error("key rotation failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule key rotation: %w", err)
		}
		s.cronJob.Start()
	}
	return s, nil
}

// rotateKey generates a fresh ECDSA P-256 keypair and swaps it in
// atomically. Past verification records keep referencing their issuing
// public key, so rotation never invalidates outstanding tokens.
func (s *Service) rotateKey() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	s.mu.Lock()
	s.privateKey = key
	s.publicDER = der
	s.mu.Unlock()
	return nil
}

func (s *Service) currentKey() (*ecdsa.PrivateKey, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.privateKey, s.publicDER
}

// Issue allocates a fresh verification record and signs a compact token
// carrying {sub, iss, kid, iat, exp, context}. If a prior record exists
// for the same subject, it is replaced — the mechanism by which re-issuing
// revokes the predecessor.
func (s *Service) Issue(subject string, opts IssueOptions) (*IssueResult, error) {
	if opts.Issuer == "" {
		opts.Issuer = s.issuer
	}
	now := time.Now().UTC()
	rec := model.TokenRecord{
		ID:      uuid.NewString(),
		Issuer:  opts.Issuer,
		Subject: subject,
		Issued:  now,
		Expires: now.Add(opts.TTL),
	}
	priv, pubDER := s.currentKey()
	rec.PublicKey = pubDER

	// Replace-by-subject: delete any prior record for this subject before
	// inserting the new one, so re-issuing unconditionally revokes the
	// predecessor.
	if err := s.docs.DeleteOne(datastore.Doc{"subject": subject}); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	doc, err := datastore.ToDoc(rec)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if err := s.docs.InsertOne(doc); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	claims := jwt.MapClaims{
		"sub": subject,
		"iss": opts.Issuer,
		"iat": now.Unix(),
		"exp": rec.Expires.Unix(),
	}
	if opts.Context != nil {
		claims["context"] = opts.Context
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = rec.ID

	signed, err := tok.SignedString(priv)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}

	if s.rotation <= 0 {
		if err := s.rotateKey(); err != nil {
			s.log.Error("key rotation failed", "error", err)
		}
	}

	return &IssueResult{Record: rec, Token: signed}, nil
}

// Verify parses token, resolves its kid to a verification record, and
// checks signature, issuer, subject, and expiry. Never returns raw parser
// output — only a classified apperror.Kind.
func (s *Service) Verify(tokenString string) (*VerifyResult, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidToken, "malformed token")
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, apperror.New(apperror.KindInvalidToken, "missing kid")
	}

	doc, err := s.docs.FindOne(datastore.Doc{"id": kid})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if doc == nil {
		return nil, apperror.New(apperror.KindNoRecord, "no verification record for kid")
	}
	var rec model.TokenRecord
	if err := datastore.FromDoc(doc, &rec); err != nil {
		return nil, apperror.Wrap(apperror.KindServerError, err)
	}
	if len(rec.PublicKey) == 0 || rec.Issuer == "" || rec.Subject == "" {
		return nil, apperror.New(apperror.KindInvalidRecord, "incomplete verification record")
	}

	pubAny, err := x509.ParsePKIXPublicKey(rec.PublicKey)
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidRecord, "unparseable public key")
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return nil, apperror.New(apperror.KindInvalidRecord, "public key is not ECDSA")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil || !parsed.Valid {
		return nil, apperror.New(apperror.KindInvalidToken, "signature verification failed")
	}

	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	if sub != rec.Subject || iss != rec.Issuer {
		return nil, apperror.New(apperror.KindInvalidToken, "subject/issuer mismatch")
	}

	expF, _ := claims["exp"].(float64)
	if time.Now().UTC().After(time.Unix(int64(expF), 0).UTC()) {
		return nil, apperror.New(apperror.KindInvalidToken, "token expired")
	}

	var ctx map[string]interface{}
	if c, ok := claims["context"].(map[string]interface{}); ok {
		ctx = c
	}
	return &VerifyResult{Subject: sub, Context: ctx}, nil
}

// Revoke deletes the current verification record for subject, if any.
// Any token already issued for subject fails verification afterward,
// since Verify's kid lookup finds no record.
func (s *Service) Revoke(subject string) error {
	if err := s.docs.DeleteOne(datastore.Doc{"subject": subject}); err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	return nil
}

// PurgeExpired removes verification records whose expiry (plus grace) has
// passed. Safe to call lazily/periodically; retention beyond expiry lets
// in-flight verifications that race a restart still succeed briefly.
func (s *Service) PurgeExpired(grace time.Duration) (int, error) {
	docs, err := s.docs.Find(datastore.Doc{})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, d := range docs {
		var rec model.TokenRecord
		if err := datastore.FromDoc(d, &rec); err != nil {
			continue
		}
		if now.After(rec.Expires.Add(grace)) {
			if err := s.docs.DeleteOne(datastore.Doc{"id": rec.ID}); err == nil {
				n++
			}
		}
	}
	return n, nil
}

// Dispose stops key rotation.
func (s *Service) Dispose() {
	if s.cronJob != nil {
		s.cronJob.Stop()
	}
}
