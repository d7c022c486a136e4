// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the auth package.
	Error = errs.Class("auth")
	// ErrUnauthorized means the caller presented no usable credential.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrForbidden means the credential is valid but does not cover
	// the requested resource.
	ErrForbidden = errs.Class("forbidden")
)

const (
	// KeySecretPrefix starts every issued API key secret.
	KeySecretPrefix = "dp_"

	// KeyPrefixLength is how much of the secret is stored in clear for
	// lookup. Long enough that collisions stay rare, short enough that
	// the prefix alone is useless.
	KeyPrefixLength = 12

	// DefaultHashCost is the bcrypt cost for stored key hashes.
	DefaultHashCost = bcrypt.DefaultCost
	// TestHashCost makes test suites bearable.
	TestHashCost = bcrypt.MinCost
)

// Identity is the outcome of a successful authorization.
type Identity struct {
	Admin bool
	Key   *APIKey
}

// Config holds auth service settings.
type Config struct {
	HashCost int `help:"bcrypt cost for API key hashes, 0 means the library default" default:"0"`
}

// Service issues keys and decides requests.
//
// architecture: Service
type Service struct {
	log         *zap.Logger
	keys        Keys
	s3keys      S3Keys
	adminSecret []byte
	hashCost    int
	now         func() time.Time
}

// NewService constructs the auth service. An empty adminSecret
// disables admin authentication entirely.
func NewService(log *zap.Logger, keys Keys, s3keys S3Keys, adminSecret string, config Config) *Service {
	cost := config.HashCost
	if cost == 0 {
		cost = DefaultHashCost
	}
	return &Service{
		log:         log,
		keys:        keys,
		s3keys:      s3keys,
		adminSecret: []byte(adminSecret),
		hashCost:    cost,
		now:         time.Now,
	}
}

// GenerateSecret returns a fresh API key secret.
func GenerateSecret() (string, error) {
	var raw [30]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return KeySecretPrefix + base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// KeyPrefix returns the stored lookup prefix for a secret.
func KeyPrefix(secret string) string {
	if len(secret) < KeyPrefixLength {
		return secret
	}
	return secret[:KeyPrefixLength]
}

// HashKey derives the stored hash for a secret.
func (service *Service) HashKey(secret string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), service.hashCost)
	return hash, Error.Wrap(err)
}

// VerifyKey reports whether secret matches the stored hash.
func VerifyKey(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// CreateKey issues a new key for the project. The returned secret is
// shown exactly once and cannot be recovered later. Branch-scoped
// keys carry the branch they are confined to.
func (service *Service) CreateKey(ctx context.Context, projectID, branchID string, scope Scope, description string, expires *time.Time) (_ APIKey, secret string, err error) {
	defer mon.Task()(&ctx)(&err)

	switch scope {
	case ScopeProjectAdmin:
		branchID = ""
	case ScopeBranchAdmin, ScopeBranchRead:
		if branchID == "" {
			return APIKey{}, "", Error.New("scope %q requires a branch", scope)
		}
	default:
		return APIKey{}, "", Error.New("unknown scope %q", scope)
	}

	secret, err = GenerateSecret()
	if err != nil {
		return APIKey{}, "", err
	}
	hash, err := service.HashKey(secret)
	if err != nil {
		return APIKey{}, "", err
	}

	key, err := service.keys.Create(ctx, APIKey{
		ID:          newKeyID(),
		ProjectID:   projectID,
		BranchID:    branchID,
		Scope:       scope,
		Description: description,
		KeyHash:     hash,
		KeyPrefix:   KeyPrefix(secret),
		CreatedAt:   service.now().UTC(),
		ExpiresAt:   expires,
	})
	if err != nil {
		return APIKey{}, "", Error.Wrap(err)
	}

	service.log.Info("api key issued",
		zap.String("key_id", key.ID),
		zap.String("project_id", projectID),
		zap.String("scope", string(scope)))
	return key, secret, nil
}

// RevokeKey permanently disables a key.
func (service *Service) RevokeKey(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(service.keys.Revoke(ctx, id, service.now().UTC()))
}

// VerifyAdmin reports whether the presented secret is the admin
// secret. The comparison is constant time and an unset admin secret
// never matches.
func (service *Service) VerifyAdmin(secret string) bool {
	if len(service.adminSecret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(service.adminSecret, []byte(secret)) == 1
}

// Resolve authenticates a presented secret: admin first, then the
// key registry. It does not check resource access.
func (service *Service) Resolve(ctx context.Context, secret string) (_ Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	if secret == "" {
		return Identity{}, ErrUnauthorized.New("missing credentials")
	}
	if service.VerifyAdmin(secret) {
		return Identity{Admin: true}, nil
	}

	candidates, err := service.keys.GetByPrefix(ctx, KeyPrefix(secret))
	if err != nil {
		return Identity{}, Error.Wrap(err)
	}
	now := service.now()
	for i := range candidates {
		key := candidates[i]
		if !VerifyKey(key.KeyHash, secret) {
			continue
		}
		if !key.Live(now) {
			return Identity{}, ErrUnauthorized.New("key is revoked or expired")
		}
		service.touch(ctx, key.ID)
		return Identity{Key: &key}, nil
	}
	mon.Counter("auth_invalid_key").Inc(1)
	return Identity{}, ErrUnauthorized.New("invalid api key")
}

// AuthorizeProject decides access to project-level operations.
func (service *Service) AuthorizeProject(ctx context.Context, secret, projectID string) (_ Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	identity, err := service.Resolve(ctx, secret)
	if err != nil {
		return Identity{}, err
	}
	if identity.Admin {
		return identity, nil
	}
	if identity.Key.ProjectID != projectID {
		return Identity{}, ErrForbidden.New("key does not belong to this project")
	}
	return identity, nil
}

// AuthorizeBranch decides access to operations inside one branch.
// Project-admin keys cover every branch of their project; branch
// scopes only cover their own.
func (service *Service) AuthorizeBranch(ctx context.Context, secret, projectID, branchID string) (_ Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	identity, err := service.AuthorizeProject(ctx, secret, projectID)
	if err != nil {
		return Identity{}, err
	}
	if identity.Admin {
		return identity, nil
	}
	switch identity.Key.Scope {
	case ScopeProjectAdmin:
		return identity, nil
	case ScopeBranchAdmin, ScopeBranchRead:
		if identity.Key.BranchID == branchID {
			return identity, nil
		}
		return Identity{}, ErrForbidden.New("key is scoped to another branch")
	default:
		return Identity{}, ErrForbidden.New("scope %q cannot access branches", identity.Key.Scope)
	}
}

// AuthorizeWrite rejects read-only keys. It assumes the identity
// already passed a branch or project check.
func (service *Service) AuthorizeWrite(identity Identity) error {
	if identity.Admin {
		return nil
	}
	if identity.Key.Scope == ScopeBranchRead {
		return ErrForbidden.New("key is read only")
	}
	return nil
}

// AuthorizeDriver accepts any live credential. Driver sessions pin
// their project when they open, not per statement.
func (service *Service) AuthorizeDriver(ctx context.Context, secret string) (_ Identity, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Resolve(ctx, secret)
}

// CreateS3Key issues a signature-v4 credential. An empty projectID
// makes an admin credential.
func (service *Service) CreateS3Key(ctx context.Context, projectID, description string) (_ S3AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return S3AccessKey{}, Error.Wrap(err)
	}
	var secretRaw [30]byte
	if _, err := rand.Read(secretRaw[:]); err != nil {
		return S3AccessKey{}, Error.Wrap(err)
	}

	key, err := service.s3keys.Create(ctx, S3AccessKey{
		AccessKeyID: "DPAK" + base32Upper(raw[:]),
		Secret:      base64.RawURLEncoding.EncodeToString(secretRaw[:]),
		ProjectID:   projectID,
		Description: description,
		CreatedAt:   service.now().UTC(),
	})
	return key, Error.Wrap(err)
}

// LookupS3Key fetches a live credential by access key id.
func (service *Service) LookupS3Key(ctx context.Context, accessKeyID string) (_ S3AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := service.s3keys.Get(ctx, accessKeyID)
	if err != nil {
		return S3AccessKey{}, ErrUnauthorized.New("unknown access key")
	}
	if !key.Live() {
		return S3AccessKey{}, ErrUnauthorized.New("access key is revoked")
	}
	return key, nil
}

// touch records key usage without failing the request.
func (service *Service) touch(ctx context.Context, id string) {
	if err := service.keys.UpdateLastUsed(ctx, id, service.now().UTC()); err != nil {
		service.log.Debug("last used update failed", zap.String("key_id", id), zap.Error(err))
	}
}

func newKeyID() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return "key_" + base64.RawURLEncoding.EncodeToString(raw[:])
}

// base32Upper encodes without padding using the uppercase hex-ish
// alphabet AWS access key ids use.
func base32Upper(data []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var out []byte
	var acc, bits uint
	for _, b := range data {
		acc = acc<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, alphabet[acc>>bits&31])
		}
	}
	if bits > 0 {
		out = append(out, alphabet[acc<<(5-bits)&31])
	}
	return string(out)
}
