// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package auth_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/internal/testcontext"
)

func newService(t *testing.T, adminSecret string) (*auth.Service, *fakeKeys) {
	keys := &fakeKeys{byID: map[string]auth.APIKey{}}
	return auth.NewService(zaptest.NewLogger(t), keys, &fakeS3Keys{byID: map[string]auth.S3AccessKey{}},
		adminSecret, auth.Config{HashCost: auth.TestHashCost}), keys
}

func TestResolveKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "")

	key, secret, err := service.CreateKey(ctx, "proj1", "", auth.ScopeProjectAdmin, "ci", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(secret, "dp_"))
	require.Equal(t, secret[:auth.KeyPrefixLength], key.KeyPrefix)

	identity, err := service.Resolve(ctx, secret)
	require.NoError(t, err)
	require.False(t, identity.Admin)
	require.Equal(t, key.ID, identity.Key.ID)

	_, err = service.Resolve(ctx, "dp_definitely-not-issued-by-anyone")
	require.True(t, auth.ErrUnauthorized.Has(err))

	_, err = service.Resolve(ctx, "")
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestResolveRevokedAndExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "")

	key, secret, err := service.CreateKey(ctx, "proj1", "", auth.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)
	require.NoError(t, service.RevokeKey(ctx, key.ID))

	_, err = service.Resolve(ctx, secret)
	require.True(t, auth.ErrUnauthorized.Has(err))

	past := time.Now().Add(-time.Hour)
	_, expiredSecret, err := service.CreateKey(ctx, "proj1", "", auth.ScopeProjectAdmin, "", &past)
	require.NoError(t, err)

	_, err = service.Resolve(ctx, expiredSecret)
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestVerifyAdmin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "super-secret")
	require.True(t, service.VerifyAdmin("super-secret"))
	require.False(t, service.VerifyAdmin("super-secret-not"))
	require.False(t, service.VerifyAdmin(""))

	identity, err := service.AuthorizeProject(ctx, "super-secret", "any-project")
	require.NoError(t, err)
	require.True(t, identity.Admin)

	// no admin secret configured means no admin access, not
	// empty-matches-empty
	unset, _ := newService(t, "")
	require.False(t, unset.VerifyAdmin(""))
}

func TestAuthorizeProject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "")

	_, secret, err := service.CreateKey(ctx, "proj1", "", auth.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)

	_, err = service.AuthorizeProject(ctx, secret, "proj1")
	require.NoError(t, err)

	_, err = service.AuthorizeProject(ctx, secret, "proj2")
	require.True(t, auth.ErrForbidden.Has(err))
}

func TestAuthorizeBranch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "")

	_, projectSecret, err := service.CreateKey(ctx, "proj1", "", auth.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)
	_, branchSecret, err := service.CreateKey(ctx, "proj1", "dev1", auth.ScopeBranchAdmin, "", nil)
	require.NoError(t, err)
	_, readSecret, err := service.CreateKey(ctx, "proj1", "dev1", auth.ScopeBranchRead, "", nil)
	require.NoError(t, err)

	// project admin reaches every branch of its project
	_, err = service.AuthorizeBranch(ctx, projectSecret, "proj1", "main")
	require.NoError(t, err)
	_, err = service.AuthorizeBranch(ctx, projectSecret, "proj1", "dev1")
	require.NoError(t, err)

	// branch scopes are confined to their branch
	_, err = service.AuthorizeBranch(ctx, branchSecret, "proj1", "dev1")
	require.NoError(t, err)
	_, err = service.AuthorizeBranch(ctx, branchSecret, "proj1", "main")
	require.True(t, auth.ErrForbidden.Has(err))

	// read scope reaches its branch but cannot write
	readIdentity, err := service.AuthorizeBranch(ctx, readSecret, "proj1", "dev1")
	require.NoError(t, err)
	err = service.AuthorizeWrite(readIdentity)
	require.True(t, auth.ErrForbidden.Has(err))

	writeIdentity, err := service.AuthorizeBranch(ctx, branchSecret, "proj1", "dev1")
	require.NoError(t, err)
	require.NoError(t, service.AuthorizeWrite(writeIdentity))
}

func TestCreateKeyValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, "")

	_, _, err := service.CreateKey(ctx, "proj1", "", auth.ScopeBranchAdmin, "", nil)
	require.Error(t, err)

	_, _, err = service.CreateKey(ctx, "proj1", "dev1", auth.Scope("superuser"), "", nil)
	require.Error(t, err)

	// project_admin keys never carry a branch
	key, _, err := service.CreateKey(ctx, "proj1", "dev1", auth.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)
	require.Empty(t, key.BranchID)
}

func TestPresigner(t *testing.T) {
	presigner := auth.NewPresigner([]byte("signing-secret"))

	query := presigner.Query("GET", "in_c_sales", "reports/q3.csv", time.Hour)
	require.NoError(t, presigner.Verify("GET", "in_c_sales", "reports/q3.csv", query))

	// signed for GET, presented as DELETE
	err := presigner.Verify("DELETE", "in_c_sales", "reports/q3.csv", query)
	require.True(t, auth.ErrForbidden.Has(err))

	// another object
	err = presigner.Verify("GET", "in_c_sales", "reports/q4.csv", query)
	require.True(t, auth.ErrForbidden.Has(err))

	// tampered signature
	tampered := cloneValues(query)
	tampered.Set(auth.ParamSignature, strings.Repeat("0", 64))
	err = presigner.Verify("GET", "in_c_sales", "reports/q3.csv", tampered)
	require.True(t, auth.ErrForbidden.Has(err))

	// expired
	expired := presigner.Query("GET", "in_c_sales", "reports/q3.csv", -time.Minute)
	err = presigner.Verify("GET", "in_c_sales", "reports/q3.csv", expired)
	require.True(t, auth.ErrForbidden.Has(err))

	// missing parameters
	err = presigner.Verify("GET", "in_c_sales", "reports/q3.csv", url.Values{})
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestSigV4(t *testing.T) {
	const accessKey = "DPAKEXAMPLE"
	const secret = "wJalrXUtnFEMI"

	r := httptest.NewRequest("GET", "http://localhost:9000/in_c_sales/orders.csv", nil)
	r.Host = "localhost:9000"
	r.Header.Set("X-Amz-Date", "20250611T000000Z")
	r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	signed := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	signature := signV4(r.Method, "/in_c_sales/orders.csv", "", map[string]string{
		"host":                 "localhost:9000",
		"x-amz-content-sha256": "UNSIGNED-PAYLOAD",
		"x-amz-date":           "20250611T000000Z",
	}, signed, secret, "20250611T000000Z", "20250611")

	header := "AWS4-HMAC-SHA256 Credential=" + accessKey + "/20250611/us-east-1/s3/aws4_request, " +
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=" + signature

	parsed, err := auth.ParseSigV4(header)
	require.NoError(t, err)
	require.Equal(t, accessKey, parsed.AccessKeyID)
	require.Equal(t, "us-east-1", parsed.Region)

	require.NoError(t, auth.VerifySigV4(r, parsed, secret))
	err = auth.VerifySigV4(r, parsed, "another-secret")
	require.True(t, auth.ErrUnauthorized.Has(err))

	_, err = auth.ParseSigV4("Bearer dp_something")
	require.True(t, auth.ErrUnauthorized.Has(err))
}

// signV4 is an independent reference signer so the verifier is not
// tested against itself.
func signV4(method, path, query string, headers map[string]string, signed []string, secret, amzDate, date string) string {
	var canonicalHeaders strings.Builder
	for _, name := range signed {
		canonicalHeaders.WriteString(name + ":" + headers[name] + "\n")
	}
	canonical := strings.Join([]string{
		method, path, query,
		canonicalHeaders.String(),
		strings.Join(signed, ";"),
		headers["x-amz-content-sha256"],
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate,
		date + "/us-east-1/s3/aws4_request",
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := func(key, data []byte) []byte {
		h := hmac.New(sha256.New, key)
		h.Write(data)
		return h.Sum(nil)
	}
	key := mac([]byte("AWS4"+secret), []byte(date))
	key = mac(key, []byte("us-east-1"))
	key = mac(key, []byte("s3"))
	key = mac(key, []byte("aws4_request"))
	return hex.EncodeToString(mac(key, []byte(stringToSign)))
}

func cloneValues(values url.Values) url.Values {
	out := url.Values{}
	for k, v := range values {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// fakeKeys is an in-memory Keys for service tests.
type fakeKeys struct {
	mu   sync.Mutex
	byID map[string]auth.APIKey
}

func (f *fakeKeys) Create(ctx context.Context, key auth.APIKey) (auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[key.ID] = key
	return key, nil
}

func (f *fakeKeys) Get(ctx context.Context, id string) (auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeKeys) GetByPrefix(ctx context.Context, prefix string) ([]auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.APIKey
	for _, key := range f.byID {
		if key.KeyPrefix == prefix {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *fakeKeys) List(ctx context.Context, projectID string) ([]auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.APIKey
	for _, key := range f.byID {
		if key.ProjectID == projectID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *fakeKeys) Revoke(ctx context.Context, id string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.byID[id]
	key.RevokedAt = &when
	f.byID[id] = key
	return nil
}

func (f *fakeKeys) DeleteForProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, key := range f.byID {
		if key.ProjectID == projectID {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeKeys) UpdateLastUsed(ctx context.Context, id string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.byID[id]
	key.LastUsedAt = &when
	f.byID[id] = key
	return nil
}

type fakeS3Keys struct {
	mu   sync.Mutex
	byID map[string]auth.S3AccessKey
}

func (f *fakeS3Keys) Create(ctx context.Context, key auth.S3AccessKey) (auth.S3AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[key.AccessKeyID] = key
	return key, nil
}

func (f *fakeS3Keys) Get(ctx context.Context, accessKeyID string) (auth.S3AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.byID[accessKeyID]
	if !ok {
		return auth.S3AccessKey{}, auth.Error.New("not found")
	}
	return key, nil
}

func (f *fakeS3Keys) List(ctx context.Context, projectID string) ([]auth.S3AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.S3AccessKey
	for _, key := range f.byID {
		if key.ProjectID == projectID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *fakeS3Keys) Revoke(ctx context.Context, accessKeyID string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.byID[accessKeyID]
	key.RevokedAt = &when
	f.byID[accessKeyID] = key
	return nil
}
