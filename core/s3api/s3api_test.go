// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package s3api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/s3api"
	"duckpond.io/duckpond/internal/testcontext"
)

const (
	adminSecret   = "admin-secret"
	signingSecret = "signing-secret"
)

type fixture struct {
	ts        *httptest.Server
	auth      *auth.Service
	presigner *auth.Presigner
}

func newFixture(t *testing.T, ctx *testcontext.Context, config s3api.Config) *fixture {
	lay := layout.New(ctx.Dir("data"))
	authService := auth.NewService(zaptest.NewLogger(t),
		&fakeKeys{byID: map[string]auth.APIKey{}},
		&fakeS3Keys{byID: map[string]auth.S3AccessKey{}},
		adminSecret, auth.Config{HashCost: auth.TestHashCost})
	presigner := auth.NewPresigner([]byte(signingSecret))

	server := s3api.NewServer(zaptest.NewLogger(t), lay, authService, presigner, config)
	ts := httptest.NewServer(server)
	ctx.OnCleanup(func() error { ts.Close(); return nil })
	return &fixture{ts: ts, auth: authService, presigner: presigner}
}

// do sends one request with the admin bearer unless headers override
// the Authorization header entirely.
func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminSecret)
	for name, value := range headers {
		if value == "" {
			req.Header.Del(name)
		} else {
			req.Header.Set(name, value)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, payload
}

type errorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func errorCode(t *testing.T, payload []byte) string {
	var parsed errorBody
	require.NoError(t, xml.Unmarshal(payload, &parsed))
	return parsed.Code
}

func TestPutGetHeadDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	content := []byte("id,amount\n1,10\n2,20\n")
	sum := md5.Sum(content)
	wantETag := `"` + hex.EncodeToString(sum[:]) + `"`

	resp, _ := f.do(t, "PUT", "/s3/proj1/reports/q3.csv", content, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wantETag, resp.Header.Get("ETag"))

	resp, payload := f.do(t, "GET", "/s3/proj1/reports/q3.csv", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, payload)
	require.Equal(t, wantETag, resp.Header.Get("ETag"))
	require.Equal(t, strconv.Itoa(len(content)), resp.Header.Get("Content-Length"))
	require.True(t, strings.HasSuffix(resp.Header.Get("Last-Modified"), "GMT"))

	resp, payload = f.do(t, "HEAD", "/s3/proj1/reports/q3.csv", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, payload)
	require.Equal(t, wantETag, resp.Header.Get("ETag"))

	resp, payload = f.do(t, "GET", "/s3/proj1/reports/missing.csv", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NoSuchKey", errorCode(t, payload))

	resp, _ = f.do(t, "DELETE", "/s3/proj1/reports/q3.csv", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// deleting twice converges instead of erroring
	resp, _ = f.do(t, "DELETE", "/s3/proj1/reports/q3.csv", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/s3/proj1/reports/q3.csv", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutContentMD5(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	content := []byte("payload")
	sum := md5.Sum(content)

	wrong := md5.Sum([]byte("other payload"))
	resp, payload := f.do(t, "PUT", "/s3/proj1/data.bin", content, map[string]string{
		"Content-MD5": base64.StdEncoding.EncodeToString(wrong[:]),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "BadDigest", errorCode(t, payload))

	// the failed put left nothing behind
	resp, _ = f.do(t, "GET", "/s3/proj1/data.bin", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "PUT", "/s3/proj1/data.bin", content, map[string]string{
		"Content-MD5": base64.StdEncoding.EncodeToString(sum[:]),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload = f.do(t, "PUT", "/s3/proj1/data.bin", content, map[string]string{
		"Content-MD5": "definitely-not-base64!",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "InvalidArgument", errorCode(t, payload))
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		ETag string `xml:"ETag"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

func TestListObjectsV2(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	for _, key := range []string{"raw/a.json", "reports/q1.csv", "reports/q2.csv", "top.txt"} {
		resp, _ := f.do(t, "PUT", "/s3/proj1/"+key, []byte(key), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	list := func(query string) listResult {
		resp, payload := f.do(t, "GET", "/s3/proj1?"+query, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Content-Type"), "xml")
		var parsed listResult
		require.NoError(t, xml.Unmarshal(payload, &parsed))
		return parsed
	}

	all := list("list-type=2")
	require.Equal(t, 4, all.KeyCount)
	require.False(t, all.IsTruncated)
	require.Len(t, all.Contents, 4)
	require.Equal(t, "raw/a.json", all.Contents[0].Key)
	require.Equal(t, "top.txt", all.Contents[3].Key)
	sum := md5.Sum([]byte("raw/a.json"))
	require.Equal(t, `"`+hex.EncodeToString(sum[:])+`"`, all.Contents[0].ETag)

	grouped := list("list-type=2&delimiter=/")
	require.Equal(t, 3, grouped.KeyCount)
	require.Len(t, grouped.Contents, 1)
	require.Equal(t, "top.txt", grouped.Contents[0].Key)
	require.Len(t, grouped.CommonPrefixes, 2)
	require.Equal(t, "raw/", grouped.CommonPrefixes[0].Prefix)
	require.Equal(t, "reports/", grouped.CommonPrefixes[1].Prefix)

	filtered := list("list-type=2&prefix=reports/")
	require.Equal(t, 2, filtered.KeyCount)
	require.Equal(t, "reports/q1.csv", filtered.Contents[0].Key)

	capped := list("list-type=2&max-keys=2")
	require.Equal(t, 2, capped.KeyCount)
	require.True(t, capped.IsTruncated)

	// an empty bucket lists as empty rather than erroring
	resp, payload := f.do(t, "GET", "/s3/nothing-here?list-type=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed listResult
	require.NoError(t, xml.Unmarshal(payload, &parsed))
	require.Zero(t, parsed.KeyCount)

	resp, payload = f.do(t, "GET", "/s3/proj1?list-type=2&max-keys=many", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "InvalidArgument", errorCode(t, payload))
}

func TestBucketBinding(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	_, secret, err := f.auth.CreateKey(context.Background(), "proj1", "", auth.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)

	// a project key reaches the bucket named after its project
	resp, _ := f.do(t, "PUT", "/s3/proj1/own.txt", []byte("x"), map[string]string{
		"Authorization": "Bearer " + secret,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// and no other
	resp, payload := f.do(t, "PUT", "/s3/proj2/own.txt", []byte("x"), map[string]string{
		"Authorization": "Bearer " + secret,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "AccessDenied", errorCode(t, payload))

	// the key header style works too
	resp, _ = f.do(t, "GET", "/s3/proj1/own.txt", nil, map[string]string{
		"Authorization": "",
		"X-Api-Key":     secret,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// admin reaches every bucket
	resp, _ = f.do(t, "PUT", "/s3/proj2/admin.txt", []byte("x"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// no credentials at all
	resp, payload = f.do(t, "GET", "/s3/proj1/own.txt", nil, map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "AccessDenied", errorCode(t, payload))
}

func TestPresign(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	resp, _ := f.do(t, "PUT", "/s3/proj1/reports/q3.csv", []byte("rows"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := json.Marshal(map[string]any{"key": "reports/q3.csv", "method": "GET", "expires_in": 300})
	require.NoError(t, err)
	resp, payload := f.do(t, "POST", "/s3/proj1/presign", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signed struct {
		URL       string    `json:"url"`
		Method    string    `json:"method"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(payload, &signed))
	require.Equal(t, "GET", signed.Method)
	require.Contains(t, signed.URL, "/s3/proj1/reports/q3.csv")
	require.True(t, signed.ExpiresAt.After(time.Now()))

	// the signed link works bare
	plain, err := http.Get(signed.URL)
	require.NoError(t, err)
	content, err := io.ReadAll(plain.Body)
	require.NoError(t, err)
	require.NoError(t, plain.Body.Close())
	require.Equal(t, http.StatusOK, plain.StatusCode)
	require.Equal(t, "rows", string(content))

	// but not for another method
	req, err := http.NewRequest("DELETE", signed.URL, nil)
	require.NoError(t, err)
	denied, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, denied.Body.Close())
	require.Equal(t, http.StatusForbidden, denied.StatusCode)

	// tampering with the signature breaks it
	tampered, err := url.Parse(signed.URL)
	require.NoError(t, err)
	query := tampered.Query()
	query.Set(auth.ParamSignature, strings.Repeat("0", 64))
	tampered.RawQuery = query.Encode()
	broken, err := http.Get(tampered.String())
	require.NoError(t, err)
	require.NoError(t, broken.Body.Close())
	require.Equal(t, http.StatusForbidden, broken.StatusCode)

	// expired links are refused
	expired := f.presigner.Query("GET", "proj1", "reports/q3.csv", -time.Minute)
	stale, err := http.Get(f.ts.URL + "/s3/proj1/reports/q3.csv?" + expired.Encode())
	require.NoError(t, err)
	require.NoError(t, stale.Body.Close())
	require.Equal(t, http.StatusForbidden, stale.StatusCode)

	// presigning needs a real credential
	resp, _ = f.do(t, "POST", "/s3/proj1/presign", body, map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSigV4(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx, s3api.Config{})

	resp, _ := f.do(t, "PUT", "/s3/proj1/orders.csv", []byte("rows"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	record, err := f.auth.CreateS3Key(context.Background(), "proj1", "etl")
	require.NoError(t, err)

	host := strings.TrimPrefix(f.ts.URL, "http://")
	amzDate := time.Now().UTC().Format("20060102T150405Z")
	date := amzDate[:8]

	send := func(path, accessKey, secret string) *http.Response {
		req, err := http.NewRequest("GET", f.ts.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Amz-Date", amzDate)
		req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

		signature := signV4("GET", path, "", map[string]string{
			"host":                 host,
			"x-amz-content-sha256": "UNSIGNED-PAYLOAD",
			"x-amz-date":           amzDate,
		}, []string{"host", "x-amz-content-sha256", "x-amz-date"}, secret, amzDate, date)
		req.Header.Set("Authorization",
			"AWS4-HMAC-SHA256 Credential="+accessKey+"/"+date+"/us-east-1/s3/aws4_request, "+
				"SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="+signature)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp
	}

	require.Equal(t, http.StatusOK, send("/s3/proj1/orders.csv", record.AccessKeyID, record.Secret).StatusCode)

	// wrong secret
	require.Equal(t, http.StatusUnauthorized, send("/s3/proj1/orders.csv", record.AccessKeyID, "not-the-secret").StatusCode)

	// unknown access key
	require.Equal(t, http.StatusUnauthorized, send("/s3/proj1/orders.csv", "DPAKUNKNOWN", record.Secret).StatusCode)

	// project-bound access key cannot cross buckets
	require.Equal(t, http.StatusForbidden, send("/s3/proj2/orders.csv", record.AccessKeyID, record.Secret).StatusCode)

	// an access key without a project is admin
	adminRecord, err := f.auth.CreateS3Key(context.Background(), "", "ops")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, send("/s3/proj1/orders.csv", adminRecord.AccessKeyID, adminRecord.Secret).StatusCode)
}

// signV4 is an independent reference signer so the surface is not
// tested against its own verifier.
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

// in-memory registry fakes

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
	return nil, nil
}

func (f *fakeKeys) Revoke(ctx context.Context, id string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.byID[id]
	key.RevokedAt = &when
	f.byID[id] = key
	return nil
}

func (f *fakeKeys) DeleteForProject(ctx context.Context, projectID string) error { return nil }

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
	return nil, nil
}

func (f *fakeS3Keys) Revoke(ctx context.Context, accessKeyID string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.byID[accessKeyID]
	key.RevokedAt = &when
	f.byID[accessKeyID] = key
	return nil
}
