// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Presign query parameter names.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

// Presigner mints and checks pre-signed object URLs. A signature
// binds the method, bucket, key and expiry together, so a URL signed
// for GET cannot DELETE and a changed key invalidates it.
type Presigner struct {
	secret []byte
	now    func() time.Time
}

// NewPresigner constructs a Presigner from the server signing secret.
func NewPresigner(secret []byte) *Presigner {
	return &Presigner{secret: secret, now: time.Now}
}

// Sign returns the hex signature for the tuple.
func (p *Presigner) Sign(method, bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, p.secret)
	_, _ = mac.Write([]byte(strings.ToUpper(method)))
	_, _ = mac.Write([]byte{'\n'})
	_, _ = mac.Write([]byte(bucket))
	_, _ = mac.Write([]byte{'\n'})
	_, _ = mac.Write([]byte(key))
	_, _ = mac.Write([]byte{'\n'})
	_, _ = mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Query returns the query parameters for a URL valid for ttl.
func (p *Presigner) Query(method, bucket, key string, ttl time.Duration) url.Values {
	expires := p.now().Add(ttl).Unix()
	values := url.Values{}
	values.Set(ParamExpires, strconv.FormatInt(expires, 10))
	values.Set(ParamSignature, p.Sign(method, bucket, key, expires))
	return values
}

// Verify checks the parameters of a presented URL. Expired links and
// signatures minted for another method, bucket or key all fail.
func (p *Presigner) Verify(method, bucket, key string, query url.Values) error {
	expiresRaw := query.Get(ParamExpires)
	signature := query.Get(ParamSignature)
	if expiresRaw == "" || signature == "" {
		return ErrUnauthorized.New("missing presign parameters")
	}
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return ErrUnauthorized.New("malformed expiry")
	}
	if p.now().Unix() > expires {
		return ErrForbidden.New("presigned url expired")
	}
	want := p.Sign(method, bucket, key, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrForbidden.New("presigned url signature mismatch")
	}
	return nil
}
