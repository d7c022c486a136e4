// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// SigV4Prefix marks an AWS signature v4 authorization header.
const SigV4Prefix = "AWS4-HMAC-SHA256"

const unsignedPayload = "UNSIGNED-PAYLOAD"

// SigV4 is a parsed AWS signature v4 authorization header.
type SigV4 struct {
	AccessKeyID   string
	Date          string // yyyymmdd from the credential scope
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// ParseSigV4 splits an AWS4-HMAC-SHA256 authorization header into its
// credential scope, signed header list and signature.
func ParseSigV4(header string) (SigV4, error) {
	rest, ok := strings.CutPrefix(header, SigV4Prefix+" ")
	if !ok {
		return SigV4{}, ErrUnauthorized.New("not a v4 signature")
	}

	var parsed SigV4
	for _, part := range strings.Split(rest, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return SigV4{}, ErrUnauthorized.New("malformed authorization header")
		}
		switch name {
		case "Credential":
			// AKID/date/region/service/aws4_request
			fields := strings.Split(value, "/")
			if len(fields) != 5 || fields[4] != "aws4_request" {
				return SigV4{}, ErrUnauthorized.New("malformed credential scope")
			}
			parsed.AccessKeyID = fields[0]
			parsed.Date = fields[1]
			parsed.Region = fields[2]
			parsed.Service = fields[3]
		case "SignedHeaders":
			parsed.SignedHeaders = strings.Split(value, ";")
		case "Signature":
			parsed.Signature = value
		}
	}
	if parsed.AccessKeyID == "" || parsed.Signature == "" || len(parsed.SignedHeaders) == 0 {
		return SigV4{}, ErrUnauthorized.New("incomplete authorization header")
	}
	return parsed, nil
}

// VerifySigV4 recomputes the request signature with the stored secret
// and compares it to the presented one.
func VerifySigV4(r *http.Request, parsed SigV4, secret string) error {
	canonical := canonicalRequest(r, parsed.SignedHeaders)
	sum := sha256.Sum256([]byte(canonical))

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	scope := strings.Join([]string{parsed.Date, parsed.Region, parsed.Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		SigV4Prefix,
		amzDate,
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")

	key := signingKey(secret, parsed.Date, parsed.Region, parsed.Service)
	want := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
	if !hmac.Equal([]byte(want), []byte(parsed.Signature)) {
		return ErrUnauthorized.New("signature mismatch")
	}
	return nil
}

func signingKey(secret, date, region, service string) []byte {
	key := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	key = hmacSHA256(key, []byte(region))
	key = hmacSHA256(key, []byte(service))
	return hmacSHA256(key, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

func canonicalRequest(r *http.Request, signedHeaders []string) string {
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.EscapedPath()),
		canonicalQuery(r.URL.Query()),
		canonicalHeaders(r, signedHeaders),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func canonicalQuery(values map[string][]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(awsEscape(key))
			buf.WriteByte('=')
			buf.WriteString(awsEscape(val))
		}
	}
	return buf.String()
}

func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var buf strings.Builder
	for _, name := range signedHeaders {
		var value string
		if name == "host" {
			value = r.Host
		} else {
			value = strings.Join(r.Header.Values(http.CanonicalHeaderKey(name)), ",")
		}
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(strings.Join(strings.Fields(value), " "))
		buf.WriteByte('\n')
	}
	return buf.String()
}

// awsEscape percent-encodes per RFC 3986 the way signature v4 expects,
// notably turning spaces into %20 rather than '+'.
func awsEscape(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			buf.WriteByte(c)
		default:
			buf.WriteByte('%')
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&15])
		}
	}
	return buf.String()
}
