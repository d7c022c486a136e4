// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package s3api

import (
	"net/http"
	"strings"

	"duckpond.io/duckpond/core/auth"
)

// authorize decides one object request. Presign query parameters win
// over header credentials: a valid signed URL needs no further
// identity, an invalid one is rejected without falling back to
// headers.
func (server *Server) authorize(r *http.Request, bucket, key string) error {
	query := r.URL.Query()
	if query.Get(auth.ParamSignature) != "" || query.Get(auth.ParamExpires) != "" {
		return server.presigner.Verify(r.Method, bucket, key, query)
	}
	return server.authorizeHeaders(r, bucket)
}

// authorizeHeaders resolves the request credential against the bucket.
// Admin covers every bucket; a project key only the bucket named after
// its project; a signature v4 credential whatever its record says.
func (server *Server) authorizeHeaders(r *http.Request, bucket string) error {
	ctx := r.Context()
	header := r.Header.Get("Authorization")

	secret := ""
	switch {
	case strings.HasPrefix(header, "Bearer "):
		secret = strings.TrimPrefix(header, "Bearer ")
	case r.Header.Get("X-Api-Key") != "":
		secret = r.Header.Get("X-Api-Key")
	case r.Header.Get("X-Amz-Security-Token") != "":
		secret = r.Header.Get("X-Amz-Security-Token")
	}
	if secret != "" {
		identity, err := server.auth.Resolve(ctx, secret)
		if err != nil {
			return err
		}
		if identity.Admin || identity.Key.ProjectID == bucket {
			return nil
		}
		return auth.ErrForbidden.New("key does not cover bucket %q", bucket)
	}

	if strings.HasPrefix(header, auth.SigV4Prefix) {
		parsed, err := auth.ParseSigV4(header)
		if err != nil {
			return err
		}
		record, err := server.auth.LookupS3Key(ctx, parsed.AccessKeyID)
		if err != nil {
			return err
		}
		if err := auth.VerifySigV4(r, parsed, record.Secret); err != nil {
			return err
		}
		if record.ProjectID != "" && record.ProjectID != bucket {
			return auth.ErrForbidden.New("access key does not cover bucket %q", bucket)
		}
		return nil
	}

	return auth.ErrUnauthorized.New("missing credentials")
}
