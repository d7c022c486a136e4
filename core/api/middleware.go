// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/catalog"
)

type contextKey int

const (
	identityKey contextKey = iota
	requestIDKey
)

func withIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey).(auth.Identity)
	return identity
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func actorFrom(ctx context.Context) string {
	identity := identityFrom(ctx)
	if identity.Admin {
		return "admin"
	}
	if identity.Key != nil {
		return "key:" + identity.Key.ID
	}
	return ""
}

// bearerToken extracts the request credential: Authorization Bearer
// first, X-Api-Key as fallback.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}

// branchParam maps the route's branch segment to the stored branch id;
// "main" addresses the unbranched project.
func branchParam(vars map[string]string) string {
	bid := vars["bid"]
	if bid == "main" {
		return ""
	}
	return bid
}

// withRequestID tags every request with an id used in the ops log and
// echoed back to the caller.
func (server *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requireAdmin admits only the process admin secret.
func (server *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerToken(r)
		if secret == "" {
			server.serveError(w, auth.ErrUnauthorized.New("missing credentials"))
			return
		}
		if !server.auth.VerifyAdmin(secret) {
			server.serveError(w, auth.ErrUnauthorized.New("invalid admin secret"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), auth.Identity{Admin: true})))
	})
}

// requireScoped authorizes the request against the project, and the
// branch when the route carries one. The project must exist. Read-only
// keys are held to GET and HEAD.
func (server *Server) requireScoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		secret := bearerToken(r)

		var identity auth.Identity
		var err error
		if _, scoped := vars["bid"]; scoped {
			identity, err = server.auth.AuthorizeBranch(ctx, secret, vars["pid"], branchParam(vars))
		} else {
			identity, err = server.auth.AuthorizeProject(ctx, secret, vars["pid"])
		}
		if err != nil {
			server.serveError(w, err)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if err := server.auth.AuthorizeWrite(identity); err != nil {
				server.serveError(w, err)
				return
			}
		}

		if _, err := server.db.Projects().Get(ctx, vars["pid"]); err != nil {
			server.serveError(w, err)
			return
		}
		if bid := branchParam(vars); bid != "" {
			if _, err := server.db.Branches().Get(ctx, vars["pid"], bid); err != nil {
				server.serveError(w, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withIdentity(ctx, identity)))
	})
}

// statusRecorder captures the response status and the body of error
// responses for the ops log.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	failure bytes.Buffer
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(data []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	if rec.status >= http.StatusBadRequest && rec.failure.Len() < 512 {
		rec.failure.Write(data[:min(len(data), 512-rec.failure.Len())])
	}
	return rec.ResponseWriter.Write(data)
}

// op wraps a routed operation with audit logging. The log write is
// best effort and never changes the response.
func (server *Server) op(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now().UTC()
		rec := &statusRecorder{ResponseWriter: w}

		handler(rec, r)

		vars := mux.Vars(r)
		status := "success"
		errorDetail := ""
		if rec.status >= http.StatusBadRequest {
			status = "failure"
			errorDetail = strings.TrimSpace(rec.failure.String())
		}
		resourceType, resourceID := resourceOf(vars)
		server.db.Ops().Log(ctx, catalog.Operation{
			OccurredAt:   start,
			Actor:        actorFrom(ctx),
			ProjectID:    vars["pid"],
			BranchID:     branchParam(vars),
			Name:         name,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Status:       status,
			Error:        errorDetail,
			Duration:     time.Since(start),
			RequestID:    requestIDFrom(ctx),
		})
	}
}

func resourceOf(vars map[string]string) (resourceType, resourceID string) {
	switch {
	case vars["table"] != "":
		return "table", vars["bucket"] + "." + vars["table"]
	case vars["bucket"] != "":
		return "bucket", vars["bucket"]
	case vars["sid"] != "":
		return "snapshot", vars["sid"]
	case vars["wid"] != "":
		return "workspace", vars["wid"]
	case vars["fid"] != "":
		return "file", vars["fid"]
	case vars["key"] != "":
		return "file", vars["key"]
	case vars["kid"] != "":
		return "key", vars["kid"]
	case vars["akid"] != "":
		return "s3_key", vars["akid"]
	case vars["bid"] != "":
		return "branch", vars["bid"]
	case vars["pid"] != "":
		return "project", vars["pid"]
	}
	return "", ""
}

func newID(prefix string) string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(raw[:])
}
