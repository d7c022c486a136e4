// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package s3api serves the S3-compatible object surface.
//
// Objects live as plain files under the layout's object root, one
// directory per bucket. The dialect covers what analytical tooling
// actually speaks: PutObject with Content-MD5 verification, GetObject,
// HeadObject, DeleteObject, ListObjectsV2 with delimiter grouping, and
// pre-signed URLs minted by POST {bucket}/presign. Errors are XML in
// the shape S3 clients parse.
package s3api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/layout"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the s3api package.
	Error = errs.Class("s3api")
	// ErrBadDigest marks a Content-MD5 that does not match the body.
	ErrBadDigest = errs.Class("bad digest")
	// ErrNoSuchKey marks requests for absent objects.
	ErrNoSuchKey = errs.Class("no such key")
	// ErrInvalidArgument marks malformed request parameters.
	ErrInvalidArgument = errs.Class("invalid argument")
	// ErrTooLarge marks uploads past the configured object limit.
	ErrTooLarge = errs.Class("entity too large")
)

// Config configures the object surface.
type Config struct {
	MaxObjectBytes int64         `help:"largest object one put may carry in bytes, 0 means unlimited" default:"5368709120"`
	MaxKeys        int           `help:"hard cap on keys one list call returns" default:"1000"`
	PresignTTL     time.Duration `help:"lifetime of presigned urls when the request does not pick one" default:"15m"`
	PresignMaxTTL  time.Duration `help:"longest lifetime a presign request may ask for" default:"168h"`
	PublicURL      string        `help:"base url presigned links are minted against, defaults to the request host" default:""`
}

// Server handles the /s3/ routes. It implements http.Handler so the
// control plane can mount it under its own router.
type Server struct {
	log       *zap.Logger
	config    Config
	auth      *auth.Service
	presigner *auth.Presigner
	store     objectStore
	router    *mux.Router
}

// NewServer assembles the object surface router.
func NewServer(log *zap.Logger, lay layout.Layout, authService *auth.Service, presigner *auth.Presigner, config Config) *Server {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 1000
	}
	if config.PresignTTL <= 0 {
		config.PresignTTL = 15 * time.Minute
	}
	server := &Server{
		log:       log,
		config:    config,
		auth:      authService,
		presigner: presigner,
		store:     objectStore{layout: lay},
	}

	router := mux.NewRouter()
	router.HandleFunc("/s3/{bucket}/presign", server.presign).Methods("POST")
	router.HandleFunc("/s3/{bucket}", server.listObjects).Methods("GET")
	router.HandleFunc("/s3/{bucket}/{key:.+}", server.putObject).Methods("PUT")
	router.HandleFunc("/s3/{bucket}/{key:.+}", server.getObject).Methods("GET")
	router.HandleFunc("/s3/{bucket}/{key:.+}", server.headObject).Methods("HEAD")
	router.HandleFunc("/s3/{bucket}/{key:.+}", server.deleteObject).Methods("DELETE")
	server.router = router
	return server
}

// ServeHTTP implements http.Handler.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.router.ServeHTTP(w, r)
}
