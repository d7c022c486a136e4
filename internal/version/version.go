// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package version holds the build information stamped into the binary.
package version

import (
	"encoding/json"
	"net/http"
)

var (
	// Timestamp is the UTC timestamp of the compilation time.
	Timestamp string
	// CommitHash is the git hash of the code being compiled.
	CommitHash string
	// Version is the semantic version set at compilation.
	Version string
	// Release indicates whether the binary is a release build.
	Release bool
	// Build contains the build information associated with the binary.
	Build Info
)

// Info is the versioning information for a binary.
type Info struct {
	Timestamp  string `json:"timestamp,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`
	Version    string `json:"version"`
	Release    bool   `json:"release"`
}

func init() {
	if Version == "" {
		Version = "v0.0.0-dev"
	}
	Build = Info{
		Timestamp:  Timestamp,
		CommitHash: CommitHash,
		Version:    Version,
		Release:    Release,
	}
	if Build.Timestamp == "" || Build.CommitHash == "" {
		Build.Release = false
	}
}

// String returns the version as a human readable string.
func (v Info) String() string { return v.Version }

// Handler writes a json representation of the build information.
func (v Info) Handler(w http.ResponseWriter, r *http.Request) {
	j, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(j)
}
