// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrIdempotency is the error class of the idempotency store.
var ErrIdempotency = errs.Class("idempotency")

const responsesBucket = "responses"

// IdempotencyStore caches responses of mutating requests keyed by the
// client-chosen X-Idempotency-Key, so retried requests replay the
// original outcome byte for byte.
type IdempotencyStore struct {
	log    *zap.Logger
	db     *bolt.DB
	window time.Duration
	now    func() time.Time
}

// cachedResponse is the stored outcome of one mutating request.
type cachedResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	SavedAt     time.Time `json:"saved_at"`
}

// OpenIdempotencyStore opens or creates the response cache at path.
func OpenIdempotencyStore(log *zap.Logger, path string, window time.Duration) (*IdempotencyStore, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, ErrIdempotency.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(responsesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ErrIdempotency.Wrap(err)
	}
	return &IdempotencyStore{log: log, db: db, window: window, now: time.Now}, nil
}

// Close closes the cache.
func (store *IdempotencyStore) Close() error {
	return ErrIdempotency.Wrap(store.db.Close())
}

// SetNow overrides the clock in tests.
func (store *IdempotencyStore) SetNow(now func() time.Time) { store.now = now }

// fingerprint binds a cached response to the exact request that
// produced it, credential included, so a key cannot replay across
// callers or changed payloads.
func fingerprint(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method))
	sum.Write([]byte{'|'})
	sum.Write([]byte(r.URL.Path))
	sum.Write([]byte{'|'})
	bodySum := sha256.Sum256(body)
	sum.Write(bodySum[:])
	sum.Write([]byte{'|'})
	tokenSum := sha256.Sum256([]byte(bearerToken(r)))
	sum.Write(tokenSum[:])
	return hex.EncodeToString(sum.Sum(nil))
}

func (store *IdempotencyStore) lookup(key string) (cachedResponse, bool) {
	var cached cachedResponse
	found := false
	err := store.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(responsesBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &cached); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		store.log.Warn("idempotency lookup failed", zap.Error(err))
		return cachedResponse{}, false
	}
	if found && store.now().Sub(cached.SavedAt) > store.window {
		return cachedResponse{}, false
	}
	return cached, found
}

func (store *IdempotencyStore) save(key string, cached cachedResponse) {
	raw, err := json.Marshal(cached)
	if err != nil {
		store.log.Warn("idempotency encode failed", zap.Error(err))
		return
	}
	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(responsesBucket)).Put([]byte(key), raw)
	})
	if err != nil {
		store.log.Warn("idempotency save failed", zap.Error(err))
	}
}

// DeleteExpired drops cache entries older than the replay window.
func (store *IdempotencyStore) DeleteExpired(ctx context.Context) (removed int, err error) {
	cutoff := store.now().Add(-store.window)
	err = store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responsesBucket))
		cursor := bucket.Cursor()
		for key, raw := cursor.First(); key != nil; key, raw = cursor.Next() {
			var cached cachedResponse
			if err := json.Unmarshal(raw, &cached); err != nil || cached.SavedAt.Before(cutoff) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, ErrIdempotency.Wrap(err)
}

// bodyRecorder duplicates the response for caching.
type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *bodyRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *bodyRecorder) Write(data []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.body.Write(data)
	return rec.ResponseWriter.Write(data)
}

// Middleware replays cached responses for repeated mutating requests
// carrying the same X-Idempotency-Key and identical fingerprint, and
// rejects key reuse with a different fingerprint.
func (store *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		print := fingerprint(r, body)
		if cached, found := store.lookup(key); found {
			if cached.Fingerprint != print {
				w.Header().Set(contentType, applicationJSON)
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(errorPayload{
					Error:   "conflict",
					Message: "idempotency key was already used with a different request",
				})
				return
			}
			if cached.ContentType != "" {
				w.Header().Set(contentType, cached.ContentType)
			}
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		// internal failures are retryable, not replayable
		if rec.status >= http.StatusInternalServerError {
			return
		}
		store.save(key, cachedResponse{
			Fingerprint: print,
			Status:      rec.status,
			ContentType: rec.Header().Get(contentType),
			Body:        rec.body.Bytes(),
			SavedAt:     store.now(),
		})
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
