// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package s3api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
)

// putObject stores the request body as the object. A Content-MD5
// header, when present, must match the body or the object stays
// untouched.
func (server *Server) putObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := server.authorize(r, bucket, key); err != nil {
		server.serveError(w, r, err)
		return
	}

	var wantMD5 []byte
	if header := r.Header.Get("Content-MD5"); header != "" {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil || len(decoded) != 16 {
			server.serveError(w, r, ErrInvalidArgument.New("content-md5 is not a base64 md5"))
			return
		}
		wantMD5 = decoded
	}

	body := io.Reader(r.Body)
	if server.config.MaxObjectBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, server.config.MaxObjectBytes)
	}

	info, err := server.store.put(bucket, key, body, wantMD5)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = ErrTooLarge.New("object exceeds the %d byte limit", tooLarge.Limit)
		}
		server.serveError(w, r, err)
		return
	}
	mon.Counter("s3_put_bytes").Inc(info.Size)

	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

// getObject streams the object back with its ETag, length and
// modification time.
func (server *Server) getObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := server.authorize(r, bucket, key); err != nil {
		server.serveError(w, r, err)
		return
	}

	file, info, err := server.store.open(bucket, key)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	defer func() { _ = file.Close() }()

	server.objectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		server.log.Debug("object download aborted",
			zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
	}
	mon.Counter("s3_get_bytes").Inc(info.Size)
}

// headObject answers with the object headers and no body.
func (server *Server) headObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := server.authorize(r, bucket, key); err != nil {
		server.serveError(w, r, err)
		return
	}

	info, err := server.store.stat(bucket, key)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.objectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

// deleteObject removes the object. Deleting an absent key succeeds,
// so retries converge.
func (server *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := server.authorize(r, bucket, key); err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := server.store.delete(bucket, key); err != nil {
		server.serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) objectHeaders(w http.ResponseWriter, info objectInfo) {
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Last-Modified", info.ModTime.Format(http.TimeFormat))
}

// listObjects implements ListObjectsV2: prefix filtering, delimiter
// grouping into CommonPrefixes, and max-keys truncation. Grouped keys
// count once, through their prefix.
func (server *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := server.authorize(r, bucket, ""); err != nil {
		server.serveError(w, r, err)
		return
	}

	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")

	maxKeys := server.config.MaxKeys
	if raw := query.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			server.serveError(w, r, ErrInvalidArgument.New("max-keys must be a non-negative integer"))
			return
		}
		if parsed < maxKeys {
			maxKeys = parsed
		}
	}

	objects, err := server.store.list(bucket, prefix)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	result := listBucketResult{
		Xmlns:     listXmlns,
		Name:      bucket,
		Prefix:    prefix,
		Delimiter: delimiter,
		MaxKeys:   maxKeys,
	}

	lastPrefix := ""
	for _, object := range objects {
		grouped := ""
		if delimiter != "" {
			if i := strings.Index(object.Key[len(prefix):], delimiter); i >= 0 {
				grouped = object.Key[:len(prefix)+i+len(delimiter)]
			}
		}
		if grouped != "" && grouped == lastPrefix {
			continue
		}
		if result.KeyCount >= maxKeys {
			result.IsTruncated = true
			break
		}
		if grouped != "" {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: grouped})
			lastPrefix = grouped
			result.KeyCount++
			continue
		}
		etag, err := server.store.etag(bucket, object.Key)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		result.Contents = append(result.Contents, contentsEntry{
			Key:          object.Key,
			LastModified: object.ModTime.Format(lastModifiedFormat),
			ETag:         `"` + etag + `"`,
			Size:         object.Size,
			StorageClass: "STANDARD",
		})
		result.KeyCount++
	}

	server.serveXML(w, http.StatusOK, result)
}

// presignRequest is the body of POST /s3/{bucket}/presign.
type presignRequest struct {
	Key       string `json:"key"`
	Method    string `json:"method"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

// presignResponse carries a ready-to-use signed URL.
type presignResponse struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// presign mints a pre-signed object URL. The caller authenticates
// with headers; the returned URL then works bare until it expires.
func (server *Server) presign(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := server.authorizeHeaders(r, bucket); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.serveError(w, r, ErrInvalidArgument.New("malformed request body"))
		return
	}
	if req.Key == "" {
		server.serveError(w, r, ErrInvalidArgument.New("key is required"))
		return
	}
	if _, err := server.store.layout.ObjectPath(bucket, req.Key); err != nil {
		server.serveError(w, r, err)
		return
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodHead, http.MethodDelete:
	default:
		server.serveError(w, r, ErrInvalidArgument.New("method %q cannot be presigned", req.Method))
		return
	}

	ttl := server.config.PresignTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	if server.config.PresignMaxTTL > 0 && ttl > server.config.PresignMaxTTL {
		server.serveError(w, r, ErrInvalidArgument.New("expiry exceeds the maximum of %s", server.config.PresignMaxTTL))
		return
	}

	values := server.presigner.Query(method, bucket, req.Key, ttl)
	expires, _ := strconv.ParseInt(values.Get(auth.ParamExpires), 10, 64)

	signed := url.URL{Path: "/s3/" + bucket + "/" + req.Key, RawQuery: values.Encode()}
	link := signed.String()
	if base := strings.TrimSuffix(server.config.PublicURL, "/"); base != "" {
		link = base + link
	} else {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		link = scheme + "://" + r.Host + link
	}

	server.serveJSON(w, http.StatusOK, presignResponse{
		URL:       link,
		Method:    method,
		ExpiresAt: time.Unix(expires, 0).UTC(),
	})
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed to encode json response", zap.Error(Error.Wrap(err)))
	}
}
