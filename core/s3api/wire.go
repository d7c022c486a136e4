// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package s3api

import (
	"encoding/xml"
	"io"
	"net/http"

	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/layout"
)

const applicationXML = "application/xml"

// lastModifiedFormat is the timestamp shape S3 listings carry.
const lastModifiedFormat = "2006-01-02T15:04:05.000Z"

// xmlError is the S3 error body.
type xmlError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId,omitempty"`
}

// listBucketResult is the ListObjectsV2 response body.
type listBucketResult struct {
	XMLName        xml.Name        `xml:"ListBucketResult"`
	Xmlns          string          `xml:"xmlns,attr"`
	Name           string          `xml:"Name"`
	Prefix         string          `xml:"Prefix"`
	Delimiter      string          `xml:"Delimiter,omitempty"`
	MaxKeys        int             `xml:"MaxKeys"`
	KeyCount       int             `xml:"KeyCount"`
	IsTruncated    bool            `xml:"IsTruncated"`
	Contents       []contentsEntry `xml:"Contents"`
	CommonPrefixes []commonPrefix  `xml:"CommonPrefixes"`
}

const listXmlns = "http://s3.amazonaws.com/doc/2006-03-01/"

type contentsEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// codeOf maps an error to the S3 error code and HTTP status.
func codeOf(err error) (status int, code string) {
	switch {
	case ErrNoSuchKey.Has(err):
		return http.StatusNotFound, "NoSuchKey"
	case ErrBadDigest.Has(err):
		return http.StatusBadRequest, "BadDigest"
	case ErrInvalidArgument.Has(err), layout.Error.Has(err):
		return http.StatusBadRequest, "InvalidArgument"
	case ErrTooLarge.Has(err):
		return http.StatusBadRequest, "EntityTooLarge"
	case auth.ErrUnauthorized.Has(err):
		return http.StatusUnauthorized, "AccessDenied"
	case auth.ErrForbidden.Has(err):
		return http.StatusForbidden, "AccessDenied"
	}
	return http.StatusInternalServerError, "InternalError"
}

// serveError writes the XML error body. HEAD responses carry the
// status alone, per the protocol.
func (server *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := codeOf(err)
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	server.serveXML(w, status, xmlError{
		Code:      code,
		Message:   err.Error(),
		Resource:  r.URL.Path,
		RequestID: w.Header().Get("X-Request-Id"),
	})
}

func (server *Server) serveXML(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", applicationXML)
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		server.log.Error("failed to write xml response", zap.Error(Error.Wrap(err)))
		return
	}
	if err := xml.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed to encode xml response", zap.Error(Error.Wrap(err)))
	}
}
