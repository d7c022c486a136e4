// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package s3api

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/layout"
)

// tempPrefix marks in-flight uploads. They live next to their final
// path and never show up in listings.
const tempPrefix = ".upload-"

// objectInfo describes one stored object. ETag is the hex MD5 of the
// content, without the quotes the wire format adds.
type objectInfo struct {
	Key     string
	Size    int64
	ETag    string
	ModTime time.Time
}

// objectStore keeps objects as plain files under the layout's object
// root. Keys map to relative slash paths inside the bucket directory.
type objectStore struct {
	layout layout.Layout
}

// put streams body into the object, replacing any previous content.
// The write goes through a temp file in the same directory so readers
// never observe a partial object. When wantMD5 is set the temp file is
// discarded on mismatch and the previous object survives.
func (store objectStore) put(bucket, key string, body io.Reader, wantMD5 []byte) (_ objectInfo, err error) {
	path, err := store.layout.ObjectPath(bucket, key)
	if err != nil {
		return objectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return objectInfo{}, Error.Wrap(err)
	}

	temp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, temp.Close(), os.Remove(temp.Name()))
		}
	}()

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(temp, hash), body)
	if err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	sum := hash.Sum(nil)
	if wantMD5 != nil && !bytes.Equal(sum, wantMD5) {
		return objectInfo{}, ErrBadDigest.New("content-md5 does not match body")
	}
	if err := temp.Close(); err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		err = errs.Combine(Error.Wrap(err), os.Remove(temp.Name()))
		return objectInfo{}, err
	}

	return objectInfo{
		Key:     key,
		Size:    size,
		ETag:    hex.EncodeToString(sum),
		ModTime: time.Now().UTC(),
	}, nil
}

// open returns the object content positioned at the start, along with
// its info. The caller closes the file.
func (store objectStore) open(bucket, key string) (_ *os.File, _ objectInfo, err error) {
	path, err := store.layout.ObjectPath(bucket, key)
	if err != nil {
		return nil, objectInfo{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, objectInfo{}, ErrNoSuchKey.New("%s/%s", bucket, key)
		}
		return nil, objectInfo{}, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, file.Close())
		}
	}()

	info, err := describe(file, key)
	if err != nil {
		return nil, objectInfo{}, err
	}
	return file, info, nil
}

// stat is open without handing the content back.
func (store objectStore) stat(bucket, key string) (_ objectInfo, err error) {
	file, info, err := store.open(bucket, key)
	if err != nil {
		return objectInfo{}, err
	}
	return info, Error.Wrap(file.Close())
}

// delete removes the object. Absent keys are not an error.
func (store objectStore) delete(bucket, key string) error {
	path, err := store.layout.ObjectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// list walks the bucket directory and returns the objects whose key
// starts with prefix, sorted by key. ETags are left empty; the handler
// fills them only for the entries it emits.
func (store objectStore) list(bucket, prefix string) (_ []objectInfo, err error) {
	root := store.layout.ObjectsDir(bucket)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var objects []objectInfo
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		stat, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, objectInfo{
			Key:     key,
			Size:    stat.Size(),
			ModTime: stat.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// etag computes the hex MD5 of a stored object.
func (store objectStore) etag(bucket, key string) (string, error) {
	info, err := store.stat(bucket, key)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

func describe(file *os.File, key string) (objectInfo, error) {
	stat, err := file.Stat()
	if err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return objectInfo{}, Error.Wrap(err)
	}
	return objectInfo{
		Key:     key,
		Size:    stat.Size(),
		ETag:    hex.EncodeToString(hash.Sum(nil)),
		ModTime: stat.ModTime().UTC(),
	}, nil
}
