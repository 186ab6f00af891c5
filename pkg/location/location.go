// Package location resolves user-supplied path strings into typed
// endpoints: either a local filesystem path or a bucket/key pair in
// object storage.
package location

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind discriminates the two endpoint flavors.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

var (
	// ErrInvalidScheme indicates an unrecognized URI scheme.
	ErrInvalidScheme = errors.New("location: invalid scheme")

	// ErrEmptyPath indicates a location string with no usable path.
	ErrEmptyPath = errors.New("location: empty path")
)

// Scheme is the URI scheme recognized for remote locations.
const Scheme = "s3"

// Location is a resolved endpoint. It is immutable after construction.
type Location struct {
	kind   Kind
	path   string // local only
	bucket string // remote only
	key    string // remote only
}

// NewLocal constructs a local location.
func NewLocal(p string) Location {
	return Location{kind: KindLocal, path: p}
}

// NewRemote constructs a remote location.
func NewRemote(bucket, key string) Location {
	return Location{kind: KindRemote, bucket: bucket, key: strings.Trim(key, "/")}
}

// Resolve parses a raw string of the form "s3://bucket/key" or a local
// filesystem path. It is a pure function with no filesystem access.
func Resolve(raw string) (Location, error) {
	if raw == "" {
		return Location{}, ErrEmptyPath
	}

	if idx := strings.Index(raw, "://"); idx >= 0 {
		scheme := raw[:idx]
		rest := raw[idx+len("://"):]

		if scheme != Scheme {
			return Location{}, fmt.Errorf("%w: %s", ErrInvalidScheme, scheme)
		}
		if rest == "" {
			return Location{}, fmt.Errorf("%w: %s", ErrEmptyPath, raw)
		}

		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%w: missing bucket in %s", ErrEmptyPath, raw)
		}
		return NewRemote(bucket, key), nil
	}

	return NewLocal(raw), nil
}

// Kind returns the endpoint flavor.
func (l Location) Kind() Kind { return l.kind }

// IsLocal reports whether the location is a local filesystem path.
func (l Location) IsLocal() bool { return l.kind == KindLocal }

// IsRemote reports whether the location is an object storage endpoint.
func (l Location) IsRemote() bool { return l.kind == KindRemote }

// Path returns the local filesystem path. Empty for remote locations.
func (l Location) Path() string { return l.path }

// Bucket returns the bucket name. Empty for local locations.
func (l Location) Bucket() string { return l.bucket }

// Key returns the object key or prefix. Empty for local locations.
func (l Location) Key() string { return l.key }

// Join returns a new location with rel appended to the path or key.
func (l Location) Join(rel string) Location {
	rel = strings.Trim(rel, "/")
	if l.kind == KindLocal {
		return NewLocal(path.Join(l.path, rel))
	}
	if l.key == "" {
		return Location{kind: KindRemote, bucket: l.bucket, key: rel}
	}
	return Location{kind: KindRemote, bucket: l.bucket, key: l.key + "/" + rel}
}

// Rel returns full expressed relative to this location's path or key.
// If full is not under the location, it is returned unchanged.
func (l Location) Rel(full string) string {
	base := l.path
	if l.kind == KindRemote {
		base = l.key
	}
	if base == "" {
		return strings.Trim(full, "/")
	}
	if full == base {
		return path.Base(full)
	}
	if strings.HasPrefix(full, base+"/") {
		return strings.TrimPrefix(full, base+"/")
	}
	return full
}

// String renders the location back into its URI or path form.
func (l Location) String() string {
	if l.kind == KindLocal {
		return l.path
	}
	if l.key == "" {
		return fmt.Sprintf("%s://%s", Scheme, l.bucket)
	}
	return fmt.Sprintf("%s://%s/%s", Scheme, l.bucket, l.key)
}
