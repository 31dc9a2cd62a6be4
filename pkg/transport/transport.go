// Package transport implements uniform URL-addressed fetch, push, mkdir
// and existence-check operations (C2) over a handful of schemes: local files, http(s), ssh,
// and rsync.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Errors returned by Transport implementations, per spec.md §4.2.
var (
	ErrUnreachable       = errors.New("transport: unreachable")
	ErrUnauthorized      = errors.New("transport: unauthorized")
	ErrNotFound          = errors.New("transport: not found")
	ErrIO                = errors.New("transport: io error")
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
	ErrReadOnlyTransport = errors.New("transport: read-only transport")
)

// URL is a parsed server location: scheme, host, path.
type URL struct {
	Scheme string
	Host   string
	Path   string
}

// Parse splits a server URL template into its components.
func Parse(raw string) (URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	if u.Scheme == "" {
		return URL{Scheme: "file", Path: raw}, nil
	}
	return URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}, nil
}

// String reassembles a URL.
func (u URL) String() string {
	if u.Scheme == "file" && u.Host == "" {
		return u.Path
	}
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
}

// GitProjection implements the §6 SCM URL mapping: ssh|scp|rsync+ssh
// become git+ssh, file:// becomes a bare path, http(s):// and git://
// pass through unchanged.
func GitProjection(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "ssh", "scp", "rsync+ssh":
		return fmt.Sprintf("git+ssh://%s%s", u.Host, u.Path)
	case "file":
		return u.Path
	default:
		return raw
	}
}

// RemoveTrailingSlashes is idempotent, per §8 round-trip property.
func RemoveTrailingSlashes(v string) string {
	return strings.TrimRight(v, "/")
}

// FormatServerLocation and ParseServerLocation are inverses of each other
// for all valid inputs, and reject ".." and leading "/" (§8 round-trip
// property).
func FormatServerLocation(server, location string) string {
	return server + ":" + location
}

// ParseServerLocation splits a "<server>:<location>" string, rejecting
// directory traversal and absolute paths.
func ParseServerLocation(formatted string) (server, location string, err error) {
	server, location, ok := strings.Cut(formatted, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid server:location %q", formatted)
	}
	if location == "" || strings.HasPrefix(location, "/") {
		return "", "", fmt.Errorf("invalid location %q: must be relative", formatted)
	}
	for _, part := range strings.Split(location, "/") {
		if part == ".." {
			return "", "", fmt.Errorf("invalid location %q: must not contain ..", formatted)
		}
	}
	return server, location, nil
}

// Transport is the uniform operation set every scheme realization
// implements. Every operation takes ctx so a caller can cancel a slow
// remote round-trip (e.g. on SIGINT) instead of only being able to
// cancel between operations.
type Transport interface {
	Fetch(ctx context.Context, u URL, localPath string) error
	Push(ctx context.Context, localPath string, u URL) error
	Mkdir(ctx context.Context, u URL) error
	Exists(ctx context.Context, u URL) (bool, error)
}

// ForScheme returns the Transport realization for u.Scheme.
func ForScheme(scheme string) (Transport, error) {
	switch scheme {
	case "file":
		return fileTransport{}, nil
	case "http", "https":
		return httpTransport{}, nil
	case "ssh", "scp":
		return newSSHTransport(), nil
	case "rsync", "rsync+ssh":
		return rsyncTransport{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}
