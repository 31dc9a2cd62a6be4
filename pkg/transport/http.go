package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type httpTransport struct {
	client *http.Client
}

func (t httpTransport) do() *http.Client {
	if t.client != nil {
		return t.client
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

func (t httpTransport) Fetch(ctx context.Context, u URL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	resp, err := t.do().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, u.String())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, u.String())
	default:
		return fmt.Errorf("%w: status %d fetching %s", ErrIO, resp.StatusCode, u.String())
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".transport-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return os.Rename(tmpPath, localPath)
}

func (httpTransport) Push(context.Context, string, URL) error {
	return ErrReadOnlyTransport
}

func (httpTransport) Mkdir(context.Context, URL) error {
	return ErrReadOnlyTransport
}

func (t httpTransport) Exists(ctx context.Context, u URL) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	resp, err := t.do().Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
