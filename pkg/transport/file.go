package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type fileTransport struct{}

func (fileTransport) Fetch(ctx context.Context, u URL, localPath string) error {
	return atomicCopy(ctx, u.Path, localPath)
}

func (fileTransport) Push(ctx context.Context, localPath string, u URL) error {
	if err := os.MkdirAll(filepath.Dir(u.Path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return atomicCopy(ctx, localPath, u.Path)
}

func (fileTransport) Mkdir(ctx context.Context, u URL) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(u.Path, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (fileTransport) Exists(ctx context.Context, u URL) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(u.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrIO, err)
}

// atomicCopy copies src to dst via a temp file in dst's directory,
// renaming into place on success so partial failures leave no visible
// target (§4.2 atomicity). The copy loop checks ctx between chunks so a
// cancellation lands promptly even on a large local-to-local copy.
func atomicCopy(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".transport-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// contextReader aborts a Read once ctx is cancelled, so atomicCopy's
// io.Copy loop over a local file honors cancellation instead of running
// to completion regardless of the caller's context.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
