// Package cache implements the content-addressed local mirror over
// pkg/transport (C3): per-server cachable/writeback/push policy, with a
// single in-flight fetch per (server, location).
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kilnforge/kiln/pkg/model"
	"github.com/kilnforge/kiln/pkg/transport"
)

// ServerEntry is a server's cache-relevant policy (spec.md §3 "Server
// entry" restricted to the fields Cache consults).
type ServerEntry struct {
	Name            string
	URL             string
	Cachable        bool
	CacheLocally    bool
	IsLocal         bool
	Writeback       bool
	PushPermissions *string
}

// Cache mirrors remote server content into a local directory, addressed
// by a URL template such as "file:///var/kiln/cache/%u".
type Cache struct {
	localTemplate string
	servers       map[string]ServerEntry

	mu                sync.RWMutex
	initialized       bool
	writebackQueue    map[string]bool // server -> desired writeback, applied once initialized
	writebackOverride map[string]bool

	fetchGroup singleflight.Group
	pushGroup  singleflight.Group
}

// New constructs a Cache from the project's server list. The cache is not
// yet initialized — SetWriteback calls made before Init queue their
// request (§4.3).
func New(localTemplate string, servers []ServerEntry) *Cache {
	byName := make(map[string]ServerEntry, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &Cache{
		localTemplate:     localTemplate,
		servers:           byName,
		writebackQueue:    map[string]bool{},
		writebackOverride: map[string]bool{},
	}
}

// ServersFromModel adapts model.Server records into ServerEntry values.
func ServersFromModel(servers map[string]*model.Server) []ServerEntry {
	out := make([]ServerEntry, 0, len(servers))
	for _, s := range servers {
		out = append(out, ServerEntry{
			Name:            s.Name,
			URL:             s.URL,
			Cachable:        s.Cachable,
			CacheLocally:    s.CacheLocally,
			IsLocal:         s.IsLocal,
			Writeback:       s.Writeback,
			PushPermissions: s.PushPermissions,
		})
	}
	return out
}

// Init finalizes cache setup and applies any writeback toggles that were
// requested before initialization.
func (c *Cache) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	for server, on := range c.writebackQueue {
		c.writebackOverride[server] = on
	}
	c.writebackQueue = map[string]bool{}
}

// SetWriteback toggles writeback policy for server at runtime. Calls made
// before Init are queued and applied at Init time.
func (c *Cache) SetWriteback(server string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		c.writebackQueue[server] = on
		return
	}
	c.writebackOverride[server] = on
}

func (c *Cache) writeback(entry ServerEntry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if on, ok := c.writebackOverride[entry.Name]; ok {
		return on
	}
	return entry.Writeback
}

// Servers returns configured server names, sorted.
func (c *Cache) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteURL returns the remote transport.URL for (server, location).
func (c *Cache) RemoteURL(server, location string) (transport.URL, error) {
	entry, ok := c.servers[server]
	if !ok {
		return transport.URL{}, fmt.Errorf("cache: unknown server %q", server)
	}
	base, err := transport.Parse(entry.URL)
	if err != nil {
		return transport.URL{}, err
	}
	base.Path = joinPath(base.Path, location)
	return base, nil
}

func (c *Cache) localPath(server, location string) string {
	key := server + "/" + location
	u, _ := transport.Parse(strings.Replace(c.localTemplate, "%u", key, 1))
	return u.Path
}

// FetchFile resolves (server, location) to a local path. If the server is
// local, the remote path is used directly; otherwise a cachable hit
// returns the mirrored path, and a miss fetches through transport into
// the mirror first. Concurrent calls for the same key share one fetch
// (§8 invariant 6). ctx is threaded through to the underlying Transport
// call so a slow remote fetch can be cancelled mid-flight.
func (c *Cache) FetchFile(ctx context.Context, server, location string) (string, error) {
	entry, ok := c.servers[server]
	if !ok {
		return "", fmt.Errorf("cache: unknown server %q", server)
	}

	remoteURL, err := c.RemoteURL(server, location)
	if err != nil {
		return "", err
	}

	if entry.IsLocal {
		return remoteURL.Path, nil
	}

	key := server + "\x00" + location
	v, err, _ := c.fetchGroup.Do(key, func() (interface{}, error) {
		local := c.localPath(server, location)
		if entry.Cachable {
			if info, _ := os.Stat(local); info != nil {
				return local, nil
			}
		}
		tr, err := transport.ForScheme(remoteURL.Scheme)
		if err != nil {
			return "", err
		}
		if err := tr.Fetch(ctx, remoteURL, local); err != nil {
			return "", err
		}
		return local, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Exists reports whether (server, location) is present remotely,
// without fetching it into the mirror. A local server is checked by a
// direct stat; everything else goes through the server's Transport
// Exists call — the one remote round-trip pkg/store's run-lock exists
// to avoid repeating once a buildid has already been confirmed.
func (c *Cache) Exists(ctx context.Context, server, location string) (bool, error) {
	entry, ok := c.servers[server]
	if !ok {
		return false, fmt.Errorf("cache: unknown server %q", server)
	}
	remoteURL, err := c.RemoteURL(server, location)
	if err != nil {
		return false, err
	}
	if entry.IsLocal {
		_, err := os.Stat(remoteURL.Path)
		return err == nil, nil
	}
	tr, err := transport.ForScheme(remoteURL.Scheme)
	if err != nil {
		return false, err
	}
	return tr.Exists(ctx, remoteURL)
}

// PushFile writes localPath into the local mirror (when the server
// caches locally) and, when writeback is enabled, pushes through to the
// remote via transport. A writeback-disabled push still succeeds,
// landing only in the local mirror (§7 recovered-locally policy).
func (c *Cache) PushFile(ctx context.Context, localPath, server, location string) error {
	entry, ok := c.servers[server]
	if !ok {
		return fmt.Errorf("cache: unknown server %q", server)
	}
	if entry.PushPermissions != nil && *entry.PushPermissions == "none" {
		return fmt.Errorf("cache: push not permitted on server %q", server)
	}

	key := server + "\x00" + location
	_, err, _ := c.pushGroup.Do(key, func() (interface{}, error) {
		if entry.CacheLocally && !entry.IsLocal {
			local := c.localPath(server, location)
			if err := copyFile(localPath, local); err != nil {
				return nil, err
			}
		}
		if !c.writeback(entry) || entry.IsLocal {
			return nil, nil
		}
		remoteURL, err := c.RemoteURL(server, location)
		if err != nil {
			return nil, err
		}
		tr, err := transport.ForScheme(remoteURL.Scheme)
		if err != nil {
			return nil, err
		}
		return nil, tr.Push(ctx, localPath, remoteURL)
	})
	return err
}

func joinPath(base, suffix string) string {
	if strings.HasSuffix(base, "/") {
		return base + strings.TrimPrefix(suffix, "/")
	}
	if strings.HasPrefix(suffix, "/") {
		return base + suffix
	}
	return base + "/" + suffix
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".cache-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
