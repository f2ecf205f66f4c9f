// -----------------------------------------------------------------------
// Artifact Cache - in-memory TTL cache for proxied result bytes
// -----------------------------------------------------------------------

package files

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/ternarybob/atelier/internal/models"
)

// Cached artifacts above this size are not retained; large videos would
// dominate memory for little hit-rate benefit.
const maxCachedArtifact = 16 * 1024 * 1024

type cacheEntry struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// artifactCache keeps recently proxied artifacts keyed by
// (node-id, relative-path).
type artifactCache struct {
	mu      sync.Mutex
	entries map[models.ArtifactLocator]*cacheEntry
	ttl     time.Duration
}

func newArtifactCache(ttl time.Duration) *artifactCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &artifactCache{
		entries: make(map[models.ArtifactLocator]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *artifactCache) get(loc models.ArtifactLocator) (io.ReadCloser, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[loc]
	if !ok {
		return nil, "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, loc)
		return nil, "", false
	}
	return io.NopCloser(bytes.NewReader(entry.data)), entry.contentType, true
}

func (c *artifactCache) put(loc models.ArtifactLocator, data []byte, contentType string) {
	if len(data) > maxCachedArtifact {
		return
	}
	c.mu.Lock()
	c.entries[loc] = &cacheEntry{
		data:        data,
		contentType: contentType,
		expiresAt:   time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// tee wraps the upstream body so a fully read stream lands in the cache.
func (c *artifactCache) tee(loc models.ArtifactLocator, rc io.ReadCloser, contentType string) io.ReadCloser {
	return &teeCloser{
		cache:       c,
		loc:         loc,
		contentType: contentType,
		upstream:    rc,
	}
}

type teeCloser struct {
	cache       *artifactCache
	loc         models.ArtifactLocator
	contentType string
	upstream    io.ReadCloser
	buf         bytes.Buffer
	sawEOF      bool
	overflowed  bool
}

func (t *teeCloser) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 && !t.overflowed {
		t.buf.Write(p[:n])
		if t.buf.Len() > maxCachedArtifact {
			t.overflowed = true
			t.buf.Reset()
		}
	}
	if err == io.EOF {
		t.sawEOF = true
	}
	return n, err
}

func (t *teeCloser) Close() error {
	if t.sawEOF && !t.overflowed {
		t.cache.put(t.loc, t.buf.Bytes(), t.contentType)
	}
	return t.upstream.Close()
}
