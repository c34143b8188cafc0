package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Cache persists account-service results as opaque JSON blobs, one file
// per name. With fresh set, Load misses on purpose so every result is
// re-fetched from origin once and re-saved.
type Cache struct {
	dir   string
	fresh bool
	log   zerolog.Logger
}

// NewCache returns a blob cache rooted at dir.
func NewCache(dir string, fresh bool, log zerolog.Logger) *Cache {
	return &Cache{dir: dir, fresh: fresh, log: log}
}

// Load reads a cached blob into v. A miss, an unreadable file or stale
// mode all report false.
func (c *Cache) Load(name string, v any) bool {
	if c == nil || c.dir == "" || c.fresh {
		return false
	}
	data, err := os.ReadFile(c.path(name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn().Err(err).Str("blob", name).Msg("discarding unreadable cache blob")
		return false
	}
	return true
}

// Save writes v as the blob for name, atomically.
func (c *Cache) Save(name string, v any) error {
	if c == nil || c.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s blob: %w", name, err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := renameio.WriteFile(c.path(name), data, 0o600); err != nil {
		return fmt.Errorf("write %s blob: %w", name, err)
	}
	return nil
}

// Clear removes the named blobs; missing files are fine.
func (c *Cache) Clear(names ...string) {
	if c == nil || c.dir == "" {
		return
	}
	for _, name := range names {
		if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("blob", name).Msg("failed to clear cache blob")
		}
	}
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name+".json")
}
