package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RichardoC/persona-chat/internal/metrics"
	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cache holds synthesized replies on local disk until they are cleared.
// Entries are never evicted on their own.
type Cache struct {
	mu      sync.Mutex
	dir     string
	entries map[string]models.AudioArtifact
	now     func() time.Time
	logger  *zap.Logger
}

// NewCache stores files under dir, or the system temp dir when empty.
func NewCache(dir string, logger *zap.Logger) *Cache {
	return &Cache{
		dir:     dir,
		entries: make(map[string]models.AudioArtifact),
		now:     time.Now,
		logger:  logger,
	}
}

// Store writes data to a new mp3 file and returns the artifact that refers to it.
func (c *Cache) Store(data []byte, text string) (models.AudioArtifact, error) {
	id := uuid.NewString()
	f, err := os.CreateTemp(c.dir, "audio_response_*_"+id+".mp3")
	if err != nil {
		return models.AudioArtifact{}, fmt.Errorf("failed to create audio file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return models.AudioArtifact{}, fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return models.AudioArtifact{}, fmt.Errorf("failed to write audio file: %w", err)
	}

	artifact := models.AudioArtifact{
		ID:        id,
		Path:      f.Name(),
		CreatedAt: c.now(),
		Text:      text,
	}

	c.mu.Lock()
	c.entries[id] = artifact
	metrics.AudioCacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
	return artifact, nil
}

// Get returns the artifact for id. It fails with ErrNotFound when the id is
// unknown or its file has gone.
func (c *Cache) Get(id string) (models.AudioArtifact, error) {
	c.mu.Lock()
	artifact, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return models.AudioArtifact{}, ErrNotFound
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		return models.AudioArtifact{}, fmt.Errorf("%w: file missing", ErrNotFound)
	}
	return artifact, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear deletes every file and entry and returns how many were removed. An
// entry whose file cannot be deleted is kept and logged.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, artifact := range c.entries {
		if err := os.Remove(artifact.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove audio file",
				zap.String("audio_id", id),
				zap.String("path", artifact.Path),
				zap.Error(err))
			continue
		}
		delete(c.entries, id)
		removed++
	}
	metrics.AudioCacheEntries.Set(float64(len(c.entries)))
	return removed
}
