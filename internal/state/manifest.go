// Package state persists the archiver's only cross-run state: the
// checkpoint manifest and the lookahead cache. Both are written through temp
// files so a crash can never leave a torn file behind.
package state

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// NamedLink is a published consolidated archive entry. Owned by the
// consolidation pipeline; carried through untouched here.
type NamedLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Manifest is the checkpoint file. This engine mutates only LastDownloaded
// and Daily; Monthly and Yearly belong to the consolidation pipeline.
type Manifest struct {
	LastDownloaded int64       `json:"lastDownLoaded"`
	Daily          []string    `json:"daily"`
	Monthly        []string    `json:"monthly"`
	Yearly         []NamedLink `json:"yearly"`
}

// LoadManifest reads the manifest at path. A missing file yields a fresh
// manifest; a corrupt one is logged and replaced by defaults rather than
// aborting, so a damaged checkpoint never bricks the archiver.
func LoadManifest(path string, logger *zap.Logger) (*Manifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("manifest corrupt, starting from defaults",
			zap.String("path", path), zap.Error(err))
		return &Manifest{}, nil
	}
	return &m, nil
}

// Commit records a successfully emitted chunk.
func (m *Manifest) Commit(lastNum int64, chunkID string) {
	m.LastDownloaded = lastNum
	m.Daily = append(m.Daily, chunkID)
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
