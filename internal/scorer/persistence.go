package scorer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistedModel is the on-disk representation of a trained generation.
type persistedModel struct {
	Normalizer *Normalizer      `json:"normalizer"`
	Forest     *IsolationForest `json:"forest"`
	Version    int              `json:"version"`
	TrainedAt  int64            `json:"trained_at"`
}

// persistModel atomically serializes m to path: write to a temp file in
// the same directory, then rename over the destination, so a concurrent
// reader (or a crash mid-write) never observes a partial file.
func persistModel(path string, m *model) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating model directory: %w", err)
		}
	}

	data, err := json.Marshal(persistedModel{
		Normalizer: m.normalizer,
		Forest:     m.forest,
		Version:    m.version,
		TrainedAt:  m.trainedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling model: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp model file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming model file into place: %w", err)
	}
	return nil
}

// loadPersistedModel reads and deserializes a model previously written by
// persistModel.
func loadPersistedModel(path string) (*model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}
	var pm persistedModel
	if err := json.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("unmarshaling model file: %w", err)
	}
	return &model{
		normalizer: pm.Normalizer,
		forest:     pm.Forest,
		version:    pm.Version,
		trainedAt:  pm.TrainedAt,
	}, nil
}
