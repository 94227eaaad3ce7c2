package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Loader builds models from the artifacts in a store
type Loader struct {
	store ArtifactStore
}

func NewLoader(store ArtifactStore) *Loader {
	return &Loader{store: store}
}

// Load fetches and parses one model
func (l *Loader) Load(ctx context.Context, name string) (Model, error) {
	data, err := l.store.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	m, err := LoadColorModel(data)
	if err != nil {
		return nil, err
	}
	if m.Name() != name {
		return nil, fmt.Errorf("artifact %s describes model %s", name, m.Name())
	}
	slog.Info("ML: loaded model", "model", name, "version", m.Version(), "classes", len(m.desc.Classes))
	return m, nil
}

// Seed writes the sample descriptors into the store
func Seed(ctx context.Context, store ArtifactStore) error {
	for _, desc := range SampleDescriptors() {
		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal model: %w", err)
		}
		if err := store.Put(ctx, desc.Name, data); err != nil {
			return err
		}
	}
	return nil
}
