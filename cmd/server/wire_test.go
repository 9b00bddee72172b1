package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzni/virtual-try-on/internal/config"
	domainrepos "github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/inference"
)

type reportedVersion string

func (v reportedVersion) Version(context.Context) (string, error) { return string(v), nil }

func TestConfiguredVersionsSurvivePolling(t *testing.T) {
	tests := []struct {
		name      string
		pinned    map[string]string
		wantAfter valueobjects.ModelVersionSet
	}{
		{
			name: "nothing configured follows the backends",
			wantAfter: valueobjects.ModelVersionSet{
				valueobjects.PoseModel:  "pose-2",
				valueobjects.WarpModel:  "warp-2",
				valueobjects.BlendModel: "blend-2",
			},
		},
		{
			name:   "configured stages keep their label",
			pinned: map[string]string{"pose": "pose-v1", "blend": "blend-v1"},
			wantAfter: valueobjects.ModelVersionSet{
				valueobjects.PoseModel:  "pose-v1",
				valueobjects.WarpModel:  "warp-2",
				valueobjects.BlendModel: "blend-v1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			for name, version := range tt.pinned {
				m := cfg.Models[name]
				m.Version = version
				cfg.Models[name] = m
			}

			startup := map[valueobjects.ModelKey]domainrepos.ModelBackend{
				valueobjects.PoseModel:  reportedVersion("pose-1"),
				valueobjects.WarpModel:  reportedVersion("warp-1"),
				valueobjects.BlendModel: reportedVersion("blend-1"),
			}
			versions, err := initialVersions(context.Background(), cfg, startup)
			require.NoError(t, err)
			registry := inference.NewRegistry(versions, nil)

			// every backend now reports a new label
			later := map[valueobjects.ModelKey]domainrepos.ModelBackend{
				valueobjects.PoseModel:  reportedVersion("pose-2"),
				valueobjects.WarpModel:  reportedVersion("warp-2"),
				valueobjects.BlendModel: reportedVersion("blend-2"),
			}
			watcher := inference.NewVersionWatcher(registry, watchedSources(cfg, later), 0, nil)
			require.NoError(t, watcher.Poll(context.Background()))

			for key, want := range tt.wantAfter {
				assert.Equal(t, want, registry.Version(key), "model %s", key)
			}
		})
	}
}
