package discovery_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/feed-preload/internal/discovery"
	"github.com/stacklok/feed-preload/internal/discovery/mocks"
)

var testConfig = discovery.Config{
	EngineService:   "anchore-engine",
	DatabaseService: "anchore-db",
}

// byService answers ContainerList from a fixed set of containers, honouring the label filters
func byService(all []container.Summary) func(context.Context, container.ListOptions) ([]container.Summary, error) {
	return func(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
		var out []container.Summary
		for _, c := range all {
			match := true
			for _, label := range opts.Filters.Get("label") {
				key, value, _ := strings.Cut(label, "=")
				if c.Labels[key] != value {
					match = false
				}
			}
			if match {
				out = append(out, c)
			}
		}
		return out, nil
	}
}

func summary(id, name, service, project string) container.Summary {
	return container.Summary{
		ID:    id,
		Names: []string{"/" + name},
		Labels: map[string]string{
			discovery.ServiceLabel: service,
			discovery.ProjectLabel: project,
		},
	}
}

func TestDockerDiscoverer_Discover(t *testing.T) {
	t.Parallel()

	t.Run("finds both services in the engine project", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		lister := mocks.NewMockContainerLister(ctrl)
		lister.EXPECT().ContainerList(gomock.Any(), gomock.Any()).DoAndReturn(byService([]container.Summary{
			summary("0123456789abcdef", "preload-anchore-engine-1", "anchore-engine", "preload"),
			summary("db-other", "other-anchore-db-1", "anchore-db", "other"),
			summary("fedcba9876543210", "preload-anchore-db-1", "anchore-db", "preload"),
		})).Times(2)

		services, err := discovery.NewDockerDiscoverer(lister, testConfig).Discover(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef", services.Engine.ID)
		assert.Equal(t, "preload-anchore-engine-1", services.Engine.Name)
		assert.Equal(t, "preload", services.Engine.Project)
		assert.Equal(t, "fedcba9876543210", services.Database.ID)
		assert.Equal(t, "anchore-db", services.Database.Service)
	})

	t.Run("missing database is an error", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		lister := mocks.NewMockContainerLister(ctrl)
		lister.EXPECT().ContainerList(gomock.Any(), gomock.Any()).DoAndReturn(byService([]container.Summary{
			summary("engine", "preload-anchore-engine-1", "anchore-engine", "preload"),
		})).Times(2)

		services, err := discovery.NewDockerDiscoverer(lister, testConfig).Discover(context.Background())

		require.ErrorIs(t, err, discovery.ErrServiceNotRunning)
		assert.Contains(t, err.Error(), "anchore-db")
		assert.Nil(t, services)
	})

	t.Run("missing engine stops before the database lookup", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		lister := mocks.NewMockContainerLister(ctrl)
		lister.EXPECT().ContainerList(gomock.Any(), gomock.Any()).Return(nil, nil).Times(1)

		_, err := discovery.NewDockerDiscoverer(lister, testConfig).Discover(context.Background())

		require.ErrorIs(t, err, discovery.ErrServiceNotRunning)
		assert.Contains(t, err.Error(), "anchore-engine")
	})

	t.Run("configured project filters both lookups", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		lister := mocks.NewMockContainerLister(ctrl)
		lister.EXPECT().ContainerList(gomock.Any(), gomock.Any()).DoAndReturn(byService([]container.Summary{
			summary("engine-a", "a-engine", "anchore-engine", "a"),
			summary("engine-b", "b-engine", "anchore-engine", "b"),
			summary("db-b", "b-db", "anchore-db", "b"),
		})).Times(2)

		cfg := testConfig
		cfg.Project = "b"
		services, err := discovery.NewDockerDiscoverer(lister, cfg).Discover(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "engine-b", services.Engine.ID)
		assert.Equal(t, "db-b", services.Database.ID)
	})

	t.Run("docker API failure is wrapped", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		lister := mocks.NewMockContainerLister(ctrl)
		apiErr := errors.New("Cannot connect to the Docker daemon")
		lister.EXPECT().ContainerList(gomock.Any(), gomock.Any()).Return(nil, apiErr)

		_, err := discovery.NewDockerDiscoverer(lister, testConfig).Discover(context.Background())

		require.ErrorIs(t, err, apiErr)
		assert.NotErrorIs(t, err, discovery.ErrServiceNotRunning)
	})
}
