// Package registry is a thin read/seed wrapper over the Store's
// repository rows, grounded on the source system's $SERVE bootstrap
// seeding and on the teacher's convention of a small adapter package
// sitting directly on top of a storage.Backend.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

// Registry exposes the repository catalog: registration, lookup and
// listing, on top of a Store.
type Registry struct {
	store store.Store
	log   *logger.Logger
}

// New constructs a Registry over s.
func New(s store.Store, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.New()
	}
	return &Registry{store: s, log: log.WithField("component", "registry")}
}

// Register adds a new repository by its clone URI, deriving a display
// name the same way the source system's $SERVE seeding does: the last
// two "/"-separated segments of the URI with any trailing ".git"
// stripped.
func (r *Registry) Register(ctx context.Context, gitURI string) (domain.Repository, error) {
	repo := domain.Repository{
		ID:        uuid.NewString(),
		GitURI:    gitURI,
		Name:      DisplayName(gitURI),
		CreatedAt: domain.FormatTimestamp(time.Now()),
	}
	if err := r.store.AddRepository(ctx, repo); err != nil {
		return domain.Repository{}, err
	}
	return repo, nil
}

// Get returns a single repository by ID.
func (r *Registry) Get(ctx context.Context, repoID string) (domain.Repository, error) {
	return r.store.GetRepository(ctx, repoID)
}

// List returns every registered repository with its task count.
func (r *Registry) List(ctx context.Context) ([]domain.RepositoryWithCount, error) {
	return r.store.ListRepositories(ctx)
}

// SeedFromEnv registers each comma-separated, non-empty URI in the
// value of the SERVE environment variable, matching the source
// system's init_db() bootstrap. Seeding errors are logged and skipped
// rather than aborting startup, since a malformed or duplicate entry
// in $SERVE should not prevent the service starting.
func (r *Registry) SeedFromEnv(ctx context.Context, serveEnv string) {
	for _, uri := range strings.Split(serveEnv, ",") {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		if _, err := r.Register(ctx, uri); err != nil {
			r.log.WithField("git_uri", uri).Warn("failed to seed repository", "err", err)
		}
	}
}

// DisplayName derives a human-readable name from a git clone URI: the
// last two "/"-separated path segments, with a trailing ".git" suffix
// stripped first.
func DisplayName(gitURI string) string {
	trimmed := strings.TrimSuffix(gitURI, ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
