package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/fleetops/rollback/internal/fleet"
	"github.com/fleetops/rollback/internal/metadata"
	"github.com/fleetops/rollback/internal/models"
)

var (
	ErrVersionNotFound         = errors.New("requested version not found among successful deployments")
	ErrNoSuccessfulDeployments = errors.New("no successful deployments to roll back to")
)

// How many recent successful records the selector considers.
const selectorFetchLimit = 10

// Selector picks the rollback target: the most recent successful deployment
// that is not the version currently running on the fleet.
type Selector struct {
	store    *metadata.Store
	provider fleet.Provider
	log      logrus.FieldLogger
}

// NewSelector constructs a selector.
func NewSelector(store *metadata.Store, provider fleet.Provider, log logrus.FieldLogger) *Selector {
	return &Selector{store: store, provider: provider, log: log}
}

// Select returns the rollback target for the environment. With an explicit
// version the matching successful record is required. Otherwise the most
// recent successful record whose version differs from the fleet's current
// version wins; if the current version cannot be determined the most recent
// successful record is chosen unconditionally.
func (s *Selector) Select(ctx context.Context, env models.Environment, explicitVersion string) (*models.DeploymentRecord, error) {
	// Successful records are filtered before the limit applies: a run of
	// failed deployments must never hide an older rollback target.
	records, err := s.store.List(ctx, env, 0)
	if err != nil {
		return nil, err
	}

	var successful []*models.DeploymentRecord
	for _, rec := range records {
		if rec.Status == models.StatusSuccess {
			successful = append(successful, rec)
		}
	}
	if len(successful) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSuccessfulDeployments, env)
	}
	sort.Slice(successful, func(i, j int) bool {
		return successful[i].Timestamp.After(successful[j].Timestamp)
	})
	if len(successful) > selectorFetchLimit {
		successful = successful[:selectorFetchLimit]
	}

	if explicitVersion != "" {
		for _, rec := range successful {
			if rec.Version == explicitVersion {
				return rec, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, explicitVersion)
	}

	current, ok := s.currentVersion(ctx)
	if !ok {
		// Explicit safety default: without a readable fleet version, roll
		// back to the most recent successful record rather than failing.
		s.log.Warn("current fleet version unknown, selecting most recent successful deployment")
		return successful[0], nil
	}

	for _, rec := range successful {
		if rec.Version != current {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: every successful record matches current version %s", ErrNoSuccessfulDeployments, current)
}

func (s *Selector) currentVersion(ctx context.Context) (string, bool) {
	members, err := s.provider.ListInService(ctx)
	if err != nil {
		s.log.WithError(err).Warn("could not list fleet members for current version")
		return "", false
	}
	if len(members) == 0 || members[0].CurrentVersionTag == "" {
		return "", false
	}
	return members[0].CurrentVersionTag, true
}
