package metadata

import (
	"fmt"
	"time"

	"github.com/fleetops/rollback/internal/models"
)

// Object store key layout. Deployment records are keyed by (environment,
// gitSha); version pointers form the secondary index used to resolve a record
// by version without scanning.
//
//	deployments/{env}/metadata-{sha}.json
//	deployments/{env}/versions/{version}.json
//	rollbacks/{env}/rollback-{ts}.json
//	validation-reports/{env}/rollback-validation-{ts}.json

const keyTimeFormat = "20060102-150405"

func metadataPrefix(env models.Environment) string {
	return fmt.Sprintf("deployments/%s/metadata-", env)
}

func metadataKey(env models.Environment, gitSha string) string {
	return fmt.Sprintf("deployments/%s/metadata-%s.json", env, gitSha)
}

func versionPointerKey(env models.Environment, version string) string {
	return fmt.Sprintf("deployments/%s/versions/%s.json", env, version)
}

func rollbackPrefix(env models.Environment) string {
	return fmt.Sprintf("rollbacks/%s/rollback-", env)
}

func rollbackKey(env models.Environment, t time.Time) string {
	return fmt.Sprintf("rollbacks/%s/rollback-%s.json", env, t.UTC().Format(keyTimeFormat))
}

func validationReportKey(env models.Environment, t time.Time) string {
	return fmt.Sprintf("validation-reports/%s/rollback-validation-%s.json", env, t.UTC().Format(keyTimeFormat))
}
