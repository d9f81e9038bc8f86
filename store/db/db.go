// Package db provides the database driver constructor.
package db

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/store/db/postgres"
)

// NewDBDriver creates a new database driver based on the profile DSN.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	if strings.HasPrefix(profile.DSN, "postgres://") || strings.HasPrefix(profile.DSN, "postgresql://") {
		return postgres.NewDB(profile)
	}
	return nil, errors.Errorf("unsupported dsn: %s", profile.DSN)
}
