package pipeline

import (
	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/backend/parquet"
	"github.com/ajitpratap0/frameconv/pkg/backend/sqlite"
	"github.com/ajitpratap0/frameconv/pkg/config"
	"github.com/ajitpratap0/frameconv/pkg/errors"
)

// NewFactory returns the backend registered for kind.
func NewFactory(kind string) (backend.Factory, error) {
	switch kind {
	case config.BackendSQLite:
		return sqlite.NewFactory(), nil
	case config.BackendParquet:
		return parquet.NewFactory(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown backend %q", kind)
	}
}
