// Package storage opens the document store engine selected by the configuration.
package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/storage/boltstore"
	"github.com/trezcool/portal/storage/httpstore"
	"github.com/trezcool/portal/storage/memstore"
	"github.com/trezcool/portal/storage/redisstore"
	"github.com/trezcool/portal/storage/sqlstore"
)

// Engines
const (
	EngineMemory   = "memory"
	EngineBolt     = "bolt"
	EnginePostgres = "postgres"
	EngineRedis    = "redis"
	EngineRemote   = "remote"
)

var ErrUnknownEngine = errors.New("unknown store engine")

// Store is an opened document store. Close releases its connections.
type Store interface {
	mirror.Store
	io.Closer
}

// Open connects to the engine of conf.Store.Engine.
// The postgres database is created and migrated when needed.
func Open(ctx context.Context, conf *core.Config, logger core.Logger) (Store, error) {
	switch conf.Store.Engine {
	case EngineMemory, "":
		return memstore.New(), nil
	case EngineBolt:
		s, err := boltstore.Open(conf.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case EnginePostgres:
		return openPostgres(conf, logger)
	case EngineRedis:
		s, err := redisstore.Open(ctx, conf.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case EngineRemote:
		return httpstore.New(conf.Remote, nil), nil
	}
	return nil, errors.Wrapf(ErrUnknownEngine, "%q", conf.Store.Engine)
}

func openPostgres(conf *core.Config, logger core.Logger) (Store, error) {
	if err := sqlstore.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	db, err := sqlstore.OpenDB(conf)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.Migrate(db, "", "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := sqlstore.New(db, logger)
	if err := s.Listen(sqlstore.DSN(conf.Database.Name, false, conf)); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
