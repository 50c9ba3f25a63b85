package service

import (
	"github.com/kirinyoku/tix-saga/internal/clock"
	postgres "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	redis "github.com/kirinyoku/tix-saga/internal/repository/redis"
	"github.com/kirinyoku/tix-saga/internal/service/catalog"
	"github.com/kirinyoku/tix-saga/internal/service/query"
	"github.com/kirinyoku/tix-saga/internal/service/saga"
	"github.com/kirinyoku/tix-saga/internal/uow"
)

type Services struct {
	Saga    *saga.Service
	Query   *query.Service
	Catalog *catalog.Service
}

type Config struct {
	Saga  saga.Config
	Query query.Config
}

// NewServices builds the application services over one store. The saga
// repository and observer in deps are filled in when left nil.
func NewServices(
	store *postgres.Store,
	cache *redis.Cache,
	broadcaster *redis.EventBroadcaster,
	deps saga.Deps,
	clk clock.Clock,
	cfg Config,
) *Services {
	u := uow.NewUoW(store)

	if deps.Repo == nil {
		deps.Repo = saga.NewPostgresRepository(store, u)
	}
	if deps.Observer == nil && broadcaster != nil {
		deps.Observer = broadcaster
	}
	if deps.Clock == nil {
		deps.Clock = clk
	}

	var observer catalog.EventObserver
	if broadcaster != nil {
		observer = broadcaster
	}

	return &Services{
		Saga:    saga.New(deps, cfg.Saga),
		Query:   query.New(store, cache, cfg.Query),
		Catalog: catalog.New(store, u, observer, clk),
	}
}
