//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"polystore-backend/internal/config"
)

// InitializeContainer builds the production container via wire. NewContainer
// is the hand-maintained equivalent kept in lockstep.
func InitializeContainer(cfg *config.Config) (*Container, error) {
	panic(wire.Build(SuperSet))
}
