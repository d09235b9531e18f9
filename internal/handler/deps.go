package handler

import (
	"presenced/internal/app/aggregate"
	"presenced/internal/app/directory"
	"presenced/internal/configs"
	"presenced/internal/pkg/auth/scope"
)

// AppDeps bundles the shared dependencies injected into every handler.
type AppDeps struct {
	Config     *configs.AppConfig
	Directory  *directory.Directory
	Aggregator *aggregate.Service
	Scopes     *scope.Resolver
}
