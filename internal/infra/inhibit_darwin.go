//go:build darwin

package infra

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// defaultInhibitor becomes "iokit" in cgo builds.
var defaultInhibitor = "caffeinate"

var platformInhibitors = map[string]providerFactory{
	"caffeinate": func(logger *zap.Logger) domain.InhibitProvider { return NewCaffeinateProvider(logger) },
}
