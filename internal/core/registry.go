package core

import (
	"fmt"

	"example.com/backstage/services/headset/config"
	"github.com/sirupsen/logrus"
)

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Fleet      *Fleet
	Library    *Library
	Repository Repository // nil when no database is configured
}

// Collaborators are the optional infrastructure pieces wired into the registry.
type Collaborators struct {
	Bridge     Bridge
	Publisher  EventPublisher
	Cache      SnapshotCache
	Repository Repository
}

// NewServiceRegistry builds the library, the manifest codec and the fleet from
// configuration. The library is scanned once; a missing root is logged and
// leaves the catalog empty.
func NewServiceRegistry(cfg *config.Config, c Collaborators, logger *logrus.Logger) (*ServiceRegistry, error) {
	codec, err := NewManifestCodec(cfg.Content.DecodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest codec: %w", err)
	}

	library := NewLibrary(cfg.Content.LibraryRoot, logger)
	if _, err := library.Scan(); err != nil {
		logger.WithError(err).Warn("Initial library scan failed")
	}

	ops := NewBridgeOps(c.Bridge, cfg.App, cfg.Content, logger)
	deps := HeadsetDeps{
		Ops:             ops,
		Codec:           codec,
		Library:         library,
		Verifier:        NewVerifier(ops, cfg.Content.UploadPath, cfg.Content.VerifyConcurrency),
		Publisher:       c.Publisher,
		Repo:            c.Repository,
		Logger:          logger,
		APKPath:         cfg.App.APKPath,
		TargetVersion:   cfg.App.Version,
		InstallAttempts: cfg.App.InstallAttempts,
		QueueSize:       cfg.App.QueueSize,
	}

	return &ServiceRegistry{
		Fleet:      NewFleet(deps, c.Cache, cfg.Poll),
		Library:    library,
		Repository: c.Repository,
	}, nil
}
