// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package core assembles the storage core peer: the services around
// the per-table engine files plus the control plane, object surface
// and wire protocol servers on top of them.
package core

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duckpond.io/duckpond/core/api"
	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/pgwire"
	"duckpond.io/duckpond/core/s3api"
	"duckpond.io/duckpond/core/shares"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/core/tables"
	"duckpond.io/duckpond/core/workspaces"
	"duckpond.io/duckpond/internal/errs2"
)

// DB is the master database for the storage core.
type DB interface {
	// MigrateToLatest initializes the schema or brings it up to date.
	MigrateToLatest(ctx context.Context) error
	// Preflight verifies the schema matches what this build expects.
	Preflight(ctx context.Context) error
	// Close closes the underlying store.
	Close() error

	Projects() catalog.Projects
	Buckets() catalog.Buckets
	Tables() catalog.Tables
	Files() catalog.Files
	Ops() catalog.Ops
	Branches() branches.DB
	Workspaces() workspaces.DB
	Sessions() workspaces.Sessions
	Snapshots() snapshots.DB
	SnapshotConfigs() snapshots.Configs
	APIKeys() auth.Keys
	S3Keys() auth.S3Keys
	Shares() shares.DB
}

// Config is all the configuration parameters for the storage core.
type Config struct {
	API        api.Config
	S3         s3api.Config
	PGWire     pgwire.Config
	Tables     tables.Config
	Locks      tablelock.Config
	Auth       auth.Config
	Workspaces workspaces.Config
	Snapshots  snapshots.ChoreConfig
}

// Secrets carries the process-level secrets. They arrive through the
// environment, never through flag or file configuration.
type Secrets struct {
	// Admin unlocks the admin surface; empty disables it entirely.
	Admin string
	// Signing signs presigned object URLs.
	Signing string
}

// Peer is the running storage core.
type Peer struct {
	// core dependencies
	Log    *zap.Logger
	DB     DB
	Layout layout.Layout

	Locks *tablelock.Manager

	Auth struct {
		Service   *auth.Service
		Presigner *auth.Presigner
	}

	Snapshots struct {
		Service *snapshots.Service
		Chore   *snapshots.Chore
	}

	Branches   *branches.Service
	Tables     *tables.Service
	Shares     *shares.Service
	Workspaces *workspaces.Service

	PGWire struct {
		Listener  net.Listener
		Server    *pgwire.Server
		IdleChore *pgwire.IdleChore
	}

	API struct {
		Listener    net.Listener
		Idempotency *api.IdempotencyStore
		S3          *s3api.Server
		Server      *api.Server
	}
}

// New creates a new storage core peer. The catalog must already be
// migrated; New wires services and listeners but serves nothing until
// Run.
func New(log *zap.Logger, db DB, lay layout.Layout, secrets Secrets, version string, config Config) (*Peer, error) {
	peer := &Peer{
		Log:    log,
		DB:     db,
		Layout: lay,
	}

	var err error

	{ // setup locks and auth
		peer.Locks = tablelock.NewManager(config.Locks)

		peer.Auth.Service = auth.NewService(log.Named("auth"), db.APIKeys(), db.S3Keys(), secrets.Admin, config.Auth)
		peer.Auth.Presigner = auth.NewPresigner([]byte(secrets.Signing))
	}

	{ // setup table services
		peer.Snapshots.Service = snapshots.NewService(log.Named("snapshots"), lay, peer.Locks, db.Snapshots(), db.SnapshotConfigs(), db.Tables())
		peer.Snapshots.Chore = snapshots.NewChore(log.Named("snapshots:chore"), peer.Snapshots.Service, config.Snapshots)

		peer.Branches = branches.NewService(log.Named("branches"), lay, peer.Locks, db.Branches(), db.Tables())
		peer.Tables = tables.NewService(log.Named("tables"), config.Tables, lay, peer.Locks, peer.Snapshots.Service, peer.Branches, db.Tables(), db.Buckets())
		peer.Shares = shares.NewService(log.Named("shares"), lay, db.Shares(), db.Projects(), db.Buckets(), db.Tables())
		peer.Workspaces = workspaces.NewService(log.Named("workspaces"), lay, db.Workspaces(), peer.Branches, config.Workspaces)
	}

	{ // setup wire protocol server
		peer.PGWire.Listener, err = net.Listen("tcp", config.PGWire.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.PGWire.Server, err = pgwire.NewServer(log.Named("pgwire"), peer.PGWire.Listener, lay, db.Tables(), db.Workspaces(), db.Sessions(), config.PGWire)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.PGWire.IdleChore = pgwire.NewIdleChore(log.Named("pgwire:idle"), peer.PGWire.Server, db.Sessions(),
			config.PGWire.IdleCheckInterval, config.PGWire.IdleTimeout)
	}

	{ // setup control plane
		peer.API.Idempotency, err = api.OpenIdempotencyStore(log.Named("idempotency"), lay.IdempotencyPath(), config.API.IdempotencyWindow)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.API.S3 = s3api.NewServer(log.Named("s3"), lay, peer.Auth.Service, peer.Auth.Presigner, config.S3)

		peer.API.Listener, err = net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		verifier := pgwire.Verifier{
			DB:          db.Workspaces(),
			Sessions:    db.Sessions(),
			MaxSessions: config.PGWire.MaxSessionsPerWorkspace,
		}
		peer.API.Server = api.NewServer(
			log.Named("api"),
			peer.API.Listener,
			db,
			lay,
			peer.Auth.Service,
			peer.Tables,
			peer.Branches,
			peer.Workspaces,
			peer.Shares,
			peer.Snapshots.Service,
			verifier,
			peer.API.Idempotency,
			peer.API.S3,
			version,
			config.API,
		)
	}

	return peer, nil
}

// Run runs the storage core until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Snapshots.Chore.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.PGWire.IdleChore.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.PGWire.Server.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.API.Server.Run(ctx))
	})

	return group.Wait()
}

// Close closes all the resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.API.Server != nil {
		errlist.Add(peer.API.Server.Close())
	} else if peer.API.Listener != nil {
		errlist.Add(peer.API.Listener.Close())
	}
	if peer.API.Idempotency != nil {
		errlist.Add(peer.API.Idempotency.Close())
	}

	if peer.PGWire.IdleChore != nil {
		errlist.Add(peer.PGWire.IdleChore.Close())
	}
	if peer.PGWire.Server != nil {
		errlist.Add(peer.PGWire.Server.Close())
	} else if peer.PGWire.Listener != nil {
		errlist.Add(peer.PGWire.Listener.Close())
	}

	if peer.Snapshots.Chore != nil {
		errlist.Add(peer.Snapshots.Chore.Close())
	}

	return errlist.Err()
}

// APIAddr returns the control plane address.
func (peer *Peer) APIAddr() string { return peer.API.Listener.Addr().String() }

// PGWireAddr returns the wire protocol address.
func (peer *Peer) PGWireAddr() string { return peer.PGWire.Listener.Addr().String() }
