// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package pgwire serves workspaces over the PostgreSQL wire protocol.
//
// Every accepted connection authenticates against workspace
// credentials, gets its own engine session on the workspace file with
// the project's tables attached read-only, and runs queries until the
// client leaves, a statement times out, or the server drains.
package pgwire

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/workspaces"
)

var (
	mon = monkit.Package()

	// Error is the default pgwire errs class.
	Error = errs.Class("pgwire")
)

// Config configures the wire server.
type Config struct {
	Address                 string        `help:"address for the wire listener" default:":5439"`
	TLSCert                 string        `help:"path to a TLS certificate, enables SSL upgrades when set" default:""`
	TLSKey                  string        `help:"path to the TLS private key" default:""`
	MaxSessionsPerWorkspace int           `help:"active wire sessions allowed per workspace" default:"5"`
	StatementTimeout        time.Duration `help:"execution budget per statement" default:"5m"`
	IdleTimeout             time.Duration `help:"sessions idle longer than this are closed" default:"1h"`
	IdleCheckInterval       time.Duration `help:"interval between idle session sweeps" default:"5m"`
	DrainTimeout            time.Duration `help:"grace given to live sessions on shutdown" default:"30s"`
	MemoryLimitMB           int           `help:"engine memory limit per session in MB, 0 keeps the engine default" default:"0"`
	Threads                 int           `help:"engine threads per session, 0 keeps the engine default" default:"0"`
}

// Server accepts and serves wire sessions.
type Server struct {
	log      *zap.Logger
	config   Config
	layout   layout.Layout
	tables   catalog.Tables
	sessions workspaces.Sessions
	verifier Verifier

	listener  net.Listener
	tlsConfig *tls.Config

	mu       sync.Mutex
	draining bool
	live     map[string]*session
}

// NewServer creates a wire server on the given listener.
func NewServer(log *zap.Logger, listener net.Listener, lay layout.Layout, tables catalog.Tables, db workspaces.DB, sessions workspaces.Sessions, config Config) (*Server, error) {
	server := &Server{
		log:      log,
		config:   config,
		layout:   lay,
		tables:   tables,
		sessions: sessions,
		verifier: Verifier{
			DB:          db,
			Sessions:    sessions,
			MaxSessions: config.MaxSessionsPerWorkspace,
		},
		listener: listener,
		live:     make(map[string]*session),
	}

	if config.TLSCert != "" && config.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCert, config.TLSKey)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		server.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return server, nil
}

// Addr returns the address the server listens on.
func (server *Server) Addr() net.Addr { return server.listener.Addr() }

// Run serves connections until the context is canceled, then drains.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		server.InitiateShutdown(server.config.DrainTimeout)
		return Error.Wrap(server.listener.Close())
	})
	group.Go(func() error {
		// cancel fires before the wait so a failed accept still
		// triggers the drain that terminates live sessions
		var conns sync.WaitGroup
		defer conns.Wait()
		defer cancel()
		for {
			conn, err := server.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return Error.Wrap(err)
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				server.serveConn(ctx, conn)
			}()
		}
	})
	return group.Wait()
}

// Close stops accepting connections.
func (server *Server) Close() error {
	err := server.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return Error.Wrap(err)
}

// InitiateShutdown rejects new sessions, waits up to timeout for live
// sessions to finish, then force-closes the rest with status
// server_drain.
func (server *Server) InitiateShutdown(timeout time.Duration) {
	server.mu.Lock()
	server.draining = true
	server.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if server.LiveCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, sess := range server.snapshotLive() {
		server.log.Info("force closing session on drain",
			zap.String("session", sess.id),
			zap.String("workspace", sess.workspace.ID))
		sess.terminate(workspaces.SessionServerDrain)
	}
}

// LiveCount returns the number of connected sessions.
func (server *Server) LiveCount() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.live)
}

// CloseSession tears down the live session with the given id, if any.
func (server *Server) CloseSession(id string, status workspaces.SessionStatus) bool {
	server.mu.Lock()
	sess, ok := server.live[id]
	server.mu.Unlock()
	if !ok {
		return false
	}
	sess.terminate(status)
	return true
}

func (server *Server) isDraining() bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.draining
}

func (server *Server) register(sess *session) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.live[sess.id] = sess
}

func (server *Server) unregister(id string) {
	server.mu.Lock()
	defer server.mu.Unlock()
	delete(server.live, id)
}

func (server *Server) snapshotLive() []*session {
	server.mu.Lock()
	defer server.mu.Unlock()
	live := make([]*session, 0, len(server.live))
	for _, sess := range server.live {
		live = append(live, sess)
	}
	return live
}

func (server *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	sess, err := server.handshake(ctx, conn)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			server.log.Debug("handshake failed",
				zap.String("client", conn.RemoteAddr().String()),
				zap.Error(err))
		}
		return
	}
	defer sess.close()

	server.register(sess)
	defer server.unregister(sess.id)

	sess.serve(ctx)
}
