// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package pgwire

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/workspaces"
)

const textOID = 25 // results are rendered in text format

// session is one authenticated wire connection bound to a workspace
// engine session.
type session struct {
	id        string
	server    *Server
	log       *zap.Logger
	conn      net.Conn
	backend   *pgproto3.Backend
	workspace workspaces.Workspace
	engine    *duck.DB

	stmt   string  // unnamed prepared statement
	portal *portal // unnamed bound portal
	failed bool    // extended protocol error recovery until Sync

	mu    sync.Mutex
	ended bool
}

// portal is the single unnamed bound portal.
type portal struct {
	query string
	args  []any
}

// handshake negotiates the startup phase, authenticates, opens the
// workspace engine and registers the session.
func (server *Server) handshake(ctx context.Context, conn net.Conn) (_ *session, err error) {
	defer mon.Task()(&ctx)(&err)

	backend := pgproto3.NewBackend(conn, conn)

	var startup *pgproto3.StartupMessage
negotiate:
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		switch msg := msg.(type) {
		case *pgproto3.SSLRequest:
			if server.tlsConfig != nil {
				if _, err := conn.Write([]byte{'S'}); err != nil {
					return nil, Error.Wrap(err)
				}
				tlsConn := tls.Server(conn, server.tlsConfig)
				if err := tlsConn.HandshakeContext(ctx); err != nil {
					return nil, Error.Wrap(err)
				}
				conn = tlsConn
				backend = pgproto3.NewBackend(conn, conn)
			} else {
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return nil, Error.Wrap(err)
				}
			}
		case *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, Error.Wrap(err)
			}
		case *pgproto3.CancelRequest:
			// accepted and logged; no out-of-band cancellation here
			server.log.Info("cancel request",
				zap.Uint32("pid", msg.ProcessID),
				zap.String("client", conn.RemoteAddr().String()))
			return nil, Error.New("cancel request")
		case *pgproto3.StartupMessage:
			startup = msg
			break negotiate
		default:
			return nil, Error.New("unexpected startup message %T", msg)
		}
	}

	if startup.ProtocolVersion != pgproto3.ProtocolVersionNumber {
		sendFatal(backend, "08P01", fmt.Sprintf("unsupported protocol version %d", startup.ProtocolVersion))
		return nil, Error.New("unsupported protocol version %d", startup.ProtocolVersion)
	}
	if server.isDraining() {
		sendFatal(backend, "57P01", "server is shutting down")
		return nil, Error.New("draining")
	}

	username := startup.Parameters["user"]

	backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := backend.Flush(); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return nil, Error.Wrap(err)
	}
	msg, err := backend.Receive()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	password, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		sendFatal(backend, "08P01", "expected password message")
		return nil, Error.New("expected password message, got %T", msg)
	}

	workspace, err := server.verifier.Verify(ctx, username, password.Password)
	if err != nil {
		code, message := authFailure(err)
		sendFatal(backend, code, message)
		return nil, err
	}

	path := server.layout.WorkspacePath(workspace.ProjectID, workspace.BranchID, workspace.ID)
	engine, err := duck.Open(ctx, path, duck.Options{
		ReadOnly:      false,
		MemoryLimitMB: server.config.MemoryLimitMB,
		Threads:       server.config.Threads,
	})
	if err != nil {
		sendFatal(backend, "58000", "cannot open workspace")
		return nil, Error.Wrap(err)
	}

	now := time.Now().UTC()
	record, err := server.sessions.Create(ctx, workspaces.Session{
		ID:             uuid.NewString(),
		WorkspaceID:    workspace.ID,
		Username:       username,
		ClientAddr:     conn.RemoteAddr().String(),
		Status:         workspaces.SessionActive,
		StartedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		_ = engine.Close()
		sendFatal(backend, "XX000", "cannot register session")
		return nil, Error.Wrap(err)
	}

	sess := &session{
		id:        record.ID,
		server:    server,
		log:       server.log.With(zap.String("session", record.ID), zap.String("workspace", workspace.ID)),
		conn:      conn,
		backend:   backend,
		workspace: workspace,
		engine:    engine,
	}
	sess.attachProjectTables(ctx)

	backend.Send(&pgproto3.AuthenticationOk{})
	for name, value := range map[string]string{
		"server_version":              "15.0 (duckpond)",
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
		"TimeZone":                    "UTC",
	} {
		backend.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	backend.Send(&pgproto3.BackendKeyData{ProcessID: randomKey(), SecretKey: randomKey()})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		sess.close()
		return nil, Error.Wrap(err)
	}

	sess.log.Info("session started",
		zap.String("user", username),
		zap.String("client", conn.RemoteAddr().String()))
	return sess, nil
}

// attachProjectTables attaches every project table read-only and
// exposes it as a bare-name view <bucket>_<table>. When the workspace
// is branched, branch copies shadow main. Failures are logged per
// table and skipped.
func (sess *session) attachProjectTables(ctx context.Context) {
	projectID := sess.workspace.ProjectID

	paths := make(map[string]string)
	var order []string
	record := func(branchID string, bucket, name string) {
		key := bucket + "_" + name
		if _, seen := paths[key]; !seen {
			order = append(order, key)
		}
		paths[key] = sess.server.layout.TablePath(projectID, branchID, bucket, name)
	}

	mainTables, err := sess.server.tables.List(ctx, projectID, "", "")
	if err != nil {
		sess.log.Warn("listing project tables failed", zap.Error(err))
	}
	for _, table := range mainTables {
		record("", table.Bucket, table.Name)
	}
	if branchID := sess.workspace.BranchID; branchID != "" {
		branchTables, err := sess.server.tables.List(ctx, projectID, branchID, "")
		if err != nil {
			sess.log.Warn("listing branch tables failed", zap.Error(err))
		}
		for _, table := range branchTables {
			record(branchID, table.Bucket, table.Name)
		}
	}

	for _, key := range order {
		alias := "src_" + key
		if err := sess.engine.Attach(ctx, paths[key], alias, true); err != nil {
			sess.log.Warn("attach failed", zap.String("table", key), zap.Error(err))
			continue
		}
		view := "CREATE OR REPLACE VIEW " + duck.QuoteIdent(key) +
			" AS SELECT * FROM " + duck.QuoteIdent(alias) + ".main.data"
		if err := sess.engine.Exec(ctx, view); err != nil {
			sess.log.Warn("view creation failed", zap.String("table", key), zap.Error(err))
			_ = sess.engine.Detach(ctx, alias)
		}
	}
}

// serve runs the query loop until the client leaves, a statement times
// out or the connection breaks.
func (sess *session) serve(ctx context.Context) {
	for {
		msg, err := sess.backend.Receive()
		if err != nil {
			sess.markEnded(workspaces.SessionClientDisconnect)
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			sess.failed = false
			timedOut, err := sess.runStatement(ctx, msg.String, nil)
			if err != nil {
				sess.sendError(err)
			}
			sess.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := sess.backend.Flush(); err != nil {
				sess.markEnded(workspaces.SessionClientDisconnect)
				return
			}
			if timedOut {
				sess.markEnded(workspaces.SessionTimeout)
				return
			}

		case *pgproto3.Parse:
			if sess.failed {
				continue
			}
			if msg.Name != "" {
				sess.extendedError("0A000", "named prepared statements are not supported")
				continue
			}
			sess.stmt = msg.Query
			sess.backend.Send(&pgproto3.ParseComplete{})

		case *pgproto3.Bind:
			if sess.failed {
				continue
			}
			if msg.DestinationPortal != "" || msg.PreparedStatement != "" {
				sess.extendedError("0A000", "named portals are not supported")
				continue
			}
			args, err := bindArgs(msg)
			if err != nil {
				sess.extendedError("0A000", err.Error())
				continue
			}
			sess.portal = &portal{query: sess.stmt, args: args}
			sess.backend.Send(&pgproto3.BindComplete{})

		case *pgproto3.Describe:
			if sess.failed {
				continue
			}
			// result shapes are known only at execution
			if msg.ObjectType == 'S' {
				sess.backend.Send(&pgproto3.ParameterDescription{ParameterOIDs: []uint32{}})
			}
			sess.backend.Send(&pgproto3.NoData{})

		case *pgproto3.Execute:
			if sess.failed {
				continue
			}
			if sess.portal == nil {
				sess.extendedError("34000", "portal does not exist")
				continue
			}
			timedOut, err := sess.runStatement(ctx, sess.portal.query, sess.portal.args)
			if err != nil {
				sess.sendError(err)
				sess.failed = true
			}
			if timedOut {
				_ = sess.backend.Flush()
				sess.markEnded(workspaces.SessionTimeout)
				return
			}

		case *pgproto3.Sync:
			sess.failed = false
			sess.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := sess.backend.Flush(); err != nil {
				sess.markEnded(workspaces.SessionClientDisconnect)
				return
			}

		case *pgproto3.Close:
			switch msg.ObjectType {
			case 'S':
				sess.stmt = ""
			case 'P':
				sess.portal = nil
			}
			sess.backend.Send(&pgproto3.CloseComplete{})

		case *pgproto3.Flush:
			if err := sess.backend.Flush(); err != nil {
				sess.markEnded(workspaces.SessionClientDisconnect)
				return
			}

		case *pgproto3.Terminate:
			sess.markEnded(workspaces.SessionClientDisconnect)
			return

		default:
			sess.extendedError("0A000", fmt.Sprintf("unsupported message %T", msg))
		}
	}
}

// runStatement executes one statement, streaming its result to the
// client. It reports whether the statement hit the execution budget.
func (sess *session) runStatement(ctx context.Context, query string, args []any) (timedOut bool, err error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		sess.backend.Send(&pgproto3.EmptyQueryResponse{})
		return false, nil
	}

	sess.touch(ctx)

	qctx := ctx
	if timeout := sess.server.config.StatementTimeout; timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if returnsRows(trimmed) {
		err = sess.streamRows(qctx, query, args)
	} else {
		err = sess.execCommand(qctx, trimmed, query, args)
	}
	if err != nil && errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return true, err
	}
	return false, err
}

func (sess *session) streamRows(ctx context.Context, query string, args []any) error {
	rows, err := sess.engine.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return duck.EngineError.Wrap(err)
	}
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	sess.backend.Send(&pgproto3.RowDescription{Fields: fields})

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return duck.EngineError.Wrap(err)
		}
		row := make([][]byte, len(values))
		for i, value := range values {
			row[i] = textValue(value)
		}
		sess.backend.Send(&pgproto3.DataRow{Values: row})
		count++
		if count%1024 == 0 {
			if err := sess.backend.Flush(); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return duck.EngineError.Wrap(err)
	}
	sess.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", count))})
	return nil
}

func (sess *session) execCommand(ctx context.Context, trimmed, query string, args []any) error {
	affected, err := sess.engine.ExecRows(ctx, query, args...)
	if err != nil {
		return err
	}
	sess.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(commandTag(trimmed, affected))})
	return nil
}

// touch is best effort; activity bookkeeping never fails a statement.
func (sess *session) touch(ctx context.Context) {
	if err := sess.server.sessions.Touch(ctx, sess.id, time.Now().UTC()); err != nil {
		sess.log.Warn("failed to record activity", zap.Error(err))
	}
}

// sendError surfaces the failure with the engine's message unchanged.
func (sess *session) sendError(err error) {
	message := err.Error()
	if base := errs.Unwrap(err); base != nil {
		message = base.Error()
	}
	sess.backend.Send(&pgproto3.ErrorResponse{
		Severity:            "ERROR",
		SeverityUnlocalized: "ERROR",
		Code:                "XX000",
		Message:             message,
	})
	_ = sess.backend.Flush()
}

func (sess *session) extendedError(code, message string) {
	sess.failed = true
	sess.backend.Send(&pgproto3.ErrorResponse{
		Severity:            "ERROR",
		SeverityUnlocalized: "ERROR",
		Code:                code,
		Message:             message,
	})
	_ = sess.backend.Flush()
}

// terminate force-closes the connection with the given terminal status.
func (sess *session) terminate(status workspaces.SessionStatus) {
	sess.markEnded(status)
	_ = sess.conn.Close()
}

// markEnded records the terminal status exactly once.
func (sess *session) markEnded(status workspaces.SessionStatus) {
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	sess.ended = true
	sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.server.sessions.Close(ctx, sess.id, status, time.Now().UTC()); err != nil {
		sess.log.Warn("failed to record session end", zap.Error(err))
	}
	sess.log.Info("session ended", zap.String("status", string(status)))
}

// close releases the engine session.
func (sess *session) close() {
	sess.markEnded(workspaces.SessionClientDisconnect)
	if sess.engine != nil {
		_ = sess.engine.Close()
	}
}

func sendFatal(backend *pgproto3.Backend, code, message string) {
	backend.Send(&pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                code,
		Message:             message,
	})
	_ = backend.Flush()
}

func authFailure(err error) (code, message string) {
	switch {
	case ErrInvalidCredentials.Has(err):
		return "28P01", "Invalid credentials"
	case ErrNotActive.Has(err):
		return "28000", "Workspace not active"
	case ErrExpired.Has(err):
		return "28000", "Workspace expired"
	case ErrTooManySessions.Has(err):
		return "53300", "Too many connections"
	}
	return "XX000", "internal error"
}

func bindArgs(msg *pgproto3.Bind) ([]any, error) {
	args := make([]any, len(msg.Parameters))
	for i, raw := range msg.Parameters {
		var format int16
		switch len(msg.ParameterFormatCodes) {
		case 0:
		case 1:
			format = msg.ParameterFormatCodes[0]
		default:
			if i < len(msg.ParameterFormatCodes) {
				format = msg.ParameterFormatCodes[i]
			}
		}
		if format != 0 {
			return nil, Error.New("binary parameters are not supported")
		}
		if raw == nil {
			args[i] = nil
		} else {
			args[i] = string(raw)
		}
	}
	return args, nil
}

// returnsRows classifies statements that produce a result set.
func returnsRows(query string) bool {
	switch firstKeyword(query) {
	case "SELECT", "WITH", "VALUES", "TABLE", "SHOW", "DESCRIBE",
		"EXPLAIN", "PRAGMA", "FROM", "SUMMARIZE", "CALL":
		return true
	}
	return false
}

func commandTag(query string, affected int64) string {
	first := firstKeyword(query)
	switch first {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", affected)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", first, affected)
	case "CREATE", "DROP", "ALTER":
		if second := secondKeyword(query); second != "" {
			return first + " " + second
		}
	}
	return first
}

func firstKeyword(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimLeft(fields[0], "("))
}

func secondKeyword(query string) string {
	fields := strings.Fields(query)
	if len(fields) < 2 {
		return ""
	}
	return strings.ToUpper(fields[1])
}

func textValue(value any) []byte {
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		if v {
			return []byte("t")
		}
		return []byte("f")
	case []byte:
		return []byte(`\x` + fmt.Sprintf("%x", v))
	case string:
		return []byte(v)
	case int64:
		return []byte(strconv.FormatInt(v, 10))
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64))
	case time.Time:
		return []byte(v.Format("2006-01-02 15:04:05.999999-07"))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func randomKey() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
