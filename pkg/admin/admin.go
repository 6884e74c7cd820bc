// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package admin implements pgd's process-level command channel: a small
// text-command protocol over a local unix domain socket exposing list
// PGs, dump PG info, query PG state, mark-lost, force-recover,
// force-backfill, and set-debug (spec §6 "Process-level surface").
package admin

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/pgd/pkg/objectid"
)

// Error is the error class for admin-channel failures.
var Error = errs.Class("pgd/admin")

// PGInfoView is what "dump PG info" reports for one PG.
type PGInfoView struct {
	ID         objectid.PGID
	State      string
	Epoch      uint64
	ActingSet  []string
	Incomplete bool
	Clean      bool
}

// Handlers is the set of operations the command channel dispatches to;
// the concrete daemon wiring (cmd/pgd) supplies these against the real
// node service, keeping this package free of a pkg/node import and any
// risk of a dependency cycle.
type Handlers struct {
	ListPGs       func() []objectid.PGID
	DumpPGInfo    func(id objectid.PGID) (PGInfoView, error)
	QueryPGState  func(id objectid.PGID) (string, error)
	MarkLost      func(id objectid.PGID, object objectid.ID) error
	ForceRecover  func(id objectid.PGID) error
	ForceBackfill func(id objectid.PGID, target string) error
	SetDebug      func(enabled bool)
}

// Server listens on a unix domain socket and serves one line-oriented
// command per connection.
type Server struct {
	log      *zap.Logger
	path     string
	handlers Handlers
	listener net.Listener
}

// NewServer constructs an admin Server bound to socketPath, which is
// created fresh on Listen (any stale socket file from a prior crashed
// process is removed first).
func NewServer(log *zap.Logger, socketPath string, handlers Handlers) *Server {
	return &Server{log: log, path: socketPath, handlers: handlers}
}

// Listen binds the unix socket, removing a stale file left by a prior
// process if present.
func (s *Server) Listen() error {
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return Error.Wrap(err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is done or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return Error.Wrap(err)
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return os.Remove(s.path)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "list-pgs":
		return s.cmdListPGs()
	case "dump-pg-info":
		return s.cmdDumpPGInfo(args)
	case "query-pg-state":
		return s.cmdQueryPGState(args)
	case "mark-lost":
		return s.cmdMarkLost(args)
	case "force-recover":
		return s.cmdForceRecover(args)
	case "force-backfill":
		return s.cmdForceBackfill(args)
	case "set-debug":
		return s.cmdSetDebug(args)
	default:
		return "ERR unknown command: " + cmd
	}
}

func (s *Server) cmdListPGs() string {
	if s.handlers.ListPGs == nil {
		return "ERR not supported"
	}
	var b strings.Builder
	b.WriteString("OK")
	for _, id := range s.handlers.ListPGs() {
		b.WriteString(" ")
		b.WriteString(id.String())
	}
	return b.String()
}

func (s *Server) cmdDumpPGInfo(args []string) string {
	id, err := parsePGID(args)
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.DumpPGInfo == nil {
		return "ERR not supported"
	}
	view, err := s.handlers.DumpPGInfo(id)
	if err != nil {
		return "ERR " + err.Error()
	}
	return fmt.Sprintf("OK state=%s epoch=%d acting=%s incomplete=%t clean=%t",
		view.State, view.Epoch, strings.Join(view.ActingSet, ","), view.Incomplete, view.Clean)
}

func (s *Server) cmdQueryPGState(args []string) string {
	id, err := parsePGID(args)
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.QueryPGState == nil {
		return "ERR not supported"
	}
	state, err := s.handlers.QueryPGState(id)
	if err != nil {
		return "ERR " + err.Error()
	}
	return "OK " + state
}

func (s *Server) cmdMarkLost(args []string) string {
	if len(args) < 2 {
		return "ERR usage: mark-lost <pg> <object-name>"
	}
	id, err := parsePGID(args[:1])
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.MarkLost == nil {
		return "ERR not supported"
	}
	obj := objectid.ID{PoolID: id.PoolID, Name: []byte(args[1])}
	if err := s.handlers.MarkLost(id, obj); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdForceRecover(args []string) string {
	id, err := parsePGID(args)
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.ForceRecover == nil {
		return "ERR not supported"
	}
	if err := s.handlers.ForceRecover(id); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdForceBackfill(args []string) string {
	if len(args) < 2 {
		return "ERR usage: force-backfill <pg> <target-node>"
	}
	id, err := parsePGID(args[:1])
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.ForceBackfill == nil {
		return "ERR not supported"
	}
	if err := s.handlers.ForceBackfill(id, args[1]); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdSetDebug(args []string) string {
	if len(args) < 1 {
		return "ERR usage: set-debug <true|false>"
	}
	enabled, err := strconv.ParseBool(args[0])
	if err != nil {
		return "ERR " + err.Error()
	}
	if s.handlers.SetDebug == nil {
		return "ERR not supported"
	}
	s.handlers.SetDebug(enabled)
	return "OK"
}

// parsePGID parses a "pool.seq" or "pool.seqsN" rendering back into a
// PGID, the inverse of objectid.PGID.String.
func parsePGID(args []string) (objectid.PGID, error) {
	if len(args) < 1 {
		return objectid.PGID{}, Error.New("usage: <command> <pg>")
	}
	raw := args[0]
	shard := objectid.NoShard
	if idx := strings.Index(raw, "s"); idx >= 0 && strings.Contains(raw, ".") && idx > strings.Index(raw, ".") {
		shardVal, err := strconv.ParseInt(raw[idx+1:], 10, 32)
		if err != nil {
			return objectid.PGID{}, Error.New("invalid pg id %q: %w", raw, err)
		}
		shard = int32(shardVal)
		raw = raw[:idx]
	}
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 {
		return objectid.PGID{}, Error.New("invalid pg id %q: expected pool.seq", raw)
	}
	pool, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return objectid.PGID{}, Error.New("invalid pool id in %q: %w", raw, err)
	}
	seq, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return objectid.PGID{}, Error.New("invalid seq in %q: %w", raw, err)
	}
	return objectid.PGID{PoolID: pool, Seq: uint32(seq), Shard: shard}, nil
}
