// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package admin

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/pgd/pkg/objectid"
)

func TestServerListPGsAndDumpInfo(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	pg := objectid.PGID{PoolID: 1, Seq: 2, Shard: objectid.NoShard}

	handlers := Handlers{
		ListPGs: func() []objectid.PGID { return []objectid.PGID{pg} },
		DumpPGInfo: func(id objectid.PGID) (PGInfoView, error) {
			require.Equal(t, pg, id)
			return PGInfoView{ID: id, State: "Primary/Active", Epoch: 5, ActingSet: []string{"A", "B"}, Clean: true}, nil
		},
	}

	srv := NewServer(zaptest.NewLogger(t), sockPath, handlers)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	conn, err := dialWithRetry(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte("list-pgs\n"))
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK 1.2\n", line)

	_, err = conn.Write([]byte("dump-pg-info 1.2\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "state=Primary/Active")
	assert.Contains(t, line, "epoch=5")
	assert.Contains(t, line, "clean=true")
}

func TestParsePGIDWithShard(t *testing.T) {
	id, err := parsePGID([]string{"3.as2"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, id.PoolID)
	assert.EqualValues(t, 0xa, id.Seq)
	assert.EqualValues(t, 2, id.Shard)
}

func dialWithRetry(path string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return nil, lastErr
}
