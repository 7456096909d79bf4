package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport/sqlite"
	"github.com/BookBeat/knightbus-sub001/transport/sqlqueue"
)

// seed writes one pending message and two dead letters to queue "orders".
func seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, sqlite.Config{FilePath: path}.DSN())
	require.NoError(t, err)
	q, err := sqlqueue.New(ctx, db, sqlqueue.Options{Dialect: sqlstore.SQLite, CloseDB: true})
	require.NoError(t, err)
	defer q.Close()

	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		require.NoError(t, q.Send(ctx, "orders", []byte(body), metadatapkg.New("tenant", "acme")))
	}
	deliveries, err := q.Fetch(ctx, "orders", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		require.NoError(t, d.Settler.DeadLetter(ctx, &d.Envelope, "poison"))
	}
	require.NoError(t, q.Send(ctx, "orders", []byte(`{"n":3}`), nil))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestCountsAndList(t *testing.T) {
	path := seed(t)

	out, err := runCLI(t, "--dsn", path, "count", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"orders","count":2}`, out)

	out, err = runCLI(t, "--dsn", path, "pending", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"orders","count":1}`, out)

	out, err = runCLI(t, "--dsn", path, "list", "orders", "--limit", "1")
	require.NoError(t, err)
	var views []deadLetterView
	require.NoError(t, jsoncodec.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "poison", views[0].Reason)
	assert.Equal(t, `{"n":1}`, views[0].Body)
	assert.Equal(t, "acme", views[0].Properties["tenant"])
	assert.Equal(t, 1, views[0].DeliveryCount)
}

func TestListMatchesBodyFields(t *testing.T) {
	path := seed(t)

	out, err := runCLI(t, "--dsn", path, "list", "orders", "--match", "n=2")
	require.NoError(t, err)
	var views []deadLetterView
	require.NoError(t, jsoncodec.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, `{"n":2}`, views[0].Body)

	out, err = runCLI(t, "--dsn", path, "list", "orders", "--match", "missing=1")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestListMatchSkipsNonJSONBodies(t *testing.T) {
	c := &ListCmd{Match: map[string]string{"a": "1"}}
	assert.False(t, c.matches([]byte("plain text")))
	assert.True(t, c.matches([]byte(`{"a":1}`)))
	assert.True(t, (&ListCmd{}).matches([]byte("plain text")))
}

func TestYAMLOutput(t *testing.T) {
	path := seed(t)

	out, err := runCLI(t, "--dsn", path, "-o", "yaml", "count", "orders")
	require.NoError(t, err)
	var got queueCount
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, queueCount{Queue: "orders", Count: 2}, got)
}

func TestReplayAndPurge(t *testing.T) {
	path := seed(t)

	out, err := runCLI(t, "--dsn", path, "list", "orders")
	require.NoError(t, err)
	var views []deadLetterView
	require.NoError(t, jsoncodec.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)

	_, err = runCLI(t, "--dsn", path, "replay", "999")
	require.Error(t, err)

	out, err = runCLI(t, "--dsn", path, "pending", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"orders","count":1}`, out)

	id := strconv.FormatInt(views[0].ID, 10)
	out, err = runCLI(t, "--dsn", path, "replay", id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"replayed":[`+id+`]}`, out)

	out, err = runCLI(t, "--dsn", path, "pending", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"orders","count":2}`, out)

	out, err = runCLI(t, "--dsn", path, "purge", "orders")
	require.NoError(t, err)
	var purged purgeResult
	require.NoError(t, jsoncodec.Unmarshal([]byte(out), &purged))
	assert.Equal(t, int64(1), purged.Purged)

	out, err = runCLI(t, "--dsn", path, "count", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"orders","count":0}`, out)
}

func TestUnknownDriverRejected(t *testing.T) {
	_, err := runCLI(t, "--driver", "mysql", "--dsn", "x", "count", "orders")
	assert.Error(t, err)
}

func TestSweepPurgesOnSchedule(t *testing.T) {
	path := seed(t)
	var out bytes.Buffer
	g := &Globals{Driver: "sqlite", DSN: path, Output: "json", logger: loggingpkg.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, (&SweepCmd{Queue: "orders", Schedule: "@every 1s"}).sweep(ctx, g, &out))

	first, _, _ := bytes.Cut(out.Bytes(), []byte("\n"))
	var res purgeResult
	require.NoError(t, jsoncodec.Unmarshal(first, &res))
	assert.Equal(t, "orders", res.Queue)
	assert.Equal(t, int64(2), res.Purged)
}

func TestSweepRejectsBadSchedule(t *testing.T) {
	path := seed(t)
	g := &Globals{Driver: "sqlite", DSN: path, Output: "json", logger: loggingpkg.Nop()}
	err := (&SweepCmd{Queue: "orders", Schedule: "not a schedule"}).sweep(context.Background(), g, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid schedule")
}
