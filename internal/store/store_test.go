package store

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	payload := json.RawMessage(`{"score":0.92,"verdict":"credible"}`)
	require.NoError(t, s.SetRaw(KeyLastScanResult, payload))

	got, ok := s.Get(KeyLastScanResult)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))
}

func TestSetSerializesValues(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("counter", map[string]int{"n": 3}))

	var out map[string]int
	ok, err := s.GetJSON("counter", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, out["n"])
}

func TestGetJSONAbsentKey(t *testing.T) {
	s := newTestStore(t)

	var out map[string]int
	ok, err := s.GetJSON("missing", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetRaw("k", json.RawMessage(`1`)))
	require.NoError(t, s.Remove("k"))

	_, ok := s.Get("k")
	assert.False(t, ok)

	// Removing again is a no-op.
	require.NoError(t, s.Remove("k"))
}

func TestObserversSeeChangesInWriteOrder(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var seen []string
	s.Subscribe(func(c Change) {
		mu.Lock()
		seen = append(seen, c.Key+"="+string(c.New))
		mu.Unlock()
	})

	require.NoError(t, s.SetRaw("a", json.RawMessage(`1`)))
	require.NoError(t, s.SetRaw("a", json.RawMessage(`2`)))
	require.NoError(t, s.SetRaw("b", json.RawMessage(`3`)))
	require.NoError(t, s.Remove("a"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a=1", "a=2", "b=3", "a="}, seen)
}

func TestObserverReceivesOldValue(t *testing.T) {
	s := newTestStore(t)

	var last Change
	s.Subscribe(func(c Change) { last = c })

	require.NoError(t, s.SetRaw("k", json.RawMessage(`"v1"`)))
	assert.Nil(t, last.Old)

	require.NoError(t, s.SetRaw("k", json.RawMessage(`"v2"`)))
	assert.Equal(t, `"v1"`, string(last.Old))
	assert.Equal(t, `"v2"`, string(last.New))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := newTestStore(t)

	count := 0
	unsubscribe := s.Subscribe(func(Change) { count++ })

	require.NoError(t, s.SetRaw("k", json.RawMessage(`1`)))
	unsubscribe()
	unsubscribe() // safe to call twice
	require.NoError(t, s.SetRaw("k", json.RawMessage(`2`)))

	assert.Equal(t, 1, count)
}

func TestReopenLoadsPersistedState(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, s1.SetRaw(KeySession, json.RawMessage(`{"access_token":"tok"}`)))
	require.NoError(t, s1.SetRaw(KeyIsScanning, json.RawMessage(`{"active":true}`)))

	s2, err := Open(dir, logging.NewNop())
	require.NoError(t, err)

	got, ok := s2.Get(KeySession)
	require.True(t, ok)
	assert.JSONEq(t, `{"access_token":"tok"}`, string(got))
	assert.ElementsMatch(t, []string{KeySession, KeyIsScanning}, s2.Keys())
}

func TestSnapshotIsDetached(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetRaw("k", json.RawMessage(`1`)))
	snap := s.Snapshot()
	require.NoError(t, s.SetRaw("k", json.RawMessage(`2`)))

	assert.Equal(t, `1`, string(snap["k"]))
}

func TestOperationCountersTrackWrites(t *testing.T) {
	s := newTestStore(t)
	m := monitoring.NewMetrics()
	s.WithMetrics(m)

	require.NoError(t, s.SetRaw("k", json.RawMessage(`1`)))
	require.NoError(t, s.SetRaw("k", json.RawMessage(`2`)))
	require.NoError(t, s.Remove("k"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("remove")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreErrors))

	// A rejected write counts as an op and an error.
	require.Error(t, s.SetRaw("a/b", json.RawMessage(`1`)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors))
}

func TestInvalidKeysRejected(t *testing.T) {
	s := newTestStore(t)

	for _, key := range []string{"", "a/b", `a\b`, "../etc"} {
		assert.Error(t, s.SetRaw(key, json.RawMessage(`1`)), "key %q", key)
	}
}
