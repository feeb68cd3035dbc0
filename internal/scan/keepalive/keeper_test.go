package keepalive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/store"
)

func newKeeper(t *testing.T) (*Keeper, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	return New(st, logging.NewNop(), 10*time.Millisecond, nil), st
}

func TestStartWritesImmediateBeat(t *testing.T) {
	k, st := newKeeper(t)

	h := k.Start("scan_1")
	defer h.Stop()

	require.Eventually(t, func() bool {
		var beat Beat
		ok, err := st.GetJSON(store.KeyKeepAlive, &beat)
		return err == nil && ok && beat.ScanID == "scan_1" && beat.At > 0
	}, time.Second, 5*time.Millisecond)
}

func TestBeatsRepeat(t *testing.T) {
	k, st := newKeeper(t)

	h := k.Start("scan_1")
	defer h.Stop()

	var first Beat
	require.Eventually(t, func() bool {
		ok, _ := st.GetJSON(store.KeyKeepAlive, &first)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		var beat Beat
		ok, _ := st.GetJSON(store.KeyKeepAlive, &beat)
		return ok && beat.At >= first.At
	}, time.Second, 5*time.Millisecond)
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	k, _ := newKeeper(t)

	h1 := k.Start("scan_1")
	h2 := k.Start("scan_2")
	assert.Same(t, h1, h2)

	h1.Stop()
}

func TestStopAllowsRestart(t *testing.T) {
	k, _ := newKeeper(t)

	h1 := k.Start("scan_1")
	h1.Stop()
	h1.Stop() // idempotent

	h2 := k.Start("scan_2")
	assert.NotSame(t, h1, h2)
	h2.Stop()
}
