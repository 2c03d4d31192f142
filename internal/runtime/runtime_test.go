package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"varwire/internal/block"
	"varwire/internal/varenv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memTransport is an in-memory transport for driving the connection in
// tests: pushed batches arrive through a channel, sent batches are recorded.
type memTransport struct {
	mu       sync.Mutex
	incoming chan *block.OrderedMap[*block.Block]
	sent     []*block.OrderedMap[json.RawMessage]
	sendErr  error
}

func newMemTransport() *memTransport {
	return &memTransport{incoming: make(chan *block.OrderedMap[*block.Block], 16)}
}

func (m *memTransport) Init(con *Connection) error { return nil }

func (m *memTransport) IncomingPeriod(con *Connection) time.Duration { return 5 * time.Millisecond }

func (m *memTransport) OutgoingPeriod(con *Connection) time.Duration { return 10 * time.Millisecond }

func (m *memTransport) GetUpdates(con *Connection, wait time.Duration) (*block.OrderedMap[*block.Block], error) {
	select {
	case b := <-m.incoming:
		return b, nil
	case <-time.After(wait):
		return nil, nil
	}
}

func (m *memTransport) SendUpdates(con *Connection, batch *block.OrderedMap[json.RawMessage]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, batch)
	return nil
}

func (m *memTransport) push(t *testing.T, src string) {
	t.Helper()
	batch, errs := block.ParseBlocks([]byte(src))
	require.Empty(t, errs)
	m.incoming <- batch
}

func (m *memTransport) sentBatches() []*block.OrderedMap[json.RawMessage] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*block.OrderedMap[json.RawMessage](nil), m.sent...)
}

func (m *memTransport) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// lastSent returns the most recent sent payload for name, decoded.
func (m *memTransport) lastSent(name string) (map[string]interface{}, bool) {
	batches := m.sentBatches()
	for i := len(batches) - 1; i >= 0; i-- {
		if raw, ok := batches[i].Get(name); ok {
			var decoded map[string]interface{}
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, false
			}
			return decoded, true
		}
	}
	return nil, false
}

func startTest(t *testing.T, roots map[string]interface{}) (*Connection, *memTransport) {
	t.Helper()
	tr := newMemTransport()
	con, err := Start(context.Background(), Options{
		Name:          "test",
		Roots:         roots,
		Transport:     tr,
		DefaultUpdate: 20 * time.Millisecond,
		DefaultStream: "main",
	})
	require.NoError(t, err)
	t.Cleanup(con.Shutdown)
	return con, tr
}

// onRefresh runs fn on the refresh worker so tests can inspect the env
// without racing it.
func onRefresh(t *testing.T, c *Connection, fn func()) {
	t.Helper()
	require.NoError(t, c.Sync(context.Background(), "refresh", func(context.Context) error {
		fn()
		return nil
	}))
}

const monitorM1 = `{
	"m1": {
		"type": "monitor",
		"name": "m1",
		"root": "@person",
		"value": {"name": "", "number?path=number": ""}
	}
}`

func personRoots() map[string]interface{} {
	return map[string]interface{}{
		"person": map[string]interface{}{"name": "Herman", "number": "1313"},
	}
}

func TestBasicMonitorPublishesSnapshot(t *testing.T) {
	con, tr := startTest(t, personRoots())
	_ = con
	tr.push(t, monitorM1)

	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	out, _ := tr.lastSent("m1")
	value, ok := out["value"].(map[string]interface{})
	require.True(t, ok, "outgoing block has no value: %v", out)
	assert.Equal(t, "Herman", value["name"])
	assert.Equal(t, "1313", value["number?path=number"])
	assert.Equal(t, "@person", out["root"])
	assert.Equal(t, "monitor", out["type"])
}

func TestInboundSetSuppressesEcho(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.push(t, monitorM1)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	before := len(tr.sentBatches())

	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@person",
			"value": {"name": "Freddy", "number?path=number": "1313"}
		}
	}`)

	var hostName interface{}
	require.Eventually(t, func() bool {
		onRefresh(t, con, func() {
			hostName = con.Env().Roots["person"].(map[string]interface{})["name"]
		})
		return hostName == "Freddy"
	}, 2*time.Second, 5*time.Millisecond)

	// Let a few cycles run; the applied value must not echo back out.
	time.Sleep(100 * time.Millisecond)
	for _, batch := range tr.sentBatches()[before:] {
		_, ok := batch.Get("m1")
		assert.False(t, ok, "echo published for m1")
	}
}

func TestQuietMonitorRefreshesWithoutPublishing(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@person",
			"quiet": true,
			"update": 0.05,
			"value": {"number?path=number": ""}
		}
	}`)

	// Wait for the install to refresh once.
	require.Eventually(t, func() bool {
		var installed bool
		onRefresh(t, con, func() {
			_, installed = con.monitors["m1"]
		})
		return installed
	}, 2*time.Second, 5*time.Millisecond)

	onRefresh(t, con, func() {
		con.Env().ClearChanged()
		con.Env().Roots["person"].(map[string]interface{})["number"] = "42"
	})

	require.Eventually(t, func() bool {
		var changed bool
		onRefresh(t, con, func() {
			for id := range con.Env().Changed {
				if v := con.Env().Vars[id]; v != nil && v.Name == "number" {
					changed = true
				}
			}
		})
		return changed
	}, 2*time.Second, 5*time.Millisecond)

	for _, batch := range tr.sentBatches() {
		_, ok := batch.Get("m1")
		assert.False(t, ok, "quiet monitor must not publish")
	}
}

func TestDeleteRemovesMonitorAndVars(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.push(t, monitorM1)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	tr.push(t, `{"del": {"type": "delete", "name": "del", "value": ["m1"]}}`)

	require.Eventually(t, func() bool {
		var gone bool
		onRefresh(t, con, func() {
			_, present := con.monitors["m1"]
			gone = !present && len(con.Env().Vars) == 0
		})
		return gone
	}, 2*time.Second, 5*time.Millisecond)

	count := len(tr.sentBatches())
	onRefresh(t, con, func() {
		con.Env().Roots["person"].(map[string]interface{})["name"] = "Changed"
	})
	time.Sleep(100 * time.Millisecond)
	for _, batch := range tr.sentBatches()[count:] {
		_, ok := batch.Get("m1")
		assert.False(t, ok, "deleted monitor still publishing")
	}
}

func TestDuplicateMonitorBlockPublishesOnce(t *testing.T) {
	con, tr := startTest(t, personRoots())
	_ = con
	tr.push(t, monitorM1)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	count := 0
	for _, batch := range tr.sentBatches() {
		if _, ok := batch.Get("m1"); ok {
			count++
		}
	}
	require.Equal(t, 1, count)

	tr.push(t, monitorM1)
	time.Sleep(100 * time.Millisecond)

	count = 0
	for _, batch := range tr.sentBatches() {
		if _, ok := batch.Get("m1"); ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "duplicate monitor block must not republish")
}

func TestRefRoundTrip(t *testing.T) {
	list := varenv.NewList("a", "b")
	con, tr := startTest(t, map[string]interface{}{
		"box": map[string]interface{}{"items": list},
	})

	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@box",
			"value": {"items": ""}
		}
	}`)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	out, _ := tr.lastSent("m1")
	value := out["value"].(map[string]interface{})
	ref, ok := value["items"].(map[string]interface{})
	require.True(t, ok, "list did not serialize as a ref: %v", value["items"])
	oid, ok := ref["ref"].(float64)
	require.True(t, ok)

	// Echo the same ref back; the engine must resolve it to the same host
	// object without duplicating.
	tr.push(t, fmt.Sprintf(`{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@box",
			"value": {"items": {"ref": %d}}
		}
	}`, int64(oid)))

	time.Sleep(100 * time.Millisecond)
	onRefresh(t, con, func() {
		resolved := con.Env().DerefOID(int64(oid))
		assert.Same(t, list, resolved)
		assert.Equal(t, 1, con.Env().RefCount())
	})
}

func TestOutgoingPreservesExtraKeys(t *testing.T) {
	con, tr := startTest(t, personRoots())
	_ = con
	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"color": "blue",
			"root": "@person",
			"value": {"name": ""}
		}
	}`)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	out, _ := tr.lastSent("m1")
	assert.Equal(t, "blue", out["color"])
}

func TestDisabledMonitorRemovesVars(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.push(t, monitorM1)
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@person",
			"disabled": true,
			"value": {"name": "", "number?path=number": ""}
		}
	}`)
	require.Eventually(t, func() bool {
		var disabled bool
		onRefresh(t, con, func() {
			mon := con.monitors["m1"]
			disabled = mon != nil && mon.Disabled && len(mon.Vars) == 0
		})
		return disabled
	}, 2*time.Second, 5*time.Millisecond)

	tr.push(t, `{
		"m1": {
			"type": "monitor",
			"name": "m1",
			"root": "@person",
			"disabled": false,
			"value": {"name": "", "number?path=number": ""}
		}
	}`)
	require.Eventually(t, func() bool {
		var enabled bool
		onRefresh(t, con, func() {
			mon := con.monitors["m1"]
			enabled = mon != nil && !mon.Disabled && len(mon.Vars) == 2
		})
		return enabled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteByTag(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.push(t, `{
		"d1": {"type": "data", "name": "d1", "tags": ["ui"], "value": 1},
		"d2": {"type": "data", "name": "d2", "tags": ["backend"], "value": 2}
	}`)
	require.Eventually(t, func() bool {
		var n int
		require.NoError(t, con.Sync(context.Background(), "command", func(context.Context) error {
			n = len(con.dataBlocks)
			return nil
		}))
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	tr.push(t, `{"del": {"type": "delete", "name": "del", "value": {"tagged": "ui"}}}`)
	require.Eventually(t, func() bool {
		var names []string
		require.NoError(t, con.Sync(context.Background(), "command", func(context.Context) error {
			for name := range con.dataBlocks {
				names = append(names, name)
			}
			return nil
		}))
		return len(names) == 1 && names[0] == "d2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendOnClosedConnectionIsDiscarded(t *testing.T) {
	con, _ := startTest(t, nil)
	con.Shutdown()
	con.Send("late", 1) // must not panic
	assert.ErrorIs(t, con.Sync(context.Background(), "refresh", func(context.Context) error {
		return nil
	}), ErrClosed)
}

func TestSendPublishesDataBlock(t *testing.T) {
	con, tr := startTest(t, nil)
	con.Send("metric", map[string]interface{}{"v": 1})

	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("metric")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	out, _ := tr.lastSent("metric")
	assert.Equal(t, "data", out["type"])
}

func TestWorkerSyncInline(t *testing.T) {
	acct := newAccountant(time.Hour)
	w := newWorker("w", 4, nil)
	go w.run(context.Background())
	defer func() { w.close(); w.wait(); acct.stop() }()
	go acct.run()

	// Re-entrant sync runs inline instead of deadlocking.
	err := w.Sync(context.Background(), func(ctx context.Context) error {
		return w.Sync(ctx, func(context.Context) error { return nil })
	})
	assert.NoError(t, err)
}

func TestWorkerSyncPropagatesError(t *testing.T) {
	w := newWorker("w", 4, nil)
	go w.run(context.Background())
	defer func() { w.close(); w.wait() }()

	sentinel := errors.New("boom")
	err := w.Sync(context.Background(), func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	err = w.Sync(context.Background(), func(context.Context) error { panic("bang") })
	assert.ErrorContains(t, err, "bang")
}

func TestWorkerClosedSubmissionsFail(t *testing.T) {
	w := newWorker("w", 4, nil)
	go w.run(context.Background())
	w.close()
	w.wait()

	assert.ErrorIs(t, w.Sync(context.Background(), func(context.Context) error { return nil }), ErrClosed)
	assert.ErrorIs(t, w.Async(func(context.Context) error { return nil }), ErrClosed)
}

func TestFailureMutingSequence(t *testing.T) {
	m := newFailureMuter("test")
	for i := 0; i < 5; i++ {
		m.fail(errors.New("x"))
	}
	consecutive, total := m.snapshot()
	assert.Equal(t, 5, consecutive)
	assert.Equal(t, 5, total)

	m.ok()
	consecutive, total = m.snapshot()
	assert.Equal(t, 0, consecutive)
	assert.Equal(t, 5, total)
}

func TestSendFailureCountsAndRecovers(t *testing.T) {
	con, tr := startTest(t, personRoots())
	tr.setSendErr(errors.New("broker down"))
	tr.push(t, monitorM1)

	require.Eventually(t, func() bool {
		return con.Stats().SendFailures >= 1
	}, 2*time.Second, 5*time.Millisecond)

	tr.setSendErr(nil)
	onRefresh(t, con, func() {
		con.monitors["m1"].Force = true
		con.Env().Roots["person"].(map[string]interface{})["name"] = "Again"
	})
	require.Eventually(t, func() bool {
		_, ok := tr.lastSent("m1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorDue(t *testing.T) {
	m := &MonitorData{Update: 100 * time.Millisecond}
	// Aligned to the period: due measures from LastCheck rounded down to it.
	now := time.Now().Truncate(100 * time.Millisecond)
	assert.True(t, m.due(now, time.Second)) // never checked

	m.LastCheck = now
	assert.False(t, m.due(now.Add(10*time.Millisecond), time.Second))
	assert.True(t, m.due(now.Add(150*time.Millisecond), time.Second))

	m.Force = true
	assert.True(t, m.due(now, time.Second))
}

func TestCurrentConnectionAmbient(t *testing.T) {
	con, _ := startTest(t, nil)
	ctx := With(context.Background(), con)
	assert.Same(t, con, Current(ctx))
	assert.Same(t, con, Current(context.Background())) // process default
}

func TestReducerInstallAndFold(t *testing.T) {
	con, tr := startTest(t, nil)
	require.NoError(t, con.Sync(context.Background(), "command", func(context.Context) error {
		con.reducers["sum"] = func(v interface{}) (interface{}, error) {
			return fmt.Sprintf("folded:%v", v), nil
		}
		return nil
	}))

	tr.push(t, `{"sum": {"type": "data", "name": "sum", "value": 3}}`)
	require.Eventually(t, func() bool {
		var folded bool
		require.NoError(t, con.Sync(context.Background(), "command", func(context.Context) error {
			b, ok := con.dataBlocks["sum"]
			folded = ok && b.Value == "folded:3"
			return nil
		}))
		return folded
	}, 2*time.Second, 5*time.Millisecond)
}
