package ops_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/memory/memstore"
	"github.com/memhive/memoryd/ops"
	"github.com/memhive/memoryd/realtime"
)

var (
	alice = memory.Requester{UserID: "u1", AgentID: "coder"}
	bob   = memory.Requester{UserID: "u1", AgentID: "reviewer"}
)

func newService(t *testing.T) (*ops.Service, *memory.Engine) {
	t.Helper()
	bus := memstore.NewBus()
	engine := memory.NewEngine(memory.Deps{
		Records:  memstore.NewRecords(),
		Vectors:  memstore.NewVectors(),
		Graph:    memstore.NewGraph(),
		Bus:      bus,
		Leases:   memstore.NewLeases(),
		Embedder: llm.NewLocalEmbedder(64),
		Journal:  journal.New(journal.NewMemoryStore(), 0, zerolog.Nop()),
	}, memory.EngineConfig{}, zerolog.Nop())
	coord := realtime.New(bus, engine, nil, 16, zerolog.Nop())
	registry := ops.NewRegistry(nil, 0, zerolog.Nop())
	svc := ops.NewService(engine, coord, nil, nil, registry, zerolog.Nop())
	return svc, engine
}

func call(t *testing.T, svc *ops.Service, op string, req memory.Requester, args string) any {
	t.Helper()
	result, err := svc.Registry().Handle(context.Background(), op, req, json.RawMessage(args))
	require.NoError(t, err, "operation %s", op)
	return result
}

func TestUnknownOperation(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Registry().Handle(context.Background(), "no_such_op", alice, nil)
	assert.Equal(t, memerr.CodeNotFound, memerr.CodeOf(err))
}

func TestMalformedArguments(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Registry().Handle(context.Background(), "add_memory", alice, json.RawMessage(`{"text": 42}`))
	assert.Equal(t, memerr.CodeInvalidInput, memerr.CodeOf(err))
}

func TestAddAndGetMemoryDispatch(t *testing.T) {
	svc, _ := newService(t)

	result := call(t, svc, "add_memory", alice, `{"text": "decided to keep the sqlite schema append-only"}`)
	added, ok := result.(*memory.AddResult)
	require.True(t, ok)
	require.NotEmpty(t, added.Memory.ID)

	got := call(t, svc, "get_memory", alice, `{"id": "`+added.Memory.ID+`"}`)
	payload, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(payload), added.Memory.ID)
}

func TestHealthAndStatsOps(t *testing.T) {
	svc, _ := newService(t)
	call(t, svc, "add_memory", alice, `{"text": "one memory for the stats counter"}`)

	health := call(t, svc, "health", alice, "")
	report, ok := health.(*ops.HealthReport)
	require.True(t, ok)
	assert.Equal(t, ops.StatusOK, report.Status)

	stats, ok := call(t, svc, "get_stats", alice, "").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, stats["total_memories"])
}

func TestSlowQueryLog(t *testing.T) {
	registry := ops.NewRegistry(nil, time.Millisecond, zerolog.Nop())
	registry.Register("sleepy", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})

	_, err := registry.Handle(context.Background(), "sleepy", alice, nil)
	require.NoError(t, err)

	slow := registry.SlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "sleepy", slow[0].Operation)
	assert.Equal(t, alice.String(), slow[0].Requester)
}

func TestSubscribePollUnsubscribe(t *testing.T) {
	svc, _ := newService(t)

	res := call(t, svc, "subscribe_memory_events", bob, `{"pattern": "memory.u1.*.*"}`).(map[string]any)
	subID, ok := res["subscription_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, subID)

	// Another agent cannot touch the subscription.
	_, err := svc.Registry().Handle(context.Background(), "poll_memory_events", alice,
		json.RawMessage(`{"subscription_id": "`+subID+`"}`))
	assert.Equal(t, memerr.CodeAccessDenied, memerr.CodeOf(err))

	call(t, svc, "add_memory", alice, `{"text": "publish should reach the subscriber"}`)

	require.Eventually(t, func() bool {
		res := call(t, svc, "poll_memory_events", bob, `{"subscription_id": "`+subID+`"}`).(map[string]any)
		return len(res["events"].([]memory.Event)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	closed := call(t, svc, "unsubscribe_memory_events", bob, `{"subscription_id": "`+subID+`"}`).(map[string]any)
	assert.Equal(t, true, closed["closed"])

	_, err = svc.Registry().Handle(context.Background(), "poll_memory_events", bob,
		json.RawMessage(`{"subscription_id": "`+subID+`"}`))
	assert.Equal(t, memerr.CodeNotFound, memerr.CodeOf(err))
}

func TestPublishEventOp(t *testing.T) {
	svc, _ := newService(t)

	res := call(t, svc, "subscribe_memory_events", alice, `{}`).(map[string]any)
	subID := res["subscription_id"].(string)

	ch := call(t, svc, "publish_memory_event", alice, `{"event_type": "memory_updated", "memory_id": "m-1"}`).(map[string]any)
	assert.Equal(t, "memory.u1.coder.memory_updated", ch["channel"])

	require.Eventually(t, func() bool {
		res := call(t, svc, "poll_memory_events", alice, `{"subscription_id": "`+subID+`"}`).(map[string]any)
		events := res["events"].([]memory.Event)
		for _, ev := range events {
			if ev.MemoryID == "m-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	status := call(t, svc, "get_sync_status", alice, "")
	statuses, ok := status.([]realtime.SubscriberStatus)
	require.True(t, ok)
	require.Len(t, statuses, 1)
	assert.Equal(t, subID, statuses[0].ID)
}

func TestTimelineDispatchAnchorsOnMemoryID(t *testing.T) {
	svc, _ := newService(t)

	var ids []string
	for _, text := range []string{
		"first note about the cache warmup",
		"second note about the cache warmup",
		"third note about the cache warmup",
	} {
		res := call(t, svc, "add_memory", alice, `{"text": "`+text+`"}`).(*memory.AddResult)
		ids = append(ids, res.Memory.ID)
	}

	got := call(t, svc, "get_timeline", alice, `{"memory_id": "`+ids[1]+`", "before": 1, "after": 1}`)
	tl, ok := got.(*memory.Timeline)
	require.True(t, ok, "anchor-shaped call must return a neighborhood, got %T", got)
	assert.Equal(t, ids[1], tl.Anchor.ID)
	require.Len(t, tl.Before, 1)
	require.Len(t, tl.After, 1)
	assert.Equal(t, ids[0], tl.Before[0].ID)
	assert.Equal(t, ids[2], tl.After[0].ID)

	// Without an anchor the op keeps serving the day-grouped view.
	days, ok := call(t, svc, "get_timeline", alice, `{}`).([]memory.TimelineDay)
	require.True(t, ok)
	require.NotEmpty(t, days)
}

func TestCrossLanguageSearchDetectsQueryLanguage(t *testing.T) {
	svc, _ := newService(t)
	call(t, svc, "add_memory", alice, `{"text": "scheduler race fixed by taking the run lock earlier"}`)

	// language_code is optional; the engine detects the query language.
	hits, ok := call(t, svc, "cross_language_search", alice, `{"query": "scheduler race", "limit": 5}`).([]memory.SearchHit)
	require.True(t, ok)
	require.NotEmpty(t, hits)

	// An explicit override still works.
	hits, ok = call(t, svc, "cross_language_search", alice, `{"query": "scheduler race", "language_code": "en"}`).([]memory.SearchHit)
	require.True(t, ok)
	assert.NotEmpty(t, hits)
}
