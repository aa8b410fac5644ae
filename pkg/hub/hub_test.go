package hub_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/config"
	"github.com/coordhub/hub/pkg/hub"
	"github.com/coordhub/hub/pkg/store"
)

func newTestHub(t *testing.T) *hub.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.DatabasePath = ":memory:"
	cfg.ArtifactStorageDir = t.TempDir()

	st, err := store.Open(context.Background(), cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s, err := hub.New(st, &cfg, nil)
	require.NoError(t, err)
	return s
}

func dispatch(t *testing.T, s *hub.Server, tool string, payload map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, herr := s.Dispatch(context.Background(), tool, raw)
	require.Nil(t, herr, "dispatch %s: %v", tool, herr)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, true, out["success"])
	return out
}

func dispatchErr(t *testing.T, s *hub.Server, tool string, payload map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, herr := s.Dispatch(context.Background(), tool, raw)
	require.NotNil(t, herr)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, false, out["success"])
	return out
}

func registerWorker(t *testing.T, s *hub.Server, id string) {
	t.Helper()
	dispatch(t, s, "register_agent", map[string]any{
		"id": id, "name": id, "type": "worker", "lifecycle": "persistent",
	})
}

func createTask(t *testing.T, s *hub.Server, fields map[string]any) float64 {
	t.Helper()
	out := dispatch(t, s, "create_task", fields)
	task := out["task"].(map[string]any)
	return task["id"].(float64)
}

func TestDispatchUnknownTool(t *testing.T) {
	s := newTestHub(t)
	resp, herr := s.Dispatch(context.Background(), "nonexistent_tool", json.RawMessage(`{}`))
	require.NotNil(t, herr)
	require.Nil(t, resp)
}

// TestTaskLifecycleThroughDispatch walks register -> create task ->
// poll/claim -> release through the tool surface exactly as an agent
// would over JSON-RPC.
func TestTaskLifecycleThroughDispatch(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w1")
	registerWorker(t, s, "w2")

	taskID := createTask(t, s, map[string]any{
		"title": "do the thing", "priority": "high", "execution_mode": "any", "creator": "w1",
	})

	claimed := dispatch(t, s, "poll_and_claim", map[string]any{
		"agent_id": "w1", "lease_seconds": 300,
	})
	task := claimed["task"].(map[string]any)
	require.Equal(t, taskID, task["id"])
	require.Equal(t, "in_progress", task["status"])
	require.Equal(t, "w1", task["assigned_to"])
	claim := claimed["claim"].(map[string]any)
	require.Len(t, claim["claim_id"], 36)

	// The only pending task is claimed; a second poller comes up empty
	// and gets retry advice instead.
	second := dispatch(t, s, "poll_and_claim", map[string]any{
		"agent_id": "w2", "lease_seconds": 300,
	})
	require.Nil(t, second["task"])
	require.Greater(t, second["retry_after_ms"].(float64), float64(0))

	claims := dispatch(t, s, "list_task_claims", map[string]any{"task_id": taskID})
	require.Len(t, claims["claims"], 1)
}

func TestDependencyGatingThroughDispatch(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w1")
	registerWorker(t, s, "w2")

	t1 := createTask(t, s, map[string]any{"title": "t1", "creator": "w1"})
	t2 := createTask(t, s, map[string]any{"title": "t2", "creator": "w1", "depends_on": []any{t1}})

	claimed := dispatch(t, s, "poll_and_claim", map[string]any{"agent_id": "w1"})
	task := claimed["task"].(map[string]any)
	require.Equal(t, t1, task["id"], "t2 is not ready while t1 is not done")
	claimID := claimed["claim"].(map[string]any)["claim_id"].(string)

	// With t1 in progress the board has nothing ready.
	empty := dispatch(t, s, "poll_and_claim", map[string]any{"agent_id": "w2"})
	require.Nil(t, empty["task"])

	dispatch(t, s, "release_task_claim", map[string]any{
		"task_id": t1, "agent_id": "w1", "claim_id": claimID,
		"next_status": "done", "confidence": 0.96, "verification_passed": true,
		"verified_by": "w2", "evidence_refs": []string{"e1"},
	})

	next := dispatch(t, s, "poll_and_claim", map[string]any{"agent_id": "w1"})
	require.Equal(t, t2, next["task"].(map[string]any)["id"])
}

func TestUnblockCountBreaksPriorityTies(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w1")

	a := createTask(t, s, map[string]any{"title": "a", "priority": "medium", "creator": "w1"})
	b := createTask(t, s, map[string]any{"title": "b", "priority": "medium", "creator": "w1"})
	for i := 0; i < 3; i++ {
		createTask(t, s, map[string]any{"title": "child", "creator": "w1", "depends_on": []any{a}})
	}

	claimed := dispatch(t, s, "poll_and_claim", map[string]any{"agent_id": "w1"})
	got := claimed["task"].(map[string]any)["id"]
	require.Equal(t, a, got, "a unblocks three children, b none")
	require.NotEqual(t, b, got)
}

func TestDoneGateStrictRequiresIndependentVerifier(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w1")
	registerWorker(t, s, "w2")

	id := createTask(t, s, map[string]any{
		"title": "strict work", "consistency_mode": "strict", "consistency_pinned": true, "creator": "w1",
	})
	claimed := dispatch(t, s, "claim_task", map[string]any{"task_id": id, "agent_id": "w1"})
	claimID := claimed["claim"].(map[string]any)["claim_id"].(string)

	failed := dispatchErr(t, s, "release_task_claim", map[string]any{
		"task_id": id, "agent_id": "w1", "claim_id": claimID,
		"next_status": "done", "confidence": 0.9, "verification_passed": true,
		"verified_by": "w1", "evidence_refs": []string{"e1", "e2"},
	})
	require.Equal(t, "VERIFIER_REQUIRED", failed["error_code"])

	dispatch(t, s, "release_task_claim", map[string]any{
		"task_id": id, "agent_id": "w1", "claim_id": claimID,
		"next_status": "done", "confidence": 0.96, "verification_passed": true,
		"verified_by": "w2", "evidence_refs": []string{"e1", "e2"},
	})
}

func TestConsensusEscalatesOnHighDisagreement(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "caller")

	out := dispatch(t, s, "resolve_consensus", map[string]any{
		"proposal_id": "p1", "requesting_agent": "caller",
		"votes": []map[string]any{
			{"agent_id": "a", "decision": "accept", "confidence": 0.9},
			{"agent_id": "b", "decision": "reject", "confidence": 0.9},
			{"agent_id": "c", "decision": "accept", "confidence": 0.1},
		},
		"options": map[string]any{"disagreement_threshold": 0.2},
	})
	decision := out["decision"].(map[string]any)
	require.Equal(t, "escalate_verifier", decision["outcome"])
	reasons := decision["reasons"].([]any)
	require.Len(t, reasons, 1)
	require.True(t, strings.HasPrefix(reasons[0].(string), "high_disagreement:"))
}

func TestWaitForUpdatesSeesNewMessage(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "watcher")
	registerWorker(t, s, "sender")

	snap := dispatch(t, s, "read_snapshot", map[string]any{"agent_id": "watcher"})
	cur := snap["cursor"].(string)

	time.Sleep(5 * time.Millisecond) // let the next created_at land past the captured watermark
	dispatch(t, s, "send_message", map[string]any{
		"from": "sender", "to": "watcher", "content": "wake up",
	})
	s.Watermark.Invalidate()

	out := dispatch(t, s, "wait_for_updates", map[string]any{
		"agent_id": "watcher", "cursor": cur, "wait_ms": 1000, "streams": []string{"messages"},
	})
	require.Equal(t, true, out["changed"])
	require.Contains(t, out["streams"].([]any), "messages")
	require.NotEqual(t, cur, out["cursor"])
}

func TestWaitForUpdatesTimesOutWithoutChange(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "waiter")

	snap := dispatch(t, s, "read_snapshot", map[string]any{"agent_id": "waiter"})
	cur := snap["cursor"].(string)

	start := time.Now()
	resp := dispatch(t, s, "wait_for_updates", map[string]any{
		"agent_id": "waiter", "cursor": cur, "wait_ms": 150,
	})
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, false, resp["changed"])
	require.Greater(t, resp["retry_after_ms"].(float64), float64(0))
}

func TestRegisterAgentIdempotencyReplay(t *testing.T) {
	s := newTestHub(t)
	payload := map[string]any{
		"id": "w2", "name": "Worker Two", "type": "worker",
		"idempotency_key": "fixed-key-1",
	}
	first := dispatch(t, s, "register_agent", payload)
	second := dispatch(t, s, "register_agent", payload)
	require.Equal(t, first["token"], second["token"])
}

func TestArtifactTicketRoundTripThroughDispatch(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w3")

	upload := dispatch(t, s, "create_artifact_upload", map[string]any{
		"agent_id": "w3", "name": "report.json",
	})
	require.NotEmpty(t, upload["upload_token"])
	art := upload["artifact"].(map[string]any)
	require.NotEmpty(t, art["id"])

	list := dispatch(t, s, "list_artifacts", map[string]any{"created_by": "w3"})
	require.NotEmpty(t, list["artifacts"])
}

func TestSendMessageRejectsOversizedContent(t *testing.T) {
	s := newTestHub(t)
	registerWorker(t, s, "w1")
	out := dispatchErr(t, s, "send_message", map[string]any{
		"from": "w1", "to": "", "content": strings.Repeat("x", 5000),
	})
	require.Equal(t, "CONTENT_TOO_LONG", out["error_code"])
}
