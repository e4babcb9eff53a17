package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
	"github.com/xxfunc/xxfunc/pkg/registry"
	"github.com/xxfunc/xxfunc/pkg/sandbox"
	"github.com/xxfunc/xxfunc/pkg/workerpool"
)

// echoWasm exports memory, alloc(i64) -> i64, process(i64, i64) -> i64
// echoing the payload size back. Same fixture shape as pkg/sandbox's tests.
var echoWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0c, 0x02, 0x60,
	0x01, 0x7e, 0x01, 0x7e, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e, 0x03, 0x03,
	0x02, 0x00, 0x01, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x1c, 0x03, 0x06,
	0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x05, 0x61, 0x6c, 0x6c,
	0x6f, 0x63, 0x00, 0x00, 0x07, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73, 0x73,
	0x00, 0x01, 0x0a, 0x0b, 0x02, 0x04, 0x00, 0x42, 0x08, 0x0b, 0x04, 0x00,
	0x20, 0x01, 0x0b,
}

// trapWasm exports memory, alloc(i64)->i64, and a process(i64,i64)->i64
// that executes unreachable, forcing a trap on every call.
var trapWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0c, 0x02, 0x60,
	0x01, 0x7e, 0x01, 0x7e, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e, 0x03, 0x03,
	0x02, 0x00, 0x01, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x1c, 0x03, 0x06,
	0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x05, 0x61, 0x6c, 0x6c,
	0x6f, 0x63, 0x00, 0x00, 0x07, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73, 0x73,
	0x00, 0x01, 0x0a, 0x0a, 0x02, 0x04, 0x00, 0x42, 0x08, 0x0b, 0x03, 0x00,
	0x00, 0x0b,
}

// deadWasm exports memory, alloc(i64)->i64, and a process(i64,i64)->i64
// that ignores both arguments and always returns the constant 0xdead. Used
// to prove a redeploy is served from the new binary, not a stale compiled
// copy of whatever used to occupy the module's old id.
var deadWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0c, 0x02, 0x60,
	0x01, 0x7e, 0x01, 0x7e, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e, 0x03, 0x03,
	0x02, 0x00, 0x01, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x1c, 0x03, 0x06,
	0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x05, 0x61, 0x6c, 0x6c,
	0x6f, 0x63, 0x00, 0x00, 0x07, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73, 0x73,
	0x00, 0x01, 0x0a, 0x0d, 0x02, 0x04, 0x00, 0x42, 0x08, 0x0b, 0x06, 0x00,
	0x42, 0xad, 0xbd, 0x03, 0x0b,
}

// sleepWasm exports memory, alloc(i64)->i64, and a process(i64,i64)->i64
// that busy-loops 20,000,000 times before echoing back the size argument,
// standing in for a module that takes a noticeable, non-zero amount of
// time per invocation without depending on any host-provided clock.
var sleepWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0c, 0x02, 0x60,
	0x01, 0x7e, 0x01, 0x7e, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e, 0x03, 0x03,
	0x02, 0x00, 0x01, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x1c, 0x03, 0x06,
	0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x05, 0x61, 0x6c, 0x6c,
	0x6f, 0x63, 0x00, 0x00, 0x07, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73, 0x73,
	0x00, 0x01, 0x0a, 0x25, 0x02, 0x04, 0x00, 0x42, 0x08, 0x0b, 0x1e, 0x01,
	0x01, 0x7e, 0x42, 0x00, 0x21, 0x02, 0x03, 0x40, 0x20, 0x02, 0x42, 0x01,
	0x7c, 0x21, 0x02, 0x20, 0x02, 0x42, 0x80, 0xda, 0xc4, 0x09, 0x54, 0x0d,
	0x00, 0x0b, 0x20, 0x01, 0x0b,
}

type testEnv struct {
	reg  *registry.Store
	host *sandbox.Host
	pool *workerpool.Pool
	sch  *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := hostlog.New(false)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	host, err := sandbox.NewHost(logger, 32)
	if err != nil {
		t.Fatalf("sandbox.NewHost() error = %v", err)
	}
	t.Cleanup(func() { host.Close(context.Background()) })
	reg.OnDelete(host.Invalidate)

	pool := workerpool.New(context.Background(), 4, logger)
	t.Cleanup(pool.Close)

	return &testEnv{reg: reg, host: host, pool: pool, sch: New(reg, host, pool, logger)}
}

// S1 — minimal flow. Deploy echo.wasm, start it, fan out one notification
// serializing to JSON "null" (4 bytes), expect exactly one task enqueued;
// running the module directly on that payload returns 4.
func TestEndToEnd_S1_MinimalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.reg.Insert(ctx, "echo", echoWasm)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := env.reg.SetState(ctx, "echo", registry.StateStarted); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	notification := JSONNotification{Value: nil}
	payload, err := notification.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(payload) != "null" {
		t.Fatalf("encoded notification = %q, want %q", payload, "null")
	}

	count, err := env.sch.spawnTasks(ctx, notification, "s1-batch")
	if err != nil {
		t.Fatalf("spawnTasks() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("fan-out count = %d, want 1", count)
	}

	result, err := env.host.Run(ctx, id, echoWasm, payload)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != uint64(len(payload)) {
		t.Errorf("result = %d, want %d", result, len(payload))
	}
}

// S2 — multi-module. Deploy a, b, c; start only a and c; emit one
// notification; expect exactly 2 tasks enqueued and b receives nothing.
func TestEndToEnd_S2_MultiModule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := env.reg.Insert(ctx, name, echoWasm); err != nil {
			t.Fatalf("Insert(%s) error = %v", name, err)
		}
	}
	env.reg.SetState(ctx, "a", registry.StateStarted)
	env.reg.SetState(ctx, "c", registry.StateStarted)

	ids, err := env.reg.ListByState(ctx, registry.StateStarted)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	b, err := env.reg.GetByName(ctx, "b")
	if err != nil {
		t.Fatalf("GetByName(b) error = %v", err)
	}
	for _, id := range ids {
		if id == b.ID {
			t.Fatalf("b (id %d) is in the Started set, want NotStarted", b.ID)
		}
	}

	count, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "tick"}, "s2-batch")
	if err != nil {
		t.Fatalf("spawnTasks() error = %v", err)
	}
	if count != 2 {
		t.Errorf("fan-out count = %d, want 2", count)
	}
}

// S3 — stop takes effect. Start a, emit N1 (expect 1 task), stop a, emit
// N2 (expect 0 tasks).
func TestEndToEnd_S3_StopTakesEffect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.reg.Insert(ctx, "a", echoWasm); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := env.reg.SetState(ctx, "a", registry.StateStarted); err != nil {
		t.Fatalf("SetState(Started) error = %v", err)
	}

	count1, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n1"}, "s3-batch-1")
	if err != nil {
		t.Fatalf("spawnTasks(N1) error = %v", err)
	}
	if count1 != 1 {
		t.Errorf("N1 fan-out count = %d, want 1", count1)
	}

	if err := env.reg.SetState(ctx, "a", registry.StateStopped); err != nil {
		t.Fatalf("SetState(Stopped) error = %v", err)
	}

	count2, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n2"}, "s3-batch-2")
	if err != nil {
		t.Fatalf("spawnTasks(N2) error = %v", err)
	}
	if count2 != 0 {
		t.Errorf("N2 fan-out count = %d, want 0", count2)
	}
}

// S4 — fault isolation. Deploy ok.wasm and trap.wasm (the latter traps
// inside process); start both; one notification must enqueue 2 tasks,
// running the two modules directly gives one success and one TrapError,
// and the next notification must still enqueue 2 tasks.
func TestEndToEnd_S4_FaultIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	okID, err := env.reg.Insert(ctx, "ok", echoWasm)
	if err != nil {
		t.Fatalf("Insert(ok) error = %v", err)
	}
	trapID, err := env.reg.Insert(ctx, "trap", trapWasm)
	if err != nil {
		t.Fatalf("Insert(trap) error = %v", err)
	}
	env.reg.SetState(ctx, "ok", registry.StateStarted)
	env.reg.SetState(ctx, "trap", registry.StateStarted)

	count, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n1"}, "s4-batch-1")
	if err != nil {
		t.Fatalf("spawnTasks(N1) error = %v", err)
	}
	if count != 2 {
		t.Fatalf("N1 fan-out count = %d, want 2", count)
	}

	if _, err := env.host.Run(ctx, trapID, trapWasm, []byte("x")); !sandbox.IsTrap(err) {
		t.Errorf("trap module error = %v, want TrapError", err)
	}
	if result, err := env.host.Run(ctx, okID, echoWasm, []byte("hi")); err != nil || result != 2 {
		t.Errorf("ok module Run() = (%d, %v), want (2, nil)", result, err)
	}

	count2, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n2"}, "s4-batch-2")
	if err != nil {
		t.Fatalf("spawnTasks(N2) error = %v", err)
	}
	if count2 != 2 {
		t.Errorf("N2 fan-out count = %d, want 2 (trap on N1 must not exclude it from N2)", count2)
	}
}

// S5 — redeploy. Deploy m.wasm, start, emit a notification; delete m;
// redeploy m with new bytes returning 0xdead; start, emit. The second run
// must use the new binary: no stale compile-cache hit on the old id.
func TestEndToEnd_S5_Redeploy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	firstID, err := env.reg.Insert(ctx, "m", echoWasm)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := env.reg.SetState(ctx, "m", registry.StateStarted); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if count, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n1"}, "s5-batch-1"); err != nil || count != 1 {
		t.Fatalf("spawnTasks(N1) = (%d, %v), want (1, nil)", count, err)
	}
	if result, err := env.host.Run(ctx, firstID, echoWasm, []byte("warm")); err != nil || result != 4 {
		t.Fatalf("warm-up Run() = (%d, %v), want (4, nil)", result, err)
	}

	if err := env.reg.Delete(ctx, "m"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if env.host.IsCached(firstID) {
		t.Fatalf("module id %d still cached after delete", firstID)
	}

	secondID, err := env.reg.Insert(ctx, "m", deadWasm)
	if err != nil {
		t.Fatalf("redeploy Insert() error = %v", err)
	}
	if secondID == firstID {
		t.Fatalf("redeploy reused id %d, expected a fresh id to exercise the eviction path meaningfully", firstID)
	}
	if err := env.reg.SetState(ctx, "m", registry.StateStarted); err != nil {
		t.Fatalf("SetState() after redeploy error = %v", err)
	}

	if count, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "n2"}, "s5-batch-2"); err != nil || count != 1 {
		t.Fatalf("spawnTasks(N2) = (%d, %v), want (1, nil)", count, err)
	}

	result, err := env.host.Run(ctx, secondID, deadWasm, []byte("x"))
	if err != nil {
		t.Fatalf("post-redeploy Run() error = %v", err)
	}
	if result != 0xdead {
		t.Errorf("post-redeploy result = %#x, want 0xdead (stale compiled module served instead of the new binary)", result)
	}
}

// S6 — concurrency. 16 started modules each spend a noticeable amount of
// time in process; a single notification must produce 16 tasks, all
// completing well under what 16 fully serial runs on one worker would
// take, bounded by the pool's fixed worker count.
func TestEndToEnd_S6_ConcurrencyBoundedByPoolSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const moduleCount = 16
	for i := 0; i < moduleCount; i++ {
		name := fmt.Sprintf("sleeper-%d", i)
		if _, err := env.reg.Insert(ctx, name, sleepWasm); err != nil {
			t.Fatalf("Insert(%s) error = %v", name, err)
		}
		if err := env.reg.SetState(ctx, name, registry.StateStarted); err != nil {
			t.Fatalf("SetState(%s) error = %v", name, err)
		}
	}

	start := time.Now()
	count, err := env.sch.spawnTasks(ctx, JSONNotification{Value: "tick"}, "s6-batch")
	if err != nil {
		t.Fatalf("spawnTasks() error = %v", err)
	}
	if count != moduleCount {
		t.Fatalf("fan-out count = %d, want %d", count, moduleCount)
	}

	waitUntil(t, func() bool { return env.pool.QueueLen() == 0 && env.pool.Idle() == 4 }, 45*time.Second)
	elapsed := time.Since(start)

	// A 4-worker pool runs 16 tasks in 4 rounds, not 16: a generous
	// ceiling well short of 16 serial rounds catches a pool that isn't
	// actually running tasks concurrently without being sensitive to
	// absolute per-task timing on slower hardware.
	const ceiling = 30 * time.Second
	if elapsed > ceiling {
		t.Errorf("16 tasks on a 4-worker pool took %s, want well under %s", elapsed, ceiling)
	}
}

func waitUntil(t *testing.T, cond func() bool, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
