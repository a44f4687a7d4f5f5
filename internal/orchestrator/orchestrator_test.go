package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/blob"
	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/lock"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/recordstore/memstore"
)

const admin = int64(1)

type recordingNotifier struct {
	mu         sync.Mutex
	operations []migration.BackupRestoreStatus
	jobs       []asyncjob.Status
	cleared    []int
}

func (n *recordingNotifier) OperationFinished(_ string, st migration.BackupRestoreStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.operations = append(n.operations, st)
	return nil
}

func (n *recordingNotifier) JobFinished(_ string, st asyncjob.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, st)
	return nil
}

func (n *recordingNotifier) LocksCleared(_ string, _ int64, count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, count)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	source   *memstore.Store
	target   *memstore.Store
	state    checkpoint.StateBackend
	notifier *recordingNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		Stack:   config.StackConfig{Name: "test"},
		Workers: config.WorkersConfig{Size: 2},
		Jobs:    config.JobsConfig{StaleAfter: time.Hour},
		Delta:   config.DeltaConfig{PartitionWidth: 100, Salt: "pepper"},
		Backup:  config.BackupConfig{BatchSize: 10, RetryAttempts: 1, RetryBackoff: time.Millisecond},
		Poll:    config.PollConfig{Interval: 5 * time.Millisecond, Timeout: 10 * time.Second},
		Auth:    config.AuthConfig{Admins: []int64{admin}},
	}
}

func newFixture(t *testing.T, state checkpoint.StateBackend, withTarget bool) *fixture {
	t.Helper()
	if state == nil {
		s, err := checkpoint.New(t.TempDir())
		if err != nil {
			t.Fatalf("checkpoint.New: %v", err)
		}
		state = s
	}
	blobs, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	f := &fixture{source: memstore.New(), state: state, notifier: &recordingNotifier{}}
	opts := Options{Source: f.source, State: state, Blobs: blobs, Notifier: f.notifier}
	if withTarget {
		f.target = memstore.New()
		opts.Target = f.target
	}

	o, err := NewWithOptions(testConfig(), opts)
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(o.Close)
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	f.orch = o
	return f
}

func seed(t *testing.T, s *memstore.Store, typ migration.Type, ids ...int64) {
	t.Helper()
	recs := make([]migration.Record, len(ids))
	for i, id := range ids {
		recs[i] = migration.Record{ID: id, Etag: "e1", Content: []byte(`{"v":1}`)}
	}
	if err := s.Upsert(context.Background(), typ, recs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestNonAdminRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, true)
	o := f.orch
	const user = int64(99)

	ops := map[string]func() error{
		"ListMigrationTypes": func() error { _, err := o.ListMigrationTypes(ctx, user); return err },
		"TypeCounts":         func() error { _, err := o.TypeCounts(ctx, user, nil); return err },
		"TypeChecksum":       func() error { _, err := o.TypeChecksum(ctx, user, migration.Node, ""); return err },
		"RangeChecksum":      func() error { _, err := o.RangeChecksum(ctx, user, migration.Node, "", 1, 2); return err },
		"CalculateDelta": func() error {
			_, err := o.CalculateDelta(ctx, user, migration.Node, "", migration.FullRange)
			return err
		},
		"StartBackup": func() error { _, err := o.StartBackup(ctx, user, migration.Node, []int64{1}); return err },
		"StartRestore": func() error {
			_, err := o.StartRestore(ctx, user, migration.Node, migration.RestoreSubmission{ArtifactFileName: "a"})
			return err
		},
		"GetBackupStatus": func() error { _, err := o.GetBackupStatus(ctx, user, "x"); return err },
		"StartAsyncJob": func() error {
			_, err := o.StartAsyncJob(ctx, user, &asyncjob.TypeCountRequest{Type: migration.Node})
			return err
		},
		"GetAsyncJobStatus": func() error { _, err := o.GetAsyncJobStatus(ctx, user, "x"); return err },
		"RegisterProcessed": func() error { return o.RegisterProcessed(ctx, user, 1, "q") },
		"ListUnprocessed":   func() error { _, err := o.ListUnprocessed(ctx, user, "q", 10); return err },
		"AppendChange": func() error {
			_, err := o.AppendChange(ctx, user, migration.ChangeMessage{ObjectID: 1, ObjectType: migration.Node, ChangeType: migration.ChangeCreate})
			return err
		},
		"ClearAllLocks": func() error { _, err := o.ClearAllLocks(ctx, user); return err },
		"HealthCheck":   func() error { _, err := o.HealthCheck(ctx, user); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, migration.ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}

	// Nothing was started on the non-admin's behalf.
	n, err := f.state.FailStaleJobs(ctx, time.Now().Add(time.Hour), "sweep")
	if err != nil || n != 0 {
		t.Errorf("jobs created by rejected calls: %d, %v", n, err)
	}
}

func TestTypeCountsDefaultsToAllTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	seed(t, f.source, migration.Node, 1, 2, 3)

	counts, err := f.orch.TypeCounts(ctx, admin, nil)
	if err != nil {
		t.Fatalf("TypeCounts: %v", err)
	}
	if len(counts) != len(migration.Types()) {
		t.Fatalf("got %d counts, want %d", len(counts), len(migration.Types()))
	}
	for _, c := range counts {
		if c.Type == migration.Node && c.Count != 3 {
			t.Errorf("NODE count = %d, want 3", c.Count)
		}
	}
}

func TestChecksumUsesConfiguredSalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	seed(t, f.source, migration.Node, 1, 2, 3)

	implicit, err := f.orch.TypeChecksum(ctx, admin, migration.Node, "")
	if err != nil {
		t.Fatalf("TypeChecksum: %v", err)
	}
	explicit, err := f.orch.TypeChecksum(ctx, admin, migration.Node, "pepper")
	if err != nil {
		t.Fatalf("TypeChecksum: %v", err)
	}
	if implicit.Checksum != explicit.Checksum {
		t.Errorf("empty salt did not fall back to delta.salt")
	}
}

func TestAsyncChecksumUsesConfiguredSalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	seed(t, f.source, migration.Node, 1, 2, 3)

	direct, err := f.orch.RangeChecksum(ctx, admin, migration.Node, "", 1, 3)
	if err != nil {
		t.Fatalf("RangeChecksum: %v", err)
	}
	id, err := f.orch.StartAsyncJob(ctx, admin, &asyncjob.RangeChecksumRequest{Type: migration.Node, MinID: 1, MaxID: 3})
	if err != nil {
		t.Fatalf("StartAsyncJob: %v", err)
	}
	st, err := f.orch.WaitAsyncJob(ctx, admin, id)
	if err != nil {
		t.Fatalf("WaitAsyncJob: %v", err)
	}
	if st.State != migration.JobComplete {
		t.Fatalf("job state = %s: %s", st.State, st.ErrorMessage)
	}
	resp, err := st.Response()
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if got := resp.(*asyncjob.RangeChecksumResponse).Checksum; got != direct {
		t.Errorf("job checksum = %+v, direct = %+v", got, direct)
	}
}

func TestBackupDeleteRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	seed(t, f.source, migration.Node, 1, 2, 3, 4, 5)

	before, err := f.orch.TypeChecksum(ctx, admin, migration.Node, "")
	if err != nil {
		t.Fatalf("TypeChecksum: %v", err)
	}

	st, err := f.orch.StartBackup(ctx, admin, migration.Node, []int64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	var observed int
	done, err := f.orch.WaitBackup(ctx, admin, st.ID, func(migration.BackupRestoreStatus) { observed++ })
	if err != nil {
		t.Fatalf("WaitBackup: %v", err)
	}
	if done.State != migration.StateCompleted {
		t.Fatalf("backup state = %s (%s)", done.State, done.Message)
	}
	if observed == 0 {
		t.Error("observer never called")
	}

	if _, err := f.source.Delete(ctx, migration.Node, []int64{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The type lock is released asynchronously after the terminal write.
	var rs migration.BackupRestoreStatus
	deadline := time.Now().Add(time.Second)
	for {
		rs, err = f.orch.StartRestore(ctx, admin, migration.Node, migration.RestoreSubmission{ArtifactFileName: done.ArtifactName})
		if !errors.Is(err, migration.ErrConflict) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("StartRestore: %v", err)
	}
	restored, err := f.orch.WaitBackup(ctx, admin, rs.ID, nil)
	if err != nil {
		t.Fatalf("WaitBackup restore: %v", err)
	}
	if restored.State != migration.StateCompleted {
		t.Fatalf("restore state = %s (%s)", restored.State, restored.Message)
	}

	after, err := f.orch.TypeChecksum(ctx, admin, migration.Node, "")
	if err != nil {
		t.Fatalf("TypeChecksum: %v", err)
	}
	if after != before {
		t.Errorf("checksum after restore = %+v, want %+v", after, before)
	}

	// Notification follows the terminal write.
	deadline = time.Now().Add(time.Second)
	for {
		f.notifier.mu.Lock()
		n := len(f.notifier.operations)
		f.notifier.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation notifications = %d, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAsyncTypeCountsMatchesDirectCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	seed(t, f.source, migration.Node, 10, 20)
	seed(t, f.source, migration.Team, 7)

	types := []migration.Type{migration.Node, migration.Team}
	direct, err := f.orch.TypeCounts(ctx, admin, types)
	if err != nil {
		t.Fatalf("TypeCounts: %v", err)
	}

	id, err := f.orch.StartAsyncJob(ctx, admin, &asyncjob.TypeCountsRequest{Types: types})
	if err != nil {
		t.Fatalf("StartAsyncJob: %v", err)
	}
	st, err := f.orch.WaitAsyncJob(ctx, admin, id)
	if err != nil {
		t.Fatalf("WaitAsyncJob: %v", err)
	}
	if st.State != migration.JobComplete {
		t.Fatalf("job state = %s: %s", st.State, st.ErrorMessage)
	}
	resp, err := st.Response()
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	got := resp.(*asyncjob.TypeCountsResponse).Counts
	if len(got) != len(direct) {
		t.Fatalf("job counts = %+v, direct = %+v", got, direct)
	}
	if !reflect.DeepEqual(got, direct) {
		t.Errorf("job counts = %+v, want %+v", got, direct)
	}
}

func TestCalculateDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, true)
	seed(t, f.source, migration.Node, 1, 2, 3, 4)
	seed(t, f.target, migration.Node, 1, 2, 3, 4)

	d, err := f.orch.CalculateDelta(ctx, admin, migration.Node, "", migration.FullRange)
	if err != nil {
		t.Fatalf("CalculateDelta: %v", err)
	}
	if !d.Empty() {
		t.Fatalf("identical stacks produced %+v", d)
	}

	if err := f.target.Upsert(ctx, migration.Node, []migration.Record{{ID: 3, Etag: "e2"}}); err != nil {
		t.Fatal(err)
	}
	d, err = f.orch.CalculateDelta(ctx, admin, migration.Node, "", migration.FullRange)
	if err != nil {
		t.Fatalf("CalculateDelta: %v", err)
	}
	want := migration.IdRange{MinID: 3, MaxID: 3}
	if len(d.UpdRanges) != 1 || d.UpdRanges[0] != want || len(d.InsRanges) != 0 || len(d.DelRanges) != 0 {
		t.Errorf("delta = %+v, want one update range %v", d, want)
	}
}

func TestCalculateDeltaWithoutTarget(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.orch.CalculateDelta(context.Background(), admin, migration.Node, "", migration.FullRange)
	if !errors.Is(err, migration.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestChangeFeedOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)

	var numbers []int64
	for i := int64(1); i <= 3; i++ {
		m, err := f.orch.AppendChange(ctx, admin, migration.ChangeMessage{
			ObjectID: i, ObjectType: migration.Node, ChangeType: migration.ChangeUpdate,
		})
		if err != nil {
			t.Fatalf("AppendChange: %v", err)
		}
		numbers = append(numbers, m.ChangeNumber)
	}

	if err := f.orch.RegisterProcessed(ctx, admin, numbers[1], "search"); err != nil {
		t.Fatalf("RegisterProcessed: %v", err)
	}
	got, err := f.orch.ListUnprocessed(ctx, admin, "search", 10)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(got) != 2 || got[0].ChangeNumber != numbers[0] || got[1].ChangeNumber != numbers[2] {
		t.Errorf("unprocessed = %+v", got)
	}
}

func TestChangeFeedNeedsSQLiteState(t *testing.T) {
	fs, err := checkpoint.NewFileState(t.TempDir() + "/state.yaml")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, fs, false)
	err = f.orch.RegisterProcessed(context.Background(), admin, 1, "q")
	if !errors.Is(err, migration.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestClearAllLocksNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, false)
	if _, err := f.state.AcquireLock(ctx, "type:NODE", "someone"); err != nil {
		t.Fatal(err)
	}

	n, err := f.orch.ClearAllLocks(ctx, admin)
	if err != nil {
		t.Fatalf("ClearAllLocks: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.cleared) != 1 || f.notifier.cleared[0] != 1 {
		t.Errorf("lock notifications = %v", f.notifier.cleared)
	}
}

func TestInitFailsStaleStatuses(t *testing.T) {
	ctx := context.Background()
	state, err := checkpoint.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	stale := &migration.BackupRestoreStatus{
		ID: "old", Kind: migration.KindBackup, Type: migration.Node,
		State: migration.StateStarted, StartedOn: time.Now().Add(-2 * time.Hour),
	}
	if err := state.CreateStatus(ctx, stale); err != nil {
		t.Fatal(err)
	}
	gate := lock.New(state)
	// The crashed backup still holds NODE; a live restore holds TEAM.
	if err := gate.Acquire(ctx, migration.Node, "old"); err != nil {
		t.Fatal(err)
	}
	if err := gate.Acquire(ctx, migration.Team, "live"); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, state, false)
	st, err := f.orch.GetBackupStatus(ctx, admin, "old")
	if err != nil {
		t.Fatalf("GetBackupStatus: %v", err)
	}
	if st.State != migration.StateFailed || st.Message != staleMessage {
		t.Errorf("stale status = %s %q", st.State, st.Message)
	}

	if err := gate.Acquire(ctx, migration.Node, "next"); err != nil {
		t.Errorf("lock of stale backup still held: %v", err)
	}
	if err := gate.Acquire(ctx, migration.Team, "next"); !errors.Is(err, migration.ErrConflict) {
		t.Errorf("lock of other owner: err = %v, want ErrConflict", err)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, nil, true)
	seed(t, f.source, migration.Node, 1, 2)

	res, err := f.orch.HealthCheck(context.Background(), admin)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !res.Healthy || res.Target == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Source.DBType != "memory" || res.Source.RecordCount != 2 {
		t.Errorf("source = %+v", res.Source)
	}
}
