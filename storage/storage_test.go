package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklist/domain"
)

func newTestStorage(t *testing.T, opts Options) *Storage {
	t.Helper()
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	s, err := New(filepath.Join(t.TempDir(), "tasks.json"), opts)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return s
}

func ids(tasks []domain.Task) []int {
	out := make([]int, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestLoadSeedsMissingFile(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()

	tasks, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := ids(tasks); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected seed ids: %v", got)
	}
	if tasks[2].Done {
		t.Fatalf("expected third seed task to be open")
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("expected backing file to exist: %v", err)
	}

	again, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(again, tasks) {
		t.Fatalf("seed did not round-trip: %#v vs %#v", again, tasks)
	}
}

func TestLoadSeedsEmptyFile(t *testing.T) {
	s := newTestStorage(t, Options{})
	if err := os.WriteFile(s.Path(), nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	tasks, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(tasks, domain.Seed()) {
		t.Fatalf("expected seed tasks, got %#v", tasks)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()
	in := []domain.Task{
		{ID: 10, Description: "ten", Done: true},
		{ID: 2, Description: "two"},
		{ID: 7, Description: "seven"},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := ids(in); !reflect.DeepEqual(got, []int{10, 2, 7}) {
		t.Fatalf("save must not reorder the caller's slice, got %v", got)
	}

	out, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []domain.Task{in[1], in[2], in[0]}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", out, want)
	}
}

func TestSaveSortsByID(t *testing.T) {
	s := newTestStorage(t, Options{})
	tasks := []domain.Task{
		{ID: 3, Description: "c"},
		{ID: 1, Description: "a"},
		{ID: 2, Description: "b"},
	}
	if err := s.Save(context.Background(), tasks); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var persisted []domain.Task
	if err := fileCodec.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := ids(persisted); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected persisted order: %v", got)
	}
}

func TestSaveFileFormat(t *testing.T) {
	s := newTestStorage(t, Options{})
	tasks := []domain.Task{{ID: 1, Description: "實作資料持久化 <b>&</b>", Done: true}}
	if err := s.Save(context.Background(), tasks); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "[\n    {\n        \"id\": 1,\n        \"task\": \"實作資料持久化 <b>&</b>\",\n        \"done\": true\n    }\n]\n"
	if string(data) != want {
		t.Fatalf("unexpected file contents:\n%s", data)
	}
}

func TestSaveEmptyCollectionWritesArray(t *testing.T) {
	s := newTestStorage(t, Options{})
	if err := s.Save(context.Background(), nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty array, got %q", data)
	}
	tasks, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("an empty array is not an empty file and must not reseed, got %#v", tasks)
	}
}

func TestLoadCorruptFileDegradesToEmpty(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := newTestStorage(t, Options{Logger: logger})
	garbage := []byte("this is { not json")
	if err := os.WriteFile(s.Path(), garbage, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tasks, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty collection, got %#v", tasks)
	}
	backup, err := os.ReadFile(s.Path() + ".corrupt")
	if err != nil {
		t.Fatalf("expected corrupt backup: %v", err)
	}
	if string(backup) != string(garbage) {
		t.Fatalf("unexpected backup contents: %q", backup)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning log entry, got %#v", entry)
	}
}

func TestLoadReportsSchemaViolationLocation(t *testing.T) {
	body := `[{"id": 1, "task": "ok", "done": false}, {"id": 2, "task": "", "done": false}]`

	logger, hook := test.NewNullLogger()
	lenient := newTestStorage(t, Options{Logger: logger})
	if err := os.WriteFile(lenient.Path(), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := lenient.Load(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning log entry, got %#v", entry)
	}
	if entry.Data["location"] != "/1/task" {
		t.Fatalf("expected failing element in log, got %#v", entry.Data["location"])
	}

	strict := newTestStorage(t, Options{Strict: true})
	if err := os.WriteFile(strict.Path(), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := strict.Load(context.Background())
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	if !strings.Contains(err.Error(), `"/1/task"`) {
		t.Fatalf("expected location in error, got %v", err)
	}
}

func TestLoadRejectsInvalidCollections(t *testing.T) {
	cases := map[string]string{
		"object":        `{"id": 1, "task": "x", "done": false}`,
		"missing field": `[{"id": 1, "done": false}]`,
		"zero id":       `[{"id": 0, "task": "x", "done": false}]`,
		"string id":     `[{"id": "1", "task": "x", "done": false}]`,
		"empty task":    `[{"id": 1, "task": "", "done": false}]`,
		"duplicate ids": `[{"id": 1, "task": "a", "done": false}, {"id": 1, "task": "b", "done": true}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestStorage(t, Options{Strict: true})
			if err := os.WriteFile(s.Path(), []byte(body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := s.Load(context.Background())
			if !errors.Is(err, ErrCorrupted) {
				t.Fatalf("expected ErrCorrupted, got %v", err)
			}
		})
	}
}

func TestStrictUpdateDoesNotOverwriteCorruptFile(t *testing.T) {
	s := newTestStorage(t, Options{Strict: true})
	if err := os.WriteFile(s.Path(), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Update(context.Background(), func(tasks []domain.Task) ([]domain.Task, error) {
		t.Fatalf("callback must not run for a corrupt store")
		return tasks, nil
	})
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	data, _ := os.ReadFile(s.Path())
	if string(data) != "nope" {
		t.Fatalf("corrupt file was rewritten: %q", data)
	}
}

func TestLoadAcceptsUnknownFields(t *testing.T) {
	s := newTestStorage(t, Options{Strict: true})
	body := `[{"id": 2, "task": "x", "done": true, "note": "kept elsewhere"}]`
	if err := os.WriteFile(s.Path(), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tasks, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 1 || tasks[0] != (domain.Task{ID: 2, Description: "x", Done: true}) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestEndToEndScenario(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()

	tasks, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	id := domain.NextID(tasks)
	if id != 4 {
		t.Fatalf("expected next id 4, got %d", id)
	}
	tasks = append(tasks, domain.Task{ID: id, Description: "X"})
	if err := s.Save(ctx, tasks); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(tasks) != 4 || tasks[3] != (domain.Task{ID: 4, Description: "X"}) {
		t.Fatalf("unexpected tasks after append: %#v", tasks)
	}

	before := tasks[1]
	if _, err := domain.Toggle(tasks, 2); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := s.Save(ctx, tasks); err != nil {
		t.Fatalf("save: %v", err)
	}
	tasks, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, _ := domain.Find(tasks, 2)
	if after.Done == before.Done || after.Description != before.Description {
		t.Fatalf("unexpected toggled task: before %#v after %#v", before, after)
	}

	tasks, err = domain.Remove(tasks, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Save(ctx, tasks); err != nil {
		t.Fatalf("save: %v", err)
	}
	tasks, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if _, ok := domain.Find(tasks, 1); ok {
		t.Fatalf("task 1 should be deleted")
	}
}

func TestUpdateAbortsOnCallbackError(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()
	if _, err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	before, _ := os.ReadFile(s.Path())

	_, err := s.Update(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		tasks, _ = domain.Remove(tasks, 1)
		return tasks, domain.ErrTaskNotFound
	})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected callback error, got %v", err)
	}
	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Fatalf("file changed after aborted update")
	}
}

func TestUpdateAtLargestIDKeepsFileReadable(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()
	start := []domain.Task{{ID: math.MaxInt, Description: "last"}, {ID: 1, Description: "first"}}
	if err := s.Save(ctx, start); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := s.Update(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		tasks, _, err := domain.Append(tasks, "overflow", false)
		return tasks, err
	})
	if !errors.Is(err, domain.ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}

	tasks, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := ids(tasks); !reflect.DeepEqual(got, []int{1, math.MaxInt}) {
		t.Fatalf("unexpected ids after reload: %v", got)
	}
	if _, err := os.Stat(s.Path() + ".corrupt"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file must not have been treated as corrupt: %v", err)
	}
}

func TestConcurrentUpdatesKeepEveryTask(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()
	if err := s.Save(ctx, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	const writers = 24
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
				tasks, _, err := domain.Append(tasks, "concurrent", false)
				return tasks, err
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	tasks, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != writers {
		t.Fatalf("expected %d tasks, got %d", writers, len(tasks))
	}
	for i, task := range tasks {
		if task.ID != i+1 {
			t.Fatalf("expected dense unique ids, got %v", ids(tasks))
		}
	}
}

func TestTwoStoresShareFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	logger, _ := test.NewNullLogger()
	a, err := New(path, Options{Logger: logger})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(path, Options{Logger: logger})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ctx := context.Background()
	if err := a.Save(ctx, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, s := range []*Storage{a, b} {
			wg.Add(1)
			go func(s *Storage) {
				defer wg.Done()
				if _, err := s.Update(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
					tasks, _, err := domain.Append(tasks, "shared", false)
					return tasks, err
				}); err != nil {
					t.Errorf("update: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	tasks, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 20 {
		t.Fatalf("expected 20 tasks, got %d", len(tasks))
	}
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(s.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cancelled load must not seed the file")
	}
}

func TestMetricsCountOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := newTestStorage(t, Options{Metrics: metrics, Strict: true})
	ctx := context.Background()

	if _, err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte("bad"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load(ctx); err == nil {
		t.Fatalf("expected strict load error")
	}

	if got := testutil.ToFloat64(metrics.ops.WithLabelValues("load", "ok")); got != 1 {
		t.Fatalf("expected 1 ok load, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ops.WithLabelValues("load", "error")); got != 1 {
		t.Fatalf("expected 1 failed load, got %v", got)
	}
}
