package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

func openTestStore(t *testing.T) (*TaskStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s := NewTaskStore(db)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newPendingTask(id string) *model.Task {
	return &model.Task{
		TaskID:      id,
		Status:      model.TaskStatusPending,
		Prompt:      model.StringPtr("a red lantern"),
		CallbackURL: model.StringPtr("http://example.com/hook"),
	}
}

func TestInsertAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("t1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.TaskStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.ResultURL != nil || got.ResultURLs != nil || got.ErrorMessage != nil {
		t.Errorf("expected empty result fields, got %+v", got)
	}
	if model.Deref(got.Prompt) != "a red lantern" {
		t.Errorf("unexpected prompt %q", model.Deref(got.Prompt))
	}
	if got.CreatedAt.After(got.UpdatedAt) {
		t.Errorf("created_at %v after updated_at %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestInsert_Duplicate(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("dup")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	second := newPendingTask("dup")
	second.Prompt = model.StringPtr("something else")
	if err := s.Insert(ctx, second); !errors.Is(err, model.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}

	got, err := s.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if model.Deref(got.Prompt) != "a red lantern" {
		t.Errorf("duplicate insert modified the stored row: %q", model.Deref(got.Prompt))
	}
}

func TestInsert_ConcurrentDuplicate(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(ctx, newPendingTask("race"))
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrDuplicateTask):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != workers-1 {
		t.Errorf("expected 1 success and %d duplicates, got %d/%d", workers-1, ok, dup)
	}
}

func TestTransition_FullLifecycleList(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("multi")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	processing, err := s.Transition(ctx, "multi", model.TaskStatusProcessing, nil)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	urls := []string{"/img/1", "/img/2", "/img/3"}
	done, err := s.Transition(ctx, "multi", model.TaskStatusCompleted, func(task *model.Task) {
		task.ResultURLs = urls
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.UpdatedAt.After(processing.UpdatedAt) {
		t.Errorf("updated_at did not increase: %v -> %v", processing.UpdatedAt, done.UpdatedAt)
	}

	got, err := s.Get(ctx, "multi")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if !reflect.DeepEqual(got.ResultURLs, urls) {
		t.Errorf("expected %v, got %v", urls, got.ResultURLs)
	}
	if got.ResultURL != nil {
		t.Errorf("expected nil result_url, got %q", *got.ResultURL)
	}
}

func TestTransition_TerminalIsAbsorbing(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("t")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Transition(ctx, "t", model.TaskStatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if _, err := s.Transition(ctx, "t", model.TaskStatusFailed, func(task *model.Task) {
		task.ErrorMessage = model.StringPtr("OOM")
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	before, _ := s.Get(ctx, "t")

	_, err := s.Transition(ctx, "t", model.TaskStatusCompleted, func(task *model.Task) {
		task.ResultURL = model.StringPtr("/img/late.png")
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = s.Transition(ctx, "t", model.TaskStatusFailed, func(task *model.Task) {
		task.ErrorMessage = model.StringPtr("overwritten")
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	after, _ := s.Get(ctx, "t")
	if after.Status != model.TaskStatusFailed ||
		model.Deref(after.ErrorMessage) != "OOM" ||
		after.ResultURL != nil ||
		!after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("terminal task changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestTransition_SkippingProcessingRejected(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("skip")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Transition(ctx, "skip", model.TaskStatusCompleted, nil); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Transition(ctx, "nope", model.TaskStatusProcessing, nil); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransition_UpdatedAtStrictlyIncreasesWithFrozenClock(t *testing.T) {
	s, _ := openTestStore(t)
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("clock")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p, err := s.Transition(ctx, "clock", model.TaskStatusProcessing, nil)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	c, err := s.Transition(ctx, "clock", model.TaskStatusCompleted, func(task *model.Task) {
		task.ResultURL = model.StringPtr("/img/a.png")
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if !p.UpdatedAt.After(frozen) || !c.UpdatedAt.After(p.UpdatedAt) {
		t.Errorf("expected strictly increasing updated_at: %v, %v, %v", frozen, p.UpdatedAt, c.UpdatedAt)
	}
}

func TestList_NewestFirstWithFilter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		task := newPendingTask(id)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Insert(ctx, task); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := s.Transition(ctx, "b", model.TaskStatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}

	all, err := s.List(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, task := range all {
		ids = append(ids, task.TaskID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "b", "a"}) {
		t.Errorf("expected newest first, got %v", ids)
	}

	pending := model.TaskStatusPending
	filtered, err := s.List(ctx, &pending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(filtered) != 2 || filtered[0].TaskID != "c" || filtered[1].TaskID != "a" {
		t.Errorf("unexpected pending list: %+v", filtered)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewTaskStore(db)
	ctx := context.Background()

	if err := s.Insert(ctx, newPendingTask("persist")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Transition(ctx, "persist", model.TaskStatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2 := NewTaskStore(db2)
	defer s2.Close()

	got, err := s2.Get(ctx, "persist")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	// No reconciliation on startup: the task stays processing.
	if got.Status != model.TaskStatusProcessing {
		t.Errorf("expected processing after reopen, got %s", got.Status)
	}
}

func TestNextTimestamp(t *testing.T) {
	prev := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := nextTimestamp(prev.Add(time.Second), prev); !got.Equal(prev.Add(time.Second)) {
		t.Errorf("expected clock time, got %v", got)
	}
	if got := nextTimestamp(prev.Add(-time.Hour), prev); !got.Equal(prev.Add(time.Microsecond)) {
		t.Errorf("expected prev+1µs when clock goes backwards, got %v", got)
	}
}
