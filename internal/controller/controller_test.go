package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/prompt-batch/internal/bundle"
	"github.com/ChuLiYu/prompt-batch/internal/journal"
	"github.com/ChuLiYu/prompt-batch/internal/retry"
	"github.com/ChuLiYu/prompt-batch/internal/snapshot"
	"github.com/ChuLiYu/prompt-batch/internal/tracker"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (*types.GenerateResponse, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResponse, error) {
	g.calls.Add(1)
	return g.fn(ctx, prompt)
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		return &types.GenerateResponse{
			StatusCode: 200,
			Success:    true,
			ImageURLs:  []string{"https://cdn.example/" + strings.ReplaceAll(prompt, " ", "-") + ".png"},
			Prompt:     prompt,
		}, nil
	}}
}

type fakeFetcher struct{}

func (fakeFetcher) FetchBytes(ctx context.Context, ref string) (*types.FetchResponse, error) {
	return &types.FetchResponse{StatusCode: 200, Body: []byte(ref)}, nil
}

func testConfig(dir string) Config {
	return Config{
		WindowSize:   2,
		ItemTimeout:  2 * time.Second,
		Retry:        retry.Policy{MaxAttempts: 1},
		Bundle:       bundle.Config{Transport: retry.Policy{MaxAttempts: 1}},
		JournalPath:  filepath.Join(dir, "run.journal"),
		ManifestPath: filepath.Join(dir, "manifest.json"),
		SyncJournal:  true,
	}
}

// createTestController creates a controller backed by a temp directory
func createTestController(t *testing.T, gen *fakeGenerator) (*Controller, string) {
	t.Helper()

	dir := t.TempDir()
	controller, err := NewController(testConfig(dir), gen, fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	t.Cleanup(func() { controller.Close() })
	return controller, dir
}

func waitFor(t *testing.T, check func() bool, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	controller, _ := createTestController(t, okGenerator())

	if controller.journal == nil {
		t.Error("journal not initialized")
	}
	if controller.manifest == nil {
		t.Error("manifest not initialized")
	}
	if _, err := controller.Current(); !errors.Is(err, ErrNoRun) {
		t.Errorf("Current() error = %v, want ErrNoRun", err)
	}
}

func TestNewControllerInvalidConfig(t *testing.T) {
	config := testConfig(t.TempDir())
	config.WindowSize = 0
	if _, err := NewController(config, okGenerator(), fakeFetcher{}, nil); err == nil {
		t.Error("expected error for zero window size")
	}

	config = testConfig(t.TempDir())
	config.JournalPath = "/invalid/path/run.journal"
	if _, err := NewController(config, okGenerator(), fakeFetcher{}, nil); err == nil {
		t.Error("expected error for invalid journal path")
	}
}

func TestGenerateAllSucceed(t *testing.T) {
	gen := okGenerator()
	controller, _ := createTestController(t, gen)

	var updates atomic.Int32
	status, err := controller.Generate(context.Background(), RunRequest{
		Prompts:    "a cat\n\n  a dog  \r\na bird\n",
		OnProgress: func(types.Progress) { updates.Add(1) },
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if status.State != RunCompleted {
		t.Errorf("state = %s, want %s", status.State, RunCompleted)
	}
	if status.Progress != (types.Progress{Completed: 3, Total: 3}) {
		t.Errorf("progress = %+v", status.Progress)
	}
	if len(status.Items) != 3 || status.Items[1].Prompt != "a dog" {
		t.Errorf("items = %+v", status.Items)
	}
	if status.Report == nil || status.Report.Windows != 2 {
		t.Errorf("report = %+v, want 2 windows", status.Report)
	}
	if updates.Load() != 3 {
		t.Errorf("progress updates = %d, want 3", updates.Load())
	}
	if status.Options.AspectRatio != types.DefaultAspectRatio {
		t.Errorf("options not defaulted: %+v", status.Options)
	}
}

func TestGeneratePartialFailure(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		if prompt == "bad" {
			return &types.GenerateResponse{StatusCode: 500, Error: "Failed to generate image"}, nil
		}
		return &types.GenerateResponse{StatusCode: 200, Success: true, ImageURLs: []string{"https://cdn/" + prompt}}, nil
	}}
	controller, _ := createTestController(t, gen)

	status, err := controller.Generate(context.Background(), RunRequest{Prompts: "good\nbad\ngood too"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if status.State != RunCompleted {
		t.Errorf("state = %s, want completed", status.State)
	}
	if status.Stats["succeeded"] != 2 || status.Stats["failed"] != 1 {
		t.Errorf("stats = %v", status.Stats)
	}
	if status.Items[1].State != types.StateFailed || status.Items[1].Error == "" {
		t.Errorf("item 2 = %+v", status.Items[1])
	}
}

func TestStartRunEmptyInput(t *testing.T) {
	controller, _ := createTestController(t, okGenerator())

	_, err := controller.StartRun(RunRequest{Prompts: " \n\n\t\n"})
	if !errors.Is(err, tracker.ErrEmptyInput) {
		t.Errorf("error = %v, want ErrEmptyInput", err)
	}
}

// ============================================================================
// Cancellation and replacement
// ============================================================================

func blockingGenerator(release chan struct{}) *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		select {
		case <-release:
			return &types.GenerateResponse{StatusCode: 200, Success: true, ImageURLs: []string{"https://cdn/" + prompt}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func TestStartRunWhileRunning(t *testing.T) {
	release := make(chan struct{})
	controller, _ := createTestController(t, blockingGenerator(release))

	if _, err := controller.StartRun(RunRequest{Prompts: "a\nb\nc"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if _, err := controller.StartRun(RunRequest{Prompts: "d"}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second StartRun error = %v, want ErrRunInProgress", err)
	}
	if _, err := controller.Bundle(context.Background(), nil); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Bundle error = %v, want ErrRunInProgress", err)
	}

	close(release)
	status, err := controller.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status.State != RunCompleted {
		t.Errorf("state = %s, want completed", status.State)
	}
}

func TestStopLeavesLaterWindowsPending(t *testing.T) {
	release := make(chan struct{})
	gen := blockingGenerator(release)
	controller, _ := createTestController(t, gen)

	if _, err := controller.StartRun(RunRequest{Prompts: "a\nb\nc\nd\ne"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if !waitFor(t, func() bool { return gen.calls.Load() == 2 }, time.Second) {
		t.Fatalf("first window not dispatched, calls = %d", gen.calls.Load())
	}

	if _, err := controller.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	status, _ := controller.Wait(context.Background())

	if status.State != RunCancelled {
		t.Errorf("state = %s, want cancelled", status.State)
	}
	if gen.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", gen.calls.Load())
	}
	if status.Stats["pending"] != 3 {
		t.Errorf("pending = %d, want 3", status.Stats["pending"])
	}
	if status.Progress.Completed != 2 {
		t.Errorf("completed = %d, want 2", status.Progress.Completed)
	}
}

func TestGenerateContextCancelStopsRun(t *testing.T) {
	release := make(chan struct{})
	controller, _ := createTestController(t, blockingGenerator(release))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status, err := controller.Generate(ctx, RunRequest{Prompts: "a\nb\nc"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if status.State != RunCancelled {
		t.Errorf("state = %s, want cancelled", status.State)
	}
}

func TestNewRunReplacesFinishedRun(t *testing.T) {
	controller, _ := createTestController(t, okGenerator())

	first, err := controller.Generate(context.Background(), RunRequest{Prompts: "a\nb"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := controller.Generate(context.Background(), RunRequest{Prompts: "c"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if first.RunID == second.RunID {
		t.Error("new run should get a new id")
	}
	current, _ := controller.Current()
	if current.RunID != second.RunID || current.Progress.Total != 1 {
		t.Errorf("current = %+v, want second run", current)
	}
}

func TestRepeatedRunsProduceSameFinalState(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		switch {
		case strings.HasPrefix(prompt, "bad"):
			return &types.GenerateResponse{StatusCode: 500, Error: "Failed to generate image"}, nil
		case strings.HasPrefix(prompt, "blank"):
			return &types.GenerateResponse{StatusCode: 200, Success: true}, nil
		}
		return &types.GenerateResponse{StatusCode: 200, Success: true, ImageURLs: []string{"https://cdn/" + prompt}}, nil
	}}
	controller, _ := createTestController(t, gen)
	prompts := "a\nbad b\nc\nblank d\ne\nbad f\ng"

	type outcome struct {
		Sequence  int
		Prompt    string
		State     types.ItemState
		Reference string
		Error     string
	}
	outcomes := func(status RunStatus) []outcome {
		out := make([]outcome, 0, len(status.Items))
		for _, item := range status.Items {
			o := outcome{Sequence: item.Sequence, Prompt: item.Prompt, State: item.State, Error: item.Error}
			if item.Result != nil {
				o.Reference = item.Result.Reference
			}
			out = append(out, o)
		}
		return out
	}

	first, err := controller.Generate(context.Background(), RunRequest{Prompts: prompts})
	if err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	second, err := controller.Generate(context.Background(), RunRequest{Prompts: prompts})
	if err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}

	a, b := outcomes(first), outcomes(second)
	if len(a) != 7 || len(b) != 7 {
		t.Fatalf("item counts = %d, %d, want 7", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("item %d differs between runs: %+v vs %+v", i+1, a[i], b[i])
		}
	}
	if first.Stats["succeeded"] != 4 || first.Stats["failed"] != 3 {
		t.Errorf("stats = %v, want 4 succeeded and 3 failed", first.Stats)
	}
	if first.Stats["succeeded"] != second.Stats["succeeded"] || first.Stats["failed"] != second.Stats["failed"] {
		t.Errorf("stats differ: %v vs %v", first.Stats, second.Stats)
	}
	if first.Progress != second.Progress {
		t.Errorf("progress differs: %+v vs %+v", first.Progress, second.Progress)
	}
}

func TestRunBackupsArePruned(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)
	config.KeepBackups = 2
	controller, err := NewController(config, okGenerator(), fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	defer controller.Close()

	for i := 0; i < 5; i++ {
		if _, err := controller.Generate(context.Background(), RunRequest{Prompts: fmt.Sprintf("prompt %d", i)}); err != nil {
			t.Fatalf("Generate %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, base := range []string{"run.journal", "manifest.json"} {
		matches, _ := filepath.Glob(filepath.Join(dir, base+".*"))
		backups := 0
		for _, m := range matches {
			if !strings.HasSuffix(m, ".tmp") {
				backups++
			}
		}
		if backups != 2 {
			t.Errorf("%s backups = %d (%v), want 2", base, backups, matches)
		}
	}
}

func TestControllerLogsThroughConfiguredLogger(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var buf bytes.Buffer
	config := testConfig(dir)
	config.ManifestPath = filepath.Join(blocker, "manifest.json")
	config.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))

	controller, err := NewController(config, okGenerator(), fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	defer controller.Close()

	status, err := controller.Generate(context.Background(), RunRequest{Prompts: "a\nb"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if status.State != RunCompleted {
		t.Errorf("state = %s, want completed", status.State)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR","msg":"Failed to write manifest"`) {
		t.Errorf("manifest failure not logged at error level: %s", out)
	}
	if strings.Contains(out, "Run started") {
		t.Errorf("info line leaked past error level: %s", out)
	}
}

func TestStopWithoutRun(t *testing.T) {
	controller, _ := createTestController(t, okGenerator())
	if _, err := controller.Stop(); !errors.Is(err, ErrNoRun) {
		t.Errorf("Stop error = %v, want ErrNoRun", err)
	}
}

// ============================================================================
// Bundling
// ============================================================================

func TestBundleAfterRun(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		if prompt == "b" {
			return nil, errors.New("connection reset")
		}
		return &types.GenerateResponse{StatusCode: 200, Success: true, ImageURLs: []string{"https://cdn/" + prompt}}, nil
	}}
	controller, _ := createTestController(t, gen)

	if _, err := controller.Generate(context.Background(), RunRequest{Prompts: "a\nb\nc"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	result, err := controller.Bundle(context.Background(), nil)
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	if result.Total != 2 || result.Bundled != 2 || result.Skipped != 0 {
		t.Errorf("result = %+v", result)
	}
	names := []string{result.Entries[0].Name, result.Entries[1].Name}
	want := []string{"generated_images/image001.png", "generated_images/image003.png"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("entries = %v, want %v", names, want)
	}
}

func TestBundleNothingToBundle(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (*types.GenerateResponse, error) {
		return &types.GenerateResponse{StatusCode: 503}, nil
	}}
	controller, _ := createTestController(t, gen)

	if _, err := controller.Generate(context.Background(), RunRequest{Prompts: "a\nb"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	result, err := controller.Bundle(context.Background(), nil)
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	if !result.NothingToBundle || result.Archive != nil {
		t.Errorf("result = %+v, want nothing to bundle", result)
	}
}

func TestBundleWithoutAnyRun(t *testing.T) {
	controller, _ := createTestController(t, okGenerator())
	if _, err := controller.Bundle(context.Background(), nil); !errors.Is(err, ErrNoRun) {
		t.Errorf("Bundle error = %v, want ErrNoRun", err)
	}
}

// ============================================================================
// Recovery
// ============================================================================

func TestBundleFromManifestInNewProcess(t *testing.T) {
	dir := t.TempDir()
	first, err := NewController(testConfig(dir), okGenerator(), fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	if _, err := first.Generate(context.Background(), RunRequest{Prompts: "a\nb\nc"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	first.Close()

	second, err := NewController(testConfig(dir), okGenerator(), fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer second.Close()

	result, err := second.Bundle(context.Background(), nil)
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	if result.Bundled != 3 {
		t.Errorf("bundled = %d, want 3", result.Bundled)
	}
}

func TestRecoverReplaysJournalAndResumes(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)

	// Simulate a crash: manifest written at start, two resolutions journaled.
	tr, err := tracker.New([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("tracker.New failed: %v", err)
	}
	items := tr.Items()

	j, err := journal.Open(config.JournalPath, true)
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	if err := j.Append(journal.RunEvent(journal.EventRunStart, "run-x", ""), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := snapshot.NewManager(config.ManifestPath).Write(types.RunSnapshot{
		RunID:      "run-x",
		WindowSize: 2,
		Items:      items,
		Progress:   types.Progress{Total: 4},
		JournalSeq: j.LastSeq(),
	}); err != nil {
		t.Fatalf("manifest Write failed: %v", err)
	}

	done := items[0]
	done.State = types.StateSucceeded
	done.Result = &types.Artifact{Reference: "https://cdn/a"}
	failed := items[1]
	failed.State = types.StateFailed
	failed.Error = "boom"
	for _, item := range []types.WorkItem{done, failed} {
		if err := j.Append(journal.ItemEvent(journal.EventResolve, "run-x", item), true); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	j.Close()

	gen := okGenerator()
	controller, err := NewController(config, gen, fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer controller.Close()

	if err := controller.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	status, _ := controller.Current()
	if status.State != RunInterrupted {
		t.Errorf("state = %s, want interrupted", status.State)
	}
	if status.Progress.Completed != 2 || status.Stats["pending"] != 2 {
		t.Errorf("progress = %+v stats = %v", status.Progress, status.Stats)
	}
	if status.Items[0].Result == nil || status.Items[0].Result.Reference != "https://cdn/a" {
		t.Errorf("item 1 = %+v", status.Items[0])
	}

	status, err = controller.Resume(context.Background(), nil)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if gen.calls.Load() != 2 {
		t.Errorf("generator calls = %d, want 2", gen.calls.Load())
	}
	if status.State != RunCompleted || status.Stats["succeeded"] != 3 || status.Stats["failed"] != 1 {
		t.Errorf("status = %s stats = %v", status.State, status.Stats)
	}

	if _, err := controller.Resume(context.Background(), nil); !errors.Is(err, ErrNothingToResume) {
		t.Errorf("second Resume error = %v, want ErrNothingToResume", err)
	}
}

func TestCloseCancelsRun(t *testing.T) {
	release := make(chan struct{})
	gen := blockingGenerator(release)
	controller, err := NewController(testConfig(t.TempDir()), gen, fakeFetcher{}, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if _, err := controller.StartRun(RunRequest{Prompts: "a\nb\nc"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := controller.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	status, _ := controller.Current()
	if status.State != RunCancelled {
		t.Errorf("state = %s, want cancelled", status.State)
	}
	if _, err := controller.StartRun(RunRequest{Prompts: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("StartRun after Close error = %v, want ErrClosed", err)
	}
}
