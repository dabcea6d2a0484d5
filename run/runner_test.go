package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/vtest/collect"
	"github.com/perfgo/vtest/loader"
	"github.com/perfgo/vtest/mocker"
	"github.com/perfgo/vtest/model"
)

func pass(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("expected failure") }

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func collectFile(path string, body collect.Factory) *model.Task {
	return collect.NewCollector(zerolog.Nop()).Collect(collect.File{Path: path, Body: body})
}

func find(t *testing.T, root *model.Task, name string) *model.Task {
	t.Helper()
	for _, task := range model.Flatten(root) {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %q not found", name)
	return nil
}

func TestOuterSuiteFailsWhenChildFails(t *testing.T) {
	file := collectFile("outer_test.go", func(s *collect.Scope) {
		s.Suite("outer", func(s *collect.Scope) {
			s.Test("a", failing)
			s.Test("b", pass)
		})
	})

	New(Options{}).RunSuite(context.Background(), file)

	assert.Equal(t, model.StateFail, find(t, file, "outer").State())
	a := find(t, file, "a")
	assert.Equal(t, model.StateFail, a.State())
	assert.Equal(t, "expected failure", a.Result.Error.Message)
	assert.Equal(t, model.StatePass, find(t, file, "b").State())
	assert.Equal(t, model.StateFail, file.State())
}

func TestEmptySuiteFails(t *testing.T) {
	file := collectFile("empty_test.go", func(s *collect.Scope) {
		s.Suite("empty", func(s *collect.Scope) {})
		s.Suite("nested empty", func(s *collect.Scope) {
			s.Suite("inner", func(s *collect.Scope) {})
		})
		s.Test("ok", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	empty := find(t, file, "empty")
	require.Equal(t, model.StateFail, empty.State())
	assert.Equal(t, "EmptySuiteError", empty.Result.Error.Name)
	assert.Equal(t, "No tests found in suite empty", empty.Result.Error.Message)
	assert.Equal(t, model.StateFail, find(t, file, "nested empty").State())
	assert.Equal(t, model.StatePass, find(t, file, "ok").State())
}

func TestSuiteWithoutRunnableTestsFails(t *testing.T) {
	suite := &model.Task{ID: "s", Name: "only skipped", Kind: model.KindSuite, Mode: model.ModeRun}
	later := &model.Task{ID: "s_0", Name: "later", Kind: model.KindTest, Mode: model.ModeSkip, Suite: suite}
	someday := &model.Task{ID: "s_1", Name: "someday", Kind: model.KindTest, Mode: model.ModeTodo, Suite: suite}
	suite.Tasks = []*model.Task{later, someday}

	New(Options{}).RunSuite(context.Background(), suite)

	require.Equal(t, model.StateFail, suite.State())
	assert.Equal(t, "EmptySuiteError", suite.Result.Error.Name)
	assert.Equal(t, "No tests found in suite only skipped", suite.Result.Error.Message)
	assert.Nil(t, later.Result)
}

func TestHookOrder(t *testing.T) {
	var j journal
	hook := func(name string) model.HookFunc {
		return func(context.Context, *model.Task) error {
			j.add(name)
			return nil
		}
	}

	file := collectFile("hooks_test.go", func(s *collect.Scope) {
		s.BeforeAll(hook("root:beforeAll"))
		s.BeforeEach(hook("root:beforeEach"))
		s.AfterEach(hook("root:afterEach"))
		s.AfterAll(hook("root:afterAll"))
		s.Suite("mid", func(s *collect.Scope) {
			s.BeforeEach(hook("mid:beforeEach"))
			s.BeforeEach(hook("mid:beforeEach2"))
			s.AfterEach(hook("mid:afterEach"))
			s.Suite("leaf", func(s *collect.Scope) {
				s.BeforeEach(hook("leaf:beforeEach"))
				s.AfterEach(hook("leaf:afterEach"))
				s.Test("deep", func(context.Context) error {
					j.add("body")
					return nil
				})
			})
		})
	})

	New(Options{}).RunSuite(context.Background(), file)

	assert.Equal(t, []string{
		"root:beforeAll",
		"root:beforeEach",
		"mid:beforeEach",
		"mid:beforeEach2",
		"leaf:beforeEach",
		"body",
		"leaf:afterEach",
		"mid:afterEach",
		"root:afterEach",
		"root:afterAll",
	}, j.list())
	assert.Equal(t, model.StatePass, file.State())
}

func TestBeforeEachFailureSkipsBody(t *testing.T) {
	var j journal
	file := collectFile("hooks_test.go", func(s *collect.Scope) {
		s.BeforeEach(func(context.Context, *model.Task) error { return errors.New("setup broke") })
		s.AfterEach(func(context.Context, *model.Task) error {
			j.add("afterEach")
			return errors.New("teardown broke")
		})
		s.Test("t", func(context.Context) error {
			j.add("body")
			return nil
		})
	})

	New(Options{}).RunSuite(context.Background(), file)

	test := find(t, file, "t")
	require.Equal(t, model.StateFail, test.State())
	assert.Equal(t, "HookError", test.Result.Error.Name)
	assert.Contains(t, test.Result.Error.Message, "setup broke")
	assert.Equal(t, []string{"afterEach"}, j.list())
}

func TestAfterEachFailureFailsPassingTest(t *testing.T) {
	file := collectFile("hooks_test.go", func(s *collect.Scope) {
		s.AfterEach(func(context.Context, *model.Task) error { return errors.New("teardown broke") })
		s.Test("t", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	test := find(t, file, "t")
	require.Equal(t, model.StateFail, test.State())
	assert.Contains(t, test.Result.Error.Message, "teardown broke")
}

func TestBeforeAllFailure(t *testing.T) {
	var j journal
	file := collectFile("hooks_test.go", func(s *collect.Scope) {
		s.Suite("broken", func(s *collect.Scope) {
			s.BeforeAll(func(context.Context, *model.Task) error { return errors.New("no database") })
			s.AfterAll(func(context.Context, *model.Task) error {
				j.add("afterAll")
				return nil
			})
			s.Test("never", func(context.Context) error {
				j.add("never")
				return nil
			})
			s.Suite("nested", func(s *collect.Scope) {
				s.Test("also never", pass)
			})
		})
		s.Test("sibling", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	broken := find(t, file, "broken")
	require.Equal(t, model.StateFail, broken.State())
	assert.Contains(t, broken.Result.Error.Message, "no database")
	assert.Equal(t, model.StateSkip, find(t, file, "never").State())
	assert.Equal(t, model.StateSkip, find(t, file, "nested").State())
	assert.Equal(t, model.StateSkip, find(t, file, "also never").State())
	assert.Equal(t, model.StatePass, find(t, file, "sibling").State())
	assert.Equal(t, []string{"afterAll"}, j.list())
}

func TestAfterAllFailureFailsSuite(t *testing.T) {
	file := collectFile("hooks_test.go", func(s *collect.Scope) {
		s.Suite("s", func(s *collect.Scope) {
			s.AfterAll(func(context.Context, *model.Task) error { return errors.New("cleanup broke") })
			s.Test("t", pass)
		})
	})

	New(Options{}).RunSuite(context.Background(), file)

	s := find(t, file, "s")
	assert.Equal(t, model.StateFail, s.State())
	assert.Equal(t, model.StatePass, find(t, file, "t").State())
}

func TestPanicsBecomeFailures(t *testing.T) {
	file := collectFile("panic_test.go", func(s *collect.Scope) {
		s.Test("panics", func(context.Context) error {
			var m map[string]int
			m["x"] = 1
			return nil
		})
		s.Test("after", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	p := find(t, file, "panics")
	require.Equal(t, model.StateFail, p.State())
	assert.Contains(t, p.Result.Error.Message, "nil map")
	assert.NotEmpty(t, p.Result.Error.Stack)
	assert.Equal(t, model.StatePass, find(t, file, "after").State())
}

func TestCollectionFailureShortCircuits(t *testing.T) {
	ran := false
	file := collectFile("broken_test.go", func(s *collect.Scope) {
		s.Suite("broken", func(s *collect.Scope) {
			s.Test("t", func(context.Context) error {
				ran = true
				return nil
			})
			panic("cannot declare")
		})
	})

	New(Options{}).RunSuite(context.Background(), file)

	assert.False(t, ran)
	assert.Equal(t, model.StateFail, find(t, file, "broken").State())
	assert.Equal(t, model.StateFail, file.State())
}

func TestSerialSiblingsDoNotOverlap(t *testing.T) {
	var j journal
	step := func(name string) model.TestFunc {
		return func(context.Context) error {
			j.add(name + ":start")
			time.Sleep(5 * time.Millisecond)
			j.add(name + ":end")
			return nil
		}
	}
	file := collectFile("serial_test.go", func(s *collect.Scope) {
		s.Test("A", step("A"))
		s.Test("B", step("B"))
	})

	New(Options{}).RunSuite(context.Background(), file)

	assert.Equal(t, []string{"A:start", "A:end", "B:start", "B:end"}, j.list())
	a, b := find(t, file, "A"), find(t, file, "B")
	assert.False(t, b.Result.Start.Before(a.Result.End))
}

func TestConcurrentSiblingsOverlap(t *testing.T) {
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	wait := func(ch chan struct{}) error {
		select {
		case <-ch:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("sibling never started")
		}
	}

	file := collectFile("concurrent_test.go", func(s *collect.Scope) {
		s.Concurrent().Test("A", func(context.Context) error {
			close(aStarted)
			return wait(bStarted)
		})
		s.Concurrent().Test("B", func(context.Context) error {
			close(bStarted)
			return wait(aStarted)
		})
		s.Test("C", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	a, b, c := find(t, file, "A"), find(t, file, "B"), find(t, file, "C")
	assert.Equal(t, model.StatePass, a.State())
	assert.Equal(t, model.StatePass, b.State())
	assert.True(t, a.Result.Start.Before(b.Result.End))
	assert.True(t, b.Result.Start.Before(a.Result.End))
	assert.False(t, c.Result.Start.Before(a.Result.End))
	assert.False(t, c.Result.Start.Before(b.Result.End))
}

func TestMaxConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	body := func(context.Context) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	file := collectFile("limit_test.go", func(s *collect.Scope) {
		s.Concurrent().Suite("c", func(s *collect.Scope) {
			for _, name := range []string{"1", "2", "3", "4", "5"} {
				s.Test(name, body)
			}
		})
	})

	New(Options{MaxConcurrency: 2}).RunSuite(context.Background(), file)

	assert.Equal(t, model.StatePass, file.State())
	assert.LessOrEqual(t, peak, 2)
}

func TestTerminalStatesNeverRegress(t *testing.T) {
	sender := &RecordingSender{}
	file := collectFile("states_test.go", func(s *collect.Scope) {
		s.Test("pass", pass)
		s.Test("fail", failing)
		s.Skip().Test("skip", pass)
		s.Todo().Test("todo", nil)
		s.Concurrent().Test("c1", pass)
		s.Concurrent().Test("c2", failing)
	})

	require.NoError(t, New(Options{Sender: sender}).RunFiles(context.Background(), []*model.Task{file}))

	seen := map[string]model.TaskState{}
	for _, p := range sender.Updates() {
		prev, ok := seen[p.ID]
		if ok && prev.Terminal() {
			t.Errorf("task %s regressed from %s to %s", p.ID, prev, p.Result.State)
		}
		seen[p.ID] = p.Result.State
	}

	for _, test := range model.Tests(file) {
		assert.True(t, test.State().Terminal(), "test %s ended in %s", test.Name, test.State())
	}
	assert.Equal(t, model.StateSkip, find(t, file, "skip").State())
	assert.Equal(t, model.StateTodo, find(t, file, "todo").State())
	_, updated := seen[find(t, file, "skip").ID]
	assert.False(t, updated, "non-runnable tests are not updated by the runner")

	events := sender.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventCollected, events[0].Name)
}

func TestSkippedSuite(t *testing.T) {
	ran := false
	file := collectFile("skip_test.go", func(s *collect.Scope) {
		s.Skip().Suite("skipped", func(s *collect.Scope) {
			s.BeforeAll(func(context.Context, *model.Task) error {
				ran = true
				return nil
			})
			s.Test("t", pass)
			s.Suite("inner", func(s *collect.Scope) {
				s.Test("u", pass)
			})
		})
		s.Test("runs", pass)
	})

	New(Options{}).RunSuite(context.Background(), file)

	assert.False(t, ran)
	assert.Equal(t, model.StateSkip, find(t, file, "skipped").State())
	assert.Equal(t, model.StateSkip, find(t, file, "inner").State())
	assert.Equal(t, model.StateSkip, find(t, file, "u").State())
	assert.Equal(t, model.StatePass, file.State())
}

type recordingSnapshot struct {
	mu      sync.Mutex
	current []string
	saved   int
}

func (s *recordingSnapshot) SetTest(test *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = append(s.current, "set:"+test.Name)
}

func (s *recordingSnapshot) ClearTest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = append(s.current, "clear")
}

func (s *recordingSnapshot) Save(context.Context) error {
	s.saved++
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	states map[model.TaskState]int
}

func (c *countingRecorder) TaskFinished(task *model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[task.State()]++
}

func TestCollaborators(t *testing.T) {
	snap := &recordingSnapshot{}
	rec := &countingRecorder{states: map[model.TaskState]int{}}
	file := collectFile("collab_test.go", func(s *collect.Scope) {
		s.Test("one", func(ctx context.Context) error {
			if CurrentTask(ctx).Name != "one" {
				return errors.New("wrong task on context")
			}
			Logf(ctx, "info", "hello %d", 1)
			return nil
		})
	})

	sender := &RecordingSender{}
	r := New(Options{Sender: sender, Snapshot: snap, Metrics: rec})
	require.NoError(t, r.RunFiles(context.Background(), []*model.Task{file}))

	assert.Equal(t, []string{"set:one", "clear"}, snap.current)
	assert.Equal(t, 1, snap.saved)
	assert.Equal(t, 2, rec.states[model.StatePass])

	var logs []model.LogEntry
	for _, e := range sender.Events() {
		if e.Name == model.EventLog {
			logs = append(logs, e.Payload.(model.LogEntry))
		}
	}
	require.Len(t, logs, 1)
	assert.Equal(t, "hello 1", logs[0].Message)
	assert.Equal(t, find(t, file, "one").ID, logs[0].TaskID)
	assert.Nil(t, CurrentTask(context.Background()))
}

func TestStartTests(t *testing.T) {
	set := collect.NewSet()
	set.Register("src/a_test.go", func(s *collect.Scope) { s.Test("a", pass) })
	set.Register("src/b_test.go", func(s *collect.Scope) { s.Test("b", failing) })

	files, err := New(Options{}).StartTests(context.Background(), set, "a_test")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, model.StatePass, files[0].State())
}

func newMockedRunner(t *testing.T) (*Runner, *loader.Loader, *mocker.Registry) {
	t.Helper()
	host := loader.NewMemoryHost()
	host.DefineValue("src/m.js", loader.Exports{"v": 0})
	l := loader.New(host, loader.Options{})
	registry := mocker.NewRegistry()
	return New(Options{Loader: l, Mocks: registry}), l, registry
}

func TestMocksAreScopedToFile(t *testing.T) {
	r, _, registry := newMockedRunner(t)
	ctx := context.Background()

	f1 := collectFile("src/one_test.js", func(s *collect.Scope) {
		s.Test("mocks M", func(ctx context.Context) error {
			m := mocker.FromContext(ctx)
			m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
				return loader.Exports{"v": 1}, nil
			})
			exports, err := m.Import(ctx, "./m.js")
			if err != nil {
				return err
			}
			if exports["v"] != 1 {
				return &model.AssertionError{Message: "expected mocked module", Expected: 1, Actual: exports["v"]}
			}
			return nil
		})
	})
	f2 := collectFile("src/two_test.js", func(s *collect.Scope) {
		s.Test("sees real M", func(ctx context.Context) error {
			exports, err := mocker.FromContext(ctx).Import(ctx, "./m.js")
			if err != nil {
				return err
			}
			if exports["v"] != 0 {
				return &model.AssertionError{Message: "expected real module", Expected: 0, Actual: exports["v"]}
			}
			return nil
		})
	})

	require.NoError(t, r.RunFiles(ctx, []*model.Task{f1, f2}))
	assert.Equal(t, model.StatePass, f1.State())
	assert.Equal(t, model.StatePass, f2.State(), "%v", find(t, f2, "sees real M").Result.Error)
	assert.Empty(t, registry.Paths("src/one_test.js"))
}

func TestUnmockedFileDoesNotLeakConsumers(t *testing.T) {
	r, l, _ := newMockedRunner(t)
	host := l.Host().(*loader.MemoryHost)
	host.Define("src/c.js", func(ctx context.Context, imp loader.Importer) (loader.Exports, error) {
		m, err := imp.Require(ctx, "./m.js", "src/c.js")
		if err != nil {
			return nil, err
		}
		return loader.Exports{"v": m["v"]}, nil
	})
	ctx := context.Background()

	f1 := collectFile("src/one_test.js", func(s *collect.Scope) {
		s.Test("mocks M for C then unmocks", func(ctx context.Context) error {
			m := mocker.FromContext(ctx)
			m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
				return loader.Exports{"v": 1}, nil
			})
			c, err := m.Import(ctx, "./c.js")
			if err != nil {
				return err
			}
			if c["v"] != 1 {
				return &model.AssertionError{Message: "expected C to see the mock", Expected: 1, Actual: c["v"]}
			}
			m.QueueUnmock("./m.js", "")
			return m.ResolveMocks(ctx)
		})
	})
	f2 := collectFile("src/two_test.js", func(s *collect.Scope) {
		s.Test("sees real C", func(ctx context.Context) error {
			c, err := mocker.FromContext(ctx).Import(ctx, "./c.js")
			if err != nil {
				return err
			}
			if c["v"] != 0 {
				return &model.AssertionError{Message: "expected C built on the real module", Expected: 0, Actual: c["v"]}
			}
			return nil
		})
	})

	require.NoError(t, r.RunFiles(ctx, []*model.Task{f1, f2}))
	assert.Equal(t, model.StatePass, f1.State(), "%v", find(t, f1, "mocks M for C then unmocks").Result.Error)
	assert.Equal(t, model.StatePass, f2.State(), "%v", find(t, f2, "sees real C").Result.Error)
}

func TestGlobalFactoryRunsOncePerFile(t *testing.T) {
	r, l, registry := newMockedRunner(t)
	var calls int
	registry.Set(registry.Global(), "src/m.js", mocker.Entry{
		Kind: mocker.KindFactory,
		Factory: func(context.Context) (loader.Exports, error) {
			calls++
			return loader.Exports{"v": calls}, nil
		},
	})
	body := func(s *collect.Scope) {
		s.Test("imports M", func(ctx context.Context) error {
			_, err := mocker.FromContext(ctx).Import(ctx, "./m.js")
			return err
		})
	}

	files := []*model.Task{collectFile("src/one_test.js", body), collectFile("src/two_test.js", body)}
	require.NoError(t, r.RunFiles(context.Background(), files))
	assert.Equal(t, 2, calls)
	assert.Nil(t, l.Cached("src/m.js"+loader.MockSuffix))
}

func TestMocksAreScopedToFileConcurrently(t *testing.T) {
	r, l, registry := newMockedRunner(t)
	ctx := context.Background()

	mocked := make(chan struct{})
	observed := make(chan struct{})

	f1 := collectFile("src/one_test.js", func(s *collect.Scope) {
		s.Test("mocks M", func(ctx context.Context) error {
			m := mocker.FromContext(ctx)
			m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
				return loader.Exports{"v": 1}, nil
			})
			exports, err := m.Import(ctx, "./m.js")
			close(mocked)
			if err != nil {
				return err
			}
			<-observed
			if exports["v"] != 1 {
				return errors.New("expected mocked module")
			}
			return nil
		})
	})
	f2 := collectFile("src/two_test.js", func(s *collect.Scope) {
		s.Test("sees real M", func(ctx context.Context) error {
			<-mocked
			defer close(observed)
			exports, err := mocker.FromContext(ctx).Import(ctx, "./m.js")
			if err != nil {
				return err
			}
			if exports["v"] != 0 {
				return errors.New("expected real module")
			}
			return nil
		})
	})

	var wg sync.WaitGroup
	for _, f := range []*model.Task{f1, f2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := mocker.New(f.Filepath, registry, l, nil, mocker.Options{})
			r.RunSuite(mocker.WithContext(ctx, m), f)
		}()
	}
	wg.Wait()

	assert.Equal(t, model.StatePass, f1.State())
	assert.Equal(t, model.StatePass, f2.State())
}

func TestClearMocksAfterFile(t *testing.T) {
	spies := mocker.NewSpies()
	spy := spies.Fn(func() int { return 1 })

	file := collectFile("spy_test.go", func(s *collect.Scope) {
		s.Test("calls", func(context.Context) error {
			spy.Call()
			return nil
		})
	})

	r := New(Options{Spies: spies, ClearMocks: true})
	require.NoError(t, r.RunFiles(context.Background(), []*model.Task{file}))
	assert.Equal(t, 0, spy.CallCount())
}

func TestProcessErrorPanicValue(t *testing.T) {
	info := ProcessError(42)
	require.NotNil(t, info)
	assert.Equal(t, "Panic", info.Name)
	assert.Equal(t, "42", info.Message)
	assert.Nil(t, ProcessError(nil))

	hookErr := ProcessError(&HookError{Hook: "beforeAll", Suite: "s", Err: errors.New("x")})
	assert.Equal(t, "HookError", hookErr.Name)
	assert.Equal(t, `beforeAll hook of suite "s" failed: x`, hookErr.Message)
}
