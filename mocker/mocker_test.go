package mocker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/vtest/loader"
)

type fixture struct {
	host     *loader.MemoryHost
	loader   *loader.Loader
	registry *Registry
	spies    *Spies
	fs       afero.Fs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	host := loader.NewMemoryHost()
	host.DefineValue("src/m.js", loader.Exports{
		"a":  1,
		"fn": func() int { return 42 },
	})
	return &fixture{
		host:     host,
		loader:   loader.New(host, loader.Options{}),
		registry: NewRegistry(),
		spies:    NewSpies(),
		fs:       afero.NewMemMapFs(),
	}
}

func (f *fixture) mocker(file string) *Mocker {
	return New(file, f.registry, f.loader, f.spies, Options{Fs: f.fs, Root: "/proj"})
}

func TestAutomockReplacesCallables(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	ctx := context.Background()

	m.QueueMock("./m.js", "", nil)
	exports, err := m.Import(ctx, "./m.js")
	require.NoError(t, err)

	assert.Equal(t, 1, exports["a"])
	spy, ok := exports["fn"].(*Spy)
	require.True(t, ok, "fn should be a stand-in spy")
	assert.True(t, spy.IsStandIn())
	assert.Nil(t, spy.Call())
	assert.Equal(t, 1, spy.CallCount())

	entry, ok := f.registry.Lookup("src/a_test.js", "src/m.js")
	require.True(t, ok)
	assert.Equal(t, KindAutomock, entry.Kind)
	assert.NotNil(t, f.loader.Cached("src/m.js"+loader.MockSuffix))

	again, err := m.Import(ctx, "./m.js")
	require.NoError(t, err)
	assert.Same(t, spy, again["fn"])
}

func TestFactoryInvokedOnce(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	ctx := context.Background()

	var calls atomic.Int32
	m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		calls.Add(1)
		return loader.Exports{"a": 2}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exports, err := m.Request(ctx, "src/m.js")
			assert.NoError(t, err)
			assert.Equal(t, 2, exports["a"])
		}()
	}
	wg.Wait()

	exports, err := m.Import(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, 2, exports["a"])
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.host.TransformCount("src/m.js"))
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	boom := errors.New("boom")

	m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		return nil, boom
	})
	_, err := m.Import(context.Background(), "./m.js")
	require.Error(t, err)

	var factoryErr *FactoryError
	require.ErrorAs(t, err, &factoryErr)
	assert.Equal(t, "src/m.js", factoryErr.Path)
	assert.ErrorIs(t, err, boom)
}

func TestFactoryPanicIsWrapped(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")

	m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		panic("factory exploded")
	})
	_, err := m.Import(context.Background(), "./m.js")

	var factoryErr *FactoryError
	require.ErrorAs(t, err, &factoryErr)
	assert.Contains(t, err.Error(), "factory exploded")
}

func TestMockScopedToFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1 := f.mocker("src/one_test.js")
	m1.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		return loader.Exports{"a": "mocked"}, nil
	})
	exports, err := m1.Import(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, "mocked", exports["a"])

	m2 := f.mocker("src/two_test.js")
	exports, err = m2.Import(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, 1, exports["a"])

	assert.Equal(t, 1, f.registry.ClearFile("src/one_test.js"))
	_, ok := f.registry.Lookup("src/one_test.js", "src/m.js")
	assert.False(t, ok)
}

func TestFilePartitionWinsOverGlobal(t *testing.T) {
	r := NewRegistry()
	r.Set("", "src/m.js", Entry{Kind: KindPath, Path: "global.js"})
	r.Set("src/a_test.js", "src/m.js", Entry{Kind: KindPath, Path: "file.js"})

	e, ok := r.Lookup("src/a_test.js", "src/m.js")
	require.True(t, ok)
	assert.Equal(t, "file.js", e.Path)

	e, ok = r.Lookup("src/b_test.js", "src/m.js")
	require.True(t, ok)
	assert.Equal(t, "global.js", e.Path)
	assert.Equal(t, GlobalPartition, r.Global())

	r.Reset()
	_, ok = r.Lookup("src/b_test.js", "src/m.js")
	assert.False(t, ok)
}

func TestUnmock(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	ctx := context.Background()

	m.QueueMock("./m.js", "", nil)
	_, err := m.Import(ctx, "./m.js")
	require.NoError(t, err)

	m.QueueUnmock("./m.js", "")
	exports, err := m.Import(ctx, "./m.js")
	require.NoError(t, err)
	_, isSpy := exports["fn"].(*Spy)
	assert.False(t, isSpy)
	assert.Empty(t, f.registry.Paths("src/a_test.js"))
}

func TestTouchedSurvivesUnmock(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	assert.False(t, m.Touched())

	m.QueueMock("./m.js", "", nil)
	m.QueueUnmock("./m.js", "")
	require.NoError(t, m.ResolveMocks(context.Background()))

	assert.Empty(t, f.registry.Paths("src/a_test.js"))
	assert.True(t, m.Touched())
}

type brokenResolver struct {
	loader.Host
	broken string
}

func (h brokenResolver) Resolve(ctx context.Context, id, importer string) (*loader.Resolved, error) {
	if id == h.broken {
		return nil, errors.New("resolver unavailable")
	}
	return h.Host.Resolve(ctx, id, importer)
}

func TestResolveMocksKeepsRecordsAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.host.DefineValue("src/n.js", loader.Exports{"b": 2})
	l := loader.New(brokenResolver{Host: f.host, broken: "./broken.js"}, loader.Options{})
	m := New("src/a_test.js", f.registry, l, f.spies, Options{Fs: f.fs, Root: "/proj"})
	ctx := context.Background()

	m.QueueMock("./m.js", "", nil)
	m.QueueMock("./broken.js", "", nil)
	m.QueueMock("./n.js", "", nil)

	err := m.ResolveMocks(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver unavailable")
	assert.Equal(t, []string{"src/m.js"}, f.registry.Paths("src/a_test.js"))

	require.NoError(t, m.ResolveMocks(ctx))
	assert.ElementsMatch(t, []string{"src/m.js", "src/n.js"}, f.registry.Paths("src/a_test.js"))
}

func TestUnresolvableIDIsKept(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")

	m.QueueMock("virtual:thing", "", func(context.Context) (loader.Exports, error) {
		return loader.Exports{"v": true}, nil
	})
	exports, err := m.Import(context.Background(), "virtual:thing")
	require.NoError(t, err)
	assert.Equal(t, true, exports["v"])

	_, ok := f.registry.Lookup("src/a_test.js", "virtual:thing")
	assert.True(t, ok)
}

func TestOverrideModule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "/proj/src/__mocks__/m.js", []byte("x"), 0o644))
	f.host.DefineValue("src/__mocks__/m.js", loader.Exports{"a": "override"})

	m := f.mocker("src/a_test.js")
	m.QueueMock("./m.js", "", nil)
	exports, err := m.Import(context.Background(), "./m.js")
	require.NoError(t, err)
	assert.Equal(t, "override", exports["a"])

	entry, ok := f.registry.Lookup("src/a_test.js", "src/m.js")
	require.True(t, ok)
	assert.Equal(t, KindPath, entry.Kind)
	assert.Equal(t, "src/__mocks__/m.js", entry.Path)
}

func TestResolveMockPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/proj/__mocks__/axios.ts",
		"/proj/__mocks__/@vueuse/integration/useJwt.js",
		"/proj/__mocks__/fs.cjs.js",
		"/proj/src/utils/__mocks__/math.js",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
	}
	m := New("src/a_test.js", NewRegistry(), loader.New(loader.NewMemoryHost(), loader.Options{}), nil, Options{Fs: fs, Root: "/proj"})

	tests := []struct {
		name     string
		path     string
		external string
		expected string
		found    bool
	}{
		{name: "external", path: "node_modules/axios/index.js", external: "axios", expected: "__mocks__/axios.ts", found: true},
		{name: "nested scoped", path: "node_modules/@vueuse/integration/useJwt.js", external: "@vueuse/integration/useJwt", expected: "__mocks__/@vueuse/integration/useJwt.js", found: true},
		{name: "builtin with dotted name", path: "fs", external: "fs", expected: "__mocks__/fs.cjs.js", found: true},
		{name: "external missing", path: "node_modules/lodash/index.js", external: "lodash"},
		{name: "external missing folder", path: "node_modules/@scope/pkg/index.js", external: "@scope/pkg"},
		{name: "internal", path: "src/utils/math.js", expected: "src/utils/__mocks__/math.js", found: true},
		{name: "internal missing", path: "src/utils/strings.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := m.ResolveMockPath(tt.path, tt.external)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, p)
		})
	}
}

func TestExternalClassification(t *testing.T) {
	f := newFixture(t)
	f.host.DefineExternal("node_modules/axios/index.js", func(context.Context, loader.Importer) (loader.Exports, error) {
		return loader.Exports{"get": func(url string) string { return "real " + url }}, nil
	})
	f.host.Alias("axios", "node_modules/axios/index.js")
	f.host.DefineValue("__mocks__/axios.js", loader.Exports{"get": "override"})
	require.NoError(t, afero.WriteFile(f.fs, "/proj/__mocks__/axios.js", []byte("x"), 0o644))

	m := f.mocker("src/a_test.js")
	m.QueueMock("axios", "", nil)
	exports, err := m.Import(context.Background(), "axios")
	require.NoError(t, err)
	assert.Equal(t, "override", exports["get"])
}

func TestImportActualAndImportMock(t *testing.T) {
	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	ctx := context.Background()

	m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		return loader.Exports{"a": "mocked"}, nil
	})

	actual, err := m.ImportActual(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, 1, actual["a"])

	mocked, err := m.ImportMock(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, "mocked", mocked["a"])

	other := f.mocker("src/b_test.js")
	auto, err := other.ImportMock(ctx, "./m.js")
	require.NoError(t, err)
	assert.Equal(t, 1, auto["a"])
	assert.IsType(t, &Spy{}, auto["fn"])
}

func TestDependenciesSeeMocks(t *testing.T) {
	f := newFixture(t)
	f.host.Define("src/service.js", func(ctx context.Context, imp loader.Importer) (loader.Exports, error) {
		dep, err := imp.Require(ctx, "./m.js", "src/service.js")
		if err != nil {
			return nil, err
		}
		return loader.Exports{"value": dep["a"]}, nil
	})

	m := f.mocker("src/a_test.js")
	m.QueueMock("./m.js", "", func(context.Context) (loader.Exports, error) {
		return loader.Exports{"a": 99}, nil
	})
	exports, err := m.Import(context.Background(), "./service.js")
	require.NoError(t, err)
	assert.Equal(t, 99, exports["value"])
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	f := newFixture(t)
	m := f.mocker("src/a_test.js")
	ctx := WithContext(context.Background(), m)
	assert.Same(t, m, FromContext(ctx))
	assert.Equal(t, "src/a_test.js", FromContext(ctx).File())
}
