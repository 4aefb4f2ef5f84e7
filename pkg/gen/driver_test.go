// Tests for the generation driver against an in-memory sink.
package gen

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var generatedPath = filepath.Join(testPkgDir, "mem_store_pipeline.gen.go")

func runDriver(t *testing.T, d *Driver, src string) *Report {
	t.Helper()
	pkg := checkSources(t, map[string]string{"store.go": src})
	report, err := d.Run(context.Background(), []*Package{pkg})
	require.NoError(t, err)
	return report
}

func TestDriverGeneratesThenSkips(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	d := NewDriver(WithSink(sink))

	first := runDriver(t, d, storeSource)
	assert.Equal(t, []string{generatedPath}, first.Generated)
	assert.True(t, first.Stale())
	require.Len(t, first.Descriptors, 1)
	assert.Len(t, first.Diagnostics, 1)

	src, err := sink.Read(generatedPath)
	require.NoError(t, err)
	assert.True(t, IsGenerated(src))

	second := runDriver(t, d, storeSource)
	assert.Empty(t, second.Generated)
	assert.Equal(t, []string{generatedPath}, second.Unchanged)
	assert.False(t, second.Stale())
}

func TestDriverRegeneratesOnChange(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	d := NewDriver(WithSink(sink))
	runDriver(t, d, storeSource)
	before, err := sink.Read(generatedPath)
	require.NoError(t, err)

	changed := strings.Replace(storeSource, "component=items", "component=stock", 1)
	report := runDriver(t, d, changed)
	assert.Equal(t, []string{generatedPath}, report.Generated)

	after, err := sink.Read(generatedPath)
	require.NoError(t, err)
	assert.NotEqual(t, string(before), string(after))
	assert.Contains(t, string(after), `pipeline.New("stock"`)
}

func TestDriverRestoresDeletedFile(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	cache := &mapCache{m: map[string]string{}}
	d := NewDriver(WithSink(sink), WithCache(cache))

	runDriver(t, d, storeSource)
	require.NoError(t, sink.Remove(generatedPath))

	// The cache still matches but the file is gone.
	report := runDriver(t, d, storeSource)
	assert.Equal(t, []string{generatedPath}, report.Generated)
	_, err := sink.Read(generatedPath)
	assert.NoError(t, err)
}

func TestDriverRemovesStaleFiles(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	stale := filepath.Join(testPkgDir, "old_store_pipeline.gen.go")
	handWritten := filepath.Join(testPkgDir, "custom_pipeline.gen.go")
	other := filepath.Join("/src/other", "x_pipeline.gen.go")
	require.NoError(t, sink.Emit(stale, []byte(GeneratedHeader+"\n"+FingerprintPrefix+" x\n\npackage app\n")))
	require.NoError(t, sink.Emit(handWritten, []byte("package app\n")))
	require.NoError(t, sink.Emit(other, []byte(GeneratedHeader+"\n\npackage other\n")))

	core, logs := observer.New(zap.InfoLevel)
	d := NewDriver(WithSink(sink), WithDriverLogger(zap.New(core)))
	report := runDriver(t, d, storeSource)

	assert.Equal(t, []string{stale}, report.Removed)
	_, err := sink.Read(stale)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = sink.Read(handWritten)
	assert.NoError(t, err)
	_, err = sink.Read(other)
	assert.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("pipeline generated").Len())
	assert.Equal(t, 1, logs.FilterMessage("stale pipeline removed").Len())
}

func TestDriverKeepsFilesOfBrokenPackages(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	d := NewDriver(WithSink(sink))
	runDriver(t, d, storeSource)

	broken := strings.Replace(storeSource, "//tracewrap:generate component=items", "//tracewrap:generate capability=Missing", 1)
	report := runDriver(t, d, broken)
	assert.True(t, HasErrors(report.Diagnostics))
	assert.Empty(t, report.Removed)
	_, err := sink.Read(generatedPath)
	assert.NoError(t, err)
}

func TestDriverDryRun(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	stale := filepath.Join(testPkgDir, "old_store_pipeline.gen.go")
	require.NoError(t, sink.Emit(stale, []byte(GeneratedHeader+"\n\npackage app\n")))

	d := NewDriver(WithSink(sink), WithDryRun(true))
	report := runDriver(t, d, storeSource)

	assert.True(t, report.Stale())
	assert.Equal(t, []string{generatedPath}, report.Generated)
	assert.Equal(t, []string{stale}, report.Removed)

	files := sink.Files()
	assert.Len(t, files, 1)
	assert.Contains(t, files, stale)
}

func TestDriverHonorsCancellation(t *testing.T) {
	t.Parallel()
	pkg := checkSources(t, map[string]string{"store.go": storeSource})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDriver(WithSink(NewMemorySink())).Run(ctx, []*Package{pkg})
	assert.ErrorIs(t, err, context.Canceled)
}

// editBody keeps the header, and so the fingerprint, but drops the call that
// closes each operation's span.
func editBody(t *testing.T, sink *MemorySink) {
	t.Helper()
	src, err := sink.Read(generatedPath)
	require.NoError(t, err)
	edited := strings.Replace(string(src), "defer call.Done(&err)", "// removed", 1)
	require.NotEqual(t, string(src), edited)
	require.NoError(t, sink.Emit(generatedPath, []byte(edited)))
}

func TestDriverDryRunDetectsEditedBody(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	runDriver(t, NewDriver(WithSink(sink)), storeSource)
	editBody(t, sink)

	core, logs := observer.New(zap.WarnLevel)
	report := runDriver(t, NewDriver(WithSink(sink), WithDryRun(true), WithDriverLogger(zap.New(core))), storeSource)
	assert.True(t, report.Stale())
	assert.Equal(t, []string{generatedPath}, report.Generated)
	assert.Empty(t, report.Unchanged)
	assert.Equal(t, 1, logs.FilterMessage("generated file was edited").Len())

	src, err := sink.Read(generatedPath)
	require.NoError(t, err)
	assert.Contains(t, string(src), "// removed")
}

func TestDriverRestoresEditedBody(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	d := NewDriver(WithSink(sink))
	runDriver(t, d, storeSource)
	want, err := sink.Read(generatedPath)
	require.NoError(t, err)
	editBody(t, sink)

	report := runDriver(t, d, storeSource)
	assert.Equal(t, []string{generatedPath}, report.Generated)
	got, err := sink.Read(generatedPath)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestDriverTrustsExplicitCacheOutsideDryRun(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	cache := &mapCache{m: map[string]string{}}
	runDriver(t, NewDriver(WithSink(sink), WithCache(cache)), storeSource)
	editBody(t, sink)

	report := runDriver(t, NewDriver(WithSink(sink), WithCache(cache)), storeSource)
	assert.Equal(t, []string{generatedPath}, report.Unchanged)

	report = runDriver(t, NewDriver(WithSink(sink), WithCache(cache), WithDryRun(true)), storeSource)
	assert.Equal(t, []string{generatedPath}, report.Generated)
}

func TestDriverReportsCacheFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	d := NewDriver(WithSink(NewMemorySink()), WithCache(&mapCache{m: map[string]string{}, err: boom}))
	pkg := checkSources(t, map[string]string{"store.go": storeSource})

	_, err := d.Run(context.Background(), []*Package{pkg})
	assert.ErrorIs(t, err, boom)
}

type mapCache struct {
	m   map[string]string
	err error
}

func (c *mapCache) Lookup(_ context.Context, path string) (string, bool, error) {
	if c.err != nil {
		return "", false, c.err
	}
	fp, ok := c.m[path]
	return fp, ok, nil
}

func (c *mapCache) Store(_ context.Context, path, fp string) error {
	c.m[path] = fp
	return nil
}

func (c *mapCache) Forget(_ context.Context, path string) error {
	delete(c.m, path)
	return nil
}
