// Shared fixtures for gen tests: sources are type-checked against small stub
// packages so discovery and synthesis run without go/packages.
package gen

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testPkgPath = "example.com/app"
	testPkgDir  = "/src/app"
)

var stubSources = map[string]string{
	"context": `package context

type Context interface {
	Done() <-chan struct{}
	Err() error
	Value(key any) any
}

func Background() Context { return nil }
`,
	"iter": `package iter

type Seq2[K, V any] func(yield func(K, V) bool)
`,
	PipelinePath: `package pipeline

import (
	"context"
	"iter"
)

type Adapter interface {
	RequestCategory() string
}

type Deferred[T any] func(ctx context.Context) (T, error)

type Instrument struct{}

type Option func(*Instrument)

type Call struct{}

func New(component string, adapter Adapter, opts ...Option) *Instrument { return nil }

func (in *Instrument) Start(ctx context.Context, method string) (context.Context, *Call) {
	return ctx, nil
}

func (c *Call) Done(errp *error) {}

func Defer[T any](ctx context.Context, in *Instrument, method string, inner Deferred[T]) Deferred[T] {
	return inner
}

func Seq[T any](ctx context.Context, in *Instrument, method string, build func(context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return build(ctx)
}
`,
	"example.com/app/model": `package model

import (
	"context"

	"github.com/andrewh/tracewrap/pkg/pipeline"
)

type Item struct {
	ID    string
	Count int
}

type Reader interface {
	pipeline.Adapter
	Read(ctx context.Context, id string) (Item, error)
}
`,
}

type stubImporter struct {
	fset *token.FileSet
	pkgs map[string]*types.Package
}

func newStubImporter(fset *token.FileSet) *stubImporter {
	return &stubImporter{fset: fset, pkgs: map[string]*types.Package{}}
}

func (im *stubImporter) Import(path string) (*types.Package, error) {
	if p, ok := im.pkgs[path]; ok {
		return p, nil
	}
	src, ok := stubSources[path]
	if !ok {
		return nil, fmt.Errorf("no stub for %q", path)
	}
	f, err := parser.ParseFile(im.fset, path+"/stub.go", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	conf := types.Config{Importer: im}
	p, err := conf.Check(path, im.fset, []*ast.File{f}, nil)
	if err != nil {
		return nil, err
	}
	im.pkgs[path] = p
	return p, nil
}

// checkSources parses and type-checks files (name to source) as package
// example.com/app.
func checkSources(t *testing.T, files map[string]string) *Package {
	t.Helper()
	pkg, err := typeCheck(files)
	require.NoError(t, err)
	return pkg
}

func typeCheck(files map[string]string) (*Package, error) {
	fset := token.NewFileSet()
	var parsed []*ast.File
	for _, name := range slices.Sorted(maps.Keys(files)) {
		f, err := parser.ParseFile(fset, testPkgDir+"/"+name, files[name], parser.ParseComments)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, f)
	}
	conf := types.Config{Importer: newStubImporter(fset)}
	tp, err := conf.Check(testPkgPath, fset, parsed, nil)
	if err != nil {
		return nil, err
	}
	return &Package{
		Path:  testPkgPath,
		Name:  tp.Name(),
		Dir:   testPkgDir,
		Fset:  fset,
		Files: parsed,
		Types: tp,
	}, nil
}

// discoverOne runs discovery over src and requires exactly one descriptor.
func discoverOne(t *testing.T, src string) (Descriptor, []Diagnostic) {
	t.Helper()
	pkg := checkSources(t, map[string]string{"store.go": src})
	descs, diags := Discover([]*Package{pkg}, DiscoverOptions{})
	require.False(t, HasErrors(diags), "diagnostics: %v", diags)
	require.Len(t, descs, 1)
	return descs[0], diags
}

func codes(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.Code
	}
	return out
}

const storeSource = `package app

import (
	"context"
	"iter"

	"example.com/app/model"
	"github.com/andrewh/tracewrap/pkg/pipeline"
)

type Store interface {
	pipeline.Adapter
	Get(ctx context.Context, id string) (model.Item, error)
	Put(ctx context.Context, items ...model.Item) error
	Count() int
	Ping(ctx context.Context)
	Load(ctx context.Context, id string) pipeline.Deferred[model.Item]
	Scan(ctx context.Context, prefix string) iter.Seq2[model.Item, error]
}

//tracewrap:generate component=items
type memStore struct {
	items map[string]model.Item
}

func (*memStore) RequestCategory() string { return "db" }

func (s *memStore) Get(ctx context.Context, id string) (model.Item, error) { return s.items[id], nil }

func (s *memStore) Put(ctx context.Context, items ...model.Item) error { return nil }

func (s *memStore) Count() int { return len(s.items) }

func (s *memStore) Ping(ctx context.Context) {}

func (s *memStore) Load(ctx context.Context, id string) pipeline.Deferred[model.Item] {
	return func(context.Context) (model.Item, error) { return s.items[id], nil }
}

func (s *memStore) Scan(ctx context.Context, prefix string) iter.Seq2[model.Item, error] {
	return func(yield func(model.Item, error) bool) {}
}
`
