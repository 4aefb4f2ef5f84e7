package gen

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"slices"
	"strings"
)

// Package is one type-checked package handed to discovery.
type Package struct {
	Path  string
	Name  string
	Dir   string
	Fset  *token.FileSet
	Files []*ast.File
	Types *types.Package
}

// DiscoverOptions tune discovery.
type DiscoverOptions struct {
	// TypeSuffix is appended to the adapter type name to form the pipeline
	// type name. Defaults to "Pipeline".
	TypeSuffix string
}

func (o DiscoverOptions) typeSuffix() string {
	if o.TypeSuffix == "" {
		return "Pipeline"
	}
	return o.TypeSuffix
}

// Discover finds every marked adapter type in pkgs. The result depends only
// on the packages, not their order: descriptors are sorted by key and
// diagnostics by position.
func Discover(pkgs []*Package, opts DiscoverOptions) ([]Descriptor, []Diagnostic) {
	sorted := slices.Clone(pkgs)
	slices.SortFunc(sorted, func(a, b *Package) int { return strings.Compare(a.Path, b.Path) })

	var (
		descs []Descriptor
		diags []Diagnostic
	)
	for _, pkg := range sorted {
		d := &discoverer{pkg: pkg, opts: opts, adapter: findAdapter(pkg.Types)}
		d.run()
		descs = append(descs, d.descs...)
		diags = append(diags, d.diags...)
	}
	slices.SortFunc(descs, func(a, b Descriptor) int { return strings.Compare(a.Key(), b.Key()) })
	sortDiagnostics(diags)
	return descs, diags
}

// findAdapter locates pipeline.Adapter among the transitive imports of pkg.
func findAdapter(pkg *types.Package) *types.Interface {
	seen := map[*types.Package]bool{}
	var walk func(p *types.Package) *types.Interface
	walk = func(p *types.Package) *types.Interface {
		if p == nil || seen[p] {
			return nil
		}
		seen[p] = true
		if p.Path() == PipelinePath {
			if obj, ok := p.Scope().Lookup("Adapter").(*types.TypeName); ok {
				if iface, ok := obj.Type().Underlying().(*types.Interface); ok {
					return iface
				}
			}
			return nil
		}
		for _, imp := range p.Imports() {
			if iface := walk(imp); iface != nil {
				return iface
			}
		}
		return nil
	}
	return walk(pkg)
}

type discoverer struct {
	pkg     *Package
	opts    DiscoverOptions
	adapter *types.Interface
	descs   []Descriptor
	diags   []Diagnostic
}

type marked struct {
	spec      *ast.TypeSpec
	directive Directive
	pos       token.Pos
}

func (d *discoverer) run() {
	var marks []marked
	files := slices.Clone(d.pkg.Files)
	slices.SortFunc(files, func(a, b *ast.File) int {
		return strings.Compare(d.pkg.Fset.Position(a.Package).Filename, d.pkg.Fset.Position(b.Package).Filename)
	})
	for _, file := range files {
		for _, decl := range file.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.TYPE {
				continue
			}
			for _, spec := range gd.Specs {
				ts := spec.(*ast.TypeSpec)
				groups := []*ast.CommentGroup{ts.Doc}
				if len(gd.Specs) == 1 {
					groups = append(groups, gd.Doc)
				}
				c, ok := findDirective(groups...)
				if !ok {
					continue
				}
				marks = append(marks, marked{spec: ts, directive: ParseDirective(c.Text), pos: c.Pos()})
			}
		}
	}
	for _, m := range marks {
		d.inspect(m)
	}
}

func (d *discoverer) report(pos token.Pos, sev Severity, code, typeName, format string, args ...any) {
	d.diags = append(d.diags, Diagnostic{
		Pos:      d.pkg.Fset.Position(pos),
		Severity: sev,
		Code:     code,
		Package:  d.pkg.Path,
		Type:     typeName,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (d *discoverer) inspect(m marked) {
	name := m.spec.Name.Name
	pos := m.spec.Name.Pos()

	for _, arg := range m.directive.Unknown {
		d.report(m.pos, SeverityWarning, CodeUnknownArgument, name, "unknown directive argument %q", arg)
	}

	obj, ok := d.pkg.Types.Scope().Lookup(name).(*types.TypeName)
	if !ok {
		return
	}
	if m.spec.Assign.IsValid() || obj.IsAlias() {
		d.report(pos, SeverityError, CodeUnsupportedDecl, name, "%s is an alias; mark the aliased type instead", name)
		return
	}
	named, ok := obj.Type().(*types.Named)
	if !ok {
		return
	}
	if named.TypeParams().Len() > 0 {
		d.report(pos, SeverityError, CodeUnsupportedDecl, name, "generic type %s cannot be decorated", name)
		return
	}
	if types.IsInterface(named) {
		d.report(pos, SeverityError, CodeUnsupportedDecl, name, "%s is an interface; mark a concrete adapter type", name)
		return
	}

	if d.adapter == nil || !(types.Implements(named, d.adapter) || types.Implements(types.NewPointer(named), d.adapter)) {
		d.report(pos, SeverityError, CodeNotAdapter, name, "%s does not implement pipeline.Adapter (missing RequestCategory() string)", name)
		return
	}

	capName, capType, ok := d.capability(m, named)
	if !ok {
		return
	}

	pointer := !types.Implements(named, capType.Underlying().(*types.Interface))
	desc, ok := d.describe(m, named, capName, capType, pointer)
	if !ok {
		return
	}
	d.descs = append(d.descs, desc)
}

// capability resolves the capability interface for a marked type.
func (d *discoverer) capability(m marked, named *types.Named) (string, *types.Named, bool) {
	name := named.Obj().Name()
	pos := m.spec.Name.Pos()

	implements := func(c *types.Named) bool {
		iface := c.Underlying().(*types.Interface)
		return types.Implements(named, iface) || types.Implements(types.NewPointer(named), iface)
	}

	if ref := m.directive.Capability; ref != "" {
		c, ok := d.lookupCapability(ref)
		if !ok {
			d.report(m.pos, SeverityError, CodeNoCapability, name, "capability %s not found or does not embed pipeline.Adapter", ref)
			return "", nil, false
		}
		if !implements(c) {
			d.report(pos, SeverityError, CodeNoCapability, name, "%s does not implement capability %s", name, ref)
			return "", nil, false
		}
		return c.Obj().Name(), c, true
	}

	var candidates []*types.Named
	for _, c := range d.capabilities(d.pkg.Types) {
		if implements(c) {
			candidates = append(candidates, c)
		}
	}
	candidates = maximal(candidates)
	switch len(candidates) {
	case 0:
		d.report(pos, SeverityError, CodeNoCapability, name,
			"%s implements no capability interface in %s; declare one that embeds pipeline.Adapter or use capability=", name, d.pkg.Name)
		return "", nil, false
	case 1:
		return candidates[0].Obj().Name(), candidates[0], true
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Obj().Name()
		}
		d.report(pos, SeverityError, CodeAmbiguous, name,
			"%s implements several capability interfaces (%s); choose one with capability=", name, strings.Join(names, ", "))
		return "", nil, false
	}
}

func (d *discoverer) lookupCapability(ref string) (*types.Named, bool) {
	scope := d.pkg.Types.Scope()
	local := ref
	if pkgName, typeName, ok := strings.Cut(ref, "."); ok {
		scope = nil
		for _, imp := range d.pkg.Types.Imports() {
			if imp.Name() == pkgName {
				scope = imp.Scope()
				break
			}
		}
		if scope == nil {
			return nil, false
		}
		local = typeName
	}
	obj, ok := scope.Lookup(local).(*types.TypeName)
	if !ok || !obj.Exported() && scope != d.pkg.Types.Scope() {
		return nil, false
	}
	named, ok := obj.Type().(*types.Named)
	if !ok || !d.isCapability(named) {
		return nil, false
	}
	return named, true
}

// capabilities lists the capability interfaces declared in pkg.
func (d *discoverer) capabilities(pkg *types.Package) []*types.Named {
	var out []*types.Named
	for _, n := range pkg.Scope().Names() {
		obj, ok := pkg.Scope().Lookup(n).(*types.TypeName)
		if !ok || obj.IsAlias() {
			continue
		}
		if named, ok := obj.Type().(*types.Named); ok && d.isCapability(named) {
			out = append(out, named)
		}
	}
	return out
}

func (d *discoverer) isCapability(named *types.Named) bool {
	if named.TypeParams().Len() > 0 {
		return false
	}
	iface, ok := named.Underlying().(*types.Interface)
	if !ok || d.adapter == nil {
		return false
	}
	obj := named.Obj()
	if obj.Pkg() != nil && obj.Pkg().Path() == PipelinePath && obj.Name() == "Adapter" {
		return false
	}
	return types.Implements(iface, d.adapter)
}

// maximal drops candidates that another candidate already includes, so an
// adapter implementing both Reader and a ReadWriter that embeds it resolves
// to ReadWriter.
func maximal(cands []*types.Named) []*types.Named {
	var out []*types.Named
	for i, c := range cands {
		covered := false
		for j, other := range cands {
			if i == j {
				continue
			}
			ci := c.Underlying().(*types.Interface)
			oi := other.Underlying().(*types.Interface)
			if types.Implements(oi, ci) && !types.Implements(ci, oi) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, c)
		}
	}
	return out
}

func (d *discoverer) describe(m marked, named *types.Named, capName string, capType *types.Named, pointer bool) (Descriptor, bool) {
	typeName := named.Obj().Name()
	component := typeName
	if m.directive.Component != "" {
		component = m.directive.Component
	}
	genName := pipelineTypeName(typeName, d.opts.typeSuffix())

	imports := newImportSet(d.pkg.Types, append([]string{genName, constructorName(genName), "inner", "opts"}, generatedIdents...)...)
	pipelineName := imports.add(PipelinePath, "pipeline")

	iface := capType.Underlying().(*types.Interface)
	var methods []*types.Func
	for i := range iface.NumMethods() {
		fn := iface.Method(i)
		if fn.Name() == "RequestCategory" {
			continue
		}
		methods = append(methods, fn)
	}
	slices.SortFunc(methods, func(a, b *types.Func) int { return strings.Compare(a.Name(), b.Name()) })

	contextName := ""
	if len(methods) > 0 {
		contextName = imports.add("context", "context")
	}

	ok := true
	ops := make([]Operation, 0, len(methods))
	nresults := make([]int, 0, len(methods))
	for _, fn := range methods {
		op, valid := d.operation(m, fn, imports)
		if !valid {
			ok = false
			continue
		}
		if !op.HasContext {
			d.report(m.spec.Name.Pos(), SeverityWarning, CodeMissingContext, typeName,
				"%s.%s has no leading context.Context; its spans start new traces", capName, fn.Name())
		}
		ops = append(ops, op)
		nresults = append(nresults, len(op.Results))
	}
	if !ok {
		return Descriptor{}, false
	}

	capability := imports.typeString(capType)
	names := imports.names()
	for i := range ops {
		assignParamNames(&ops[i], names, nresults[i])
	}

	return Descriptor{
		Package:      d.pkg.Path,
		PackageName:  d.pkg.Types.Name(),
		Dir:          d.pkg.Dir,
		Pos:          d.pkg.Fset.Position(m.spec.Name.Pos()),
		TypeName:     typeName,
		Component:    component,
		Pointer:      pointer,
		Capability:   capability,
		Imports:      imports.imports(),
		Operations:   ops,
		ContextName:  contextName,
		PipelineName: pipelineName,
		IterName:     imports.byPath["iter"],
	}, true
}

func (d *discoverer) operation(m marked, fn *types.Func, imports *importSet) (Operation, bool) {
	sig := fn.Type().(*types.Signature)
	op := Operation{Name: fn.Name(), Shape: ShapeImmediate}
	typeName := m.spec.Name.Name
	unsupported := func(format string, args ...any) (Operation, bool) {
		d.report(m.spec.Name.Pos(), SeverityError, CodeUnsupportedShape, typeName,
			"%s: "+format, append([]any{fn.Name()}, args...)...)
		return Operation{}, false
	}

	params := sig.Params()
	for i := range params.Len() {
		v := params.At(i)
		p := Param{Name: v.Name()}
		if i == 0 && isContext(v.Type()) {
			op.HasContext = true
		}
		if sig.Variadic() && i == params.Len()-1 {
			p.Variadic = true
			p.Type = imports.typeString(v.Type().(*types.Slice).Elem())
		} else {
			p.Type = imports.typeString(v.Type())
		}
		op.Params = append(op.Params, p)
	}

	results := sig.Results()
	for i := range results.Len() {
		t := results.At(i).Type()
		if _, ok := t.Underlying().(*types.Chan); ok {
			return unsupported("channel results cannot be instrumented")
		}
		elem, isDeferred := deferredElem(t)
		seqElem, seqErr, isSeq := seqElem(t)
		switch {
		case (isDeferred || isSeq) && results.Len() != 1:
			return unsupported("%s must be the only result", imports.typeString(t))
		case isDeferred:
			op.Shape = ShapeDeferred
			op.Elem = imports.typeString(elem)
		case isSeq && !seqErr:
			return unsupported("sequences must be iter.Seq2[T, error]")
		case isSeq:
			op.Shape = ShapeSequence
			op.Elem = imports.typeString(seqElem)
		}
		op.Results = append(op.Results, imports.typeString(t))
	}
	if op.Shape == ShapeImmediate && results.Len() > 0 && isError(results.At(results.Len()-1).Type()) {
		op.ReturnsError = true
	}
	return op, true
}

func isContext(t types.Type) bool {
	named, ok := t.(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj.Pkg() != nil && obj.Pkg().Path() == "context" && obj.Name() == "Context"
}

var errorType = types.Universe.Lookup("error").Type()

func isError(t types.Type) bool {
	return types.Identical(t, errorType)
}

func deferredElem(t types.Type) (types.Type, bool) {
	named, ok := t.(*types.Named)
	if !ok {
		return nil, false
	}
	obj := named.Obj()
	if obj.Pkg() == nil || obj.Pkg().Path() != PipelinePath || obj.Name() != "Deferred" || named.TypeArgs().Len() != 1 {
		return nil, false
	}
	return named.TypeArgs().At(0), true
}

func seqElem(t types.Type) (elem types.Type, withError, ok bool) {
	named, isNamed := t.(*types.Named)
	if !isNamed {
		return nil, false, false
	}
	obj := named.Obj()
	if obj.Pkg() == nil || obj.Pkg().Path() != "iter" || obj.Name() != "Seq2" || named.TypeArgs().Len() != 2 {
		return nil, false, false
	}
	return named.TypeArgs().At(0), isError(named.TypeArgs().At(1)), true
}

func pipelineTypeName(typeName, suffix string) string {
	return typeName + suffix
}

func constructorName(genName string) string {
	if isExported(genName) {
		return "New" + genName
	}
	return "new" + upperFirst(genName)
}
