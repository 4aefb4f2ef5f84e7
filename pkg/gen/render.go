package gen

import (
	"fmt"
	"go/token"
	"go/types"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// importSet assigns file-level import names in first-use order. Names never
// collide with each other, with package-scope identifiers of the target
// package, or with identifiers the template declares.
type importSet struct {
	target *types.Package
	byPath map[string]string
	taken  map[string]bool
	order  []Import
}

func newImportSet(target *types.Package, reserved ...string) *importSet {
	s := &importSet{
		target: target,
		byPath: map[string]string{},
		taken:  map[string]bool{},
	}
	for _, name := range target.Scope().Names() {
		s.taken[name] = true
	}
	for _, name := range reserved {
		s.taken[name] = true
	}
	return s
}

func (s *importSet) add(path, name string) string {
	if n, ok := s.byPath[path]; ok {
		return n
	}
	candidate := name
	for i := 2; s.taken[candidate] || token.IsKeyword(candidate) || candidate == "_" || candidate == ""; i++ {
		candidate = fmt.Sprintf("%s%d", name, i)
	}
	s.taken[candidate] = true
	s.byPath[path] = candidate
	s.order = append(s.order, Import{Name: candidate, Path: path})
	return candidate
}

func (s *importSet) qualifier(p *types.Package) string {
	if p == nil || p == s.target {
		return ""
	}
	return s.add(p.Path(), p.Name())
}

func (s *importSet) typeString(t types.Type) string {
	return types.TypeString(t, s.qualifier)
}

func (s *importSet) names() map[string]bool {
	out := make(map[string]bool, len(s.order))
	for _, imp := range s.order {
		out[imp.Name] = true
	}
	return out
}

// imports returns the set sorted by path.
func (s *importSet) imports() []Import {
	out := slices.Clone(s.order)
	slices.SortFunc(out, func(a, b Import) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// generatedIdents are declared or referenced inside every generated method.
var generatedIdents = []string{"p", "call", "err", "ctx"}

// assignParamNames keeps source parameter names where they are usable and
// otherwise assigns a<i>. The leading context parameter is always ctx.
func assignParamNames(op *Operation, imports map[string]bool, nresults int) {
	reserved := map[string]bool{}
	for _, id := range generatedIdents {
		reserved[id] = true
	}
	for i := range nresults {
		reserved[fmt.Sprintf("r%d", i)] = true
	}

	used := map[string]bool{}
	usable := func(name string) bool {
		return name != "" && name != "_" && !reserved[name] && !imports[name] && !used[name] && !token.IsKeyword(name)
	}
	for i := range op.Params {
		if i == 0 && op.HasContext {
			op.Params[i].Name = "ctx"
			continue
		}
		name := op.Params[i].Name
		if !usable(name) {
			name = fmt.Sprintf("a%d", i)
			for !usable(name) {
				name += "_"
			}
		}
		used[name] = true
		op.Params[i].Name = name
	}
}

func isExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[n:]
}

// snake converts a Go identifier to snake_case, keeping initialisms together:
// HTTPGateway becomes http_gateway.
func snake(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
