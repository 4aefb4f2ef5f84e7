package gen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"
)

// ErrNoPackages is returned when the patterns match nothing.
var ErrNoPackages = errors.New("no packages matched")

// LoadOptions configure Load.
type LoadOptions struct {
	Dir        string
	BuildTags  []string
	Tests      bool
	FileSuffix string
}

// Load type-checks the packages matching patterns. Files previously
// generated by tracewrap are replaced with an empty package clause so that
// stale output never blocks type checking. Packages that fail to load are
// reported as diagnostics and left out.
func Load(ctx context.Context, opts LoadOptions, patterns ...string) ([]*Package, []Diagnostic, error) {
	if opts.FileSuffix == "" {
		opts.FileSuffix = NewSynthesizer().FileSuffix()
	}
	var buildFlags []string
	if len(opts.BuildTags) > 0 {
		buildFlags = []string{"-tags=" + strings.Join(opts.BuildTags, ",")}
	}

	overlay, err := generatedOverlay(ctx, opts, buildFlags, patterns)
	if err != nil {
		return nil, nil, err
	}

	cfg := &packages.Config{
		Mode:       packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes | packages.NeedImports | packages.NeedDeps,
		Context:    ctx,
		Dir:        opts.Dir,
		BuildFlags: buildFlags,
		Tests:      opts.Tests,
		Overlay:    overlay,
		Fset:       token.NewFileSet(),
	}
	loaded, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, nil, fmt.Errorf("load packages: %w", err)
	}
	if len(loaded) == 0 {
		return nil, nil, ErrNoPackages
	}

	var (
		diags  []Diagnostic
		byPath = map[string]*Package{}
	)
	for _, lp := range loaded {
		if len(lp.Errors) > 0 {
			for _, e := range lp.Errors {
				diags = append(diags, loadDiagnostic(lp, e))
			}
			continue
		}
		if lp.Types == nil || strings.HasSuffix(lp.PkgPath, ".test") {
			continue
		}
		// With Tests set, a package and its test variant share a path; the
		// variant is a superset, so keep whichever has more files.
		if prev, ok := byPath[lp.PkgPath]; ok && len(prev.Files) >= len(lp.Syntax) {
			continue
		}
		byPath[lp.PkgPath] = &Package{
			Path:  lp.PkgPath,
			Name:  lp.Name,
			Dir:   packageDir(lp),
			Fset:  lp.Fset,
			Files: lp.Syntax,
			Types: lp.Types,
		}
	}
	out := make([]*Package, 0, len(byPath))
	for _, pkg := range byPath {
		out = append(out, pkg)
	}
	slices.SortFunc(out, func(a, b *Package) int { return strings.Compare(a.Path, b.Path) })
	sortDiagnostics(diags)
	return out, diags, nil
}

// generatedOverlay lists the files of the matched packages without type
// checking and stubs out the ones tracewrap generated.
func generatedOverlay(ctx context.Context, opts LoadOptions, buildFlags, patterns []string) (map[string][]byte, error) {
	cfg := &packages.Config{
		Mode:       packages.NeedName | packages.NeedFiles,
		Context:    ctx,
		Dir:        opts.Dir,
		BuildFlags: buildFlags,
		Tests:      opts.Tests,
	}
	listed, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	overlay := map[string][]byte{}
	for _, lp := range listed {
		for _, file := range lp.GoFiles {
			if !strings.HasSuffix(file, opts.FileSuffix) {
				continue
			}
			src, err := os.ReadFile(file)
			if err != nil {
				continue
			}
			if IsGenerated(src) {
				overlay[file] = stubFile(lp.Name)
			}
		}
	}
	return overlay, nil
}

func stubFile(pkgName string) []byte {
	var b bytes.Buffer
	b.WriteString(GeneratedHeader + "\n\npackage " + pkgName + "\n")
	return b.Bytes()
}

func packageDir(lp *packages.Package) string {
	for _, files := range [][]string{lp.GoFiles, lp.CompiledGoFiles, lp.OtherFiles} {
		if len(files) > 0 {
			return filepath.Dir(files[0])
		}
	}
	return ""
}

func loadDiagnostic(lp *packages.Package, e packages.Error) Diagnostic {
	d := Diagnostic{
		Severity: SeverityError,
		Code:     CodeLoad,
		Package:  lp.PkgPath,
		Message:  e.Msg,
	}
	d.Pos = parsePos(e.Pos)
	return d
}

// parsePos parses the "file:line:col" positions go/packages reports.
func parsePos(s string) token.Position {
	var pos token.Position
	if s == "" || s == "-" {
		return pos
	}
	parts := strings.Split(s, ":")
	var nums []int
	for len(parts) > 1 && len(nums) < 2 {
		n, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			break
		}
		nums = append([]int{n}, nums...)
		parts = parts[:len(parts)-1]
	}
	if len(nums) > 0 {
		pos.Line = nums[0]
	}
	if len(nums) > 1 {
		pos.Column = nums[1]
	}
	pos.Filename = strings.Join(parts, ":")
	return pos
}
