package gen

import (
	"go/ast"
	"slices"
	"strings"
)

// DirectivePrefix marks a type for generation:
//
//	//tracewrap:generate [capability=Name|pkg.Name] [component=Name]
const DirectivePrefix = "//tracewrap:generate"

// Directive is a parsed generation marker.
type Directive struct {
	Capability string
	Component  string
	Unknown    []string
}

// findDirective returns the directive in the first comment group that has one.
func findDirective(groups ...*ast.CommentGroup) (*ast.Comment, bool) {
	for _, g := range groups {
		if g == nil {
			continue
		}
		for _, c := range g.List {
			if c.Text == DirectivePrefix || strings.HasPrefix(c.Text, DirectivePrefix+" ") {
				return c, true
			}
		}
	}
	return nil, false
}

// ParseDirective parses the text of a directive comment.
func ParseDirective(text string) Directive {
	var d Directive
	for _, field := range strings.Fields(strings.TrimPrefix(text, DirectivePrefix)) {
		key, value, ok := strings.Cut(field, "=")
		switch {
		case ok && key == "capability" && value != "":
			d.Capability = value
		case ok && key == "component" && value != "":
			d.Component = value
		default:
			d.Unknown = append(d.Unknown, field)
		}
	}
	slices.Sort(d.Unknown)
	return d
}
