package gen

import (
	"cmp"
	"fmt"
	"go/token"
	"slices"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes.
const (
	CodeLoad             = "TW000"
	CodeNotAdapter       = "TW001"
	CodeNoCapability     = "TW002"
	CodeAmbiguous        = "TW003"
	CodeUnsupportedShape = "TW004"
	CodeUnsupportedDecl  = "TW005"
	CodeUnknownArgument  = "TW006"
	CodeMissingContext   = "TW101"
)

// Diagnostic is a problem found while discovering or loading packages.
type Diagnostic struct {
	Pos      token.Position `json:"pos"`
	Severity Severity       `json:"severity"`
	Code     string         `json:"code"`
	Package  string         `json:"package"`
	Type     string         `json:"type,omitempty"`
	Message  string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s %s: %s", d.Pos, d.Severity, d.Code, d.Message)
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	return slices.ContainsFunc(diags, func(d Diagnostic) bool { return d.Severity == SeverityError })
}

func sortDiagnostics(diags []Diagnostic) {
	slices.SortStableFunc(diags, func(a, b Diagnostic) int {
		return cmp.Or(
			cmp.Compare(a.Pos.Filename, b.Pos.Filename),
			cmp.Compare(a.Pos.Line, b.Pos.Line),
			cmp.Compare(a.Pos.Column, b.Pos.Column),
			cmp.Compare(a.Code, b.Code),
			cmp.Compare(a.Message, b.Message),
		)
	})
}
