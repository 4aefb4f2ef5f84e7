// Package gen discovers adapter types and synthesizes their pipeline decorators.
// Discovery works on type-checked packages; synthesis renders a template from a Descriptor alone.
package gen

import (
	"crypto/sha256"
	"encoding/hex"
	"go/token"

	jsoniter "github.com/json-iterator/go"
)

// PipelinePath is the import path of the runtime package generated code calls.
const PipelinePath = "github.com/andrewh/tracewrap/pkg/pipeline"

// Version is mixed into every fingerprint so generator upgrades regenerate output.
const Version = "0.4.0"

// Shape is how an operation delivers its result.
type Shape string

const (
	ShapeImmediate Shape = "immediate"
	ShapeDeferred  Shape = "deferred"
	ShapeSequence  Shape = "sequence"
)

// Param is one operation parameter with its type rendered for the target file.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Variadic bool   `json:"variadic,omitempty"`
}

// Operation is one capability method.
type Operation struct {
	Name         string   `json:"name"`
	Params       []Param  `json:"params"`
	Results      []string `json:"results"`
	Shape        Shape    `json:"shape"`
	HasContext   bool     `json:"has_context"`
	ReturnsError bool     `json:"returns_error"`
	Elem         string   `json:"elem,omitempty"`
}

// Import is one import of the generated file.
type Import struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Descriptor captures everything needed to synthesize one pipeline. Type
// expressions are already qualified with the names in Imports.
type Descriptor struct {
	Package     string         `json:"package"`
	PackageName string         `json:"package_name"`
	Dir         string         `json:"-"`
	Pos         token.Position `json:"-"`
	TypeName    string         `json:"type"`
	Component   string         `json:"component"`
	Pointer     bool           `json:"pointer"`
	Capability  string         `json:"capability"`
	Imports     []Import       `json:"imports"`
	Operations  []Operation    `json:"operations"`

	ContextName  string `json:"context_name,omitempty"`
	PipelineName string `json:"pipeline_name"`
	IterName     string `json:"iter_name,omitempty"`
}

// Key identifies the descriptor across runs.
func (d Descriptor) Key() string {
	return d.Package + "." + d.TypeName
}

var canonicalJSON = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// fingerprint hashes the canonical encoding of d together with extra inputs
// that affect rendering.
func fingerprint(d Descriptor, extra ...string) (string, error) {
	payload := struct {
		Version    string     `json:"version"`
		Extra      []string   `json:"extra"`
		Descriptor Descriptor `json:"descriptor"`
	}{Version, extra, d}

	b, err := canonicalJSON.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
