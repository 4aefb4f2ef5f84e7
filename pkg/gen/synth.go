package gen

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"go/format"
	"strings"
	"text/template"
)

//go:embed templates/pipeline.tmpl
var templateFS embed.FS

var pipelineTemplate = template.Must(template.ParseFS(templateFS, "templates/pipeline.tmpl"))

// FingerprintPrefix starts the header line that records a file's fingerprint.
const FingerprintPrefix = "// tracewrap:fingerprint"

// GeneratedHeader is the first line of every generated file.
const GeneratedHeader = "// Code generated by tracewrap. DO NOT EDIT."

// Synthesizer renders pipeline source from descriptors.
type Synthesizer struct {
	typeSuffix string
	fileSuffix string
}

// SynthOption configures a Synthesizer.
type SynthOption func(*Synthesizer)

// WithTypeSuffix sets the suffix of generated type names.
func WithTypeSuffix(suffix string) SynthOption {
	return func(s *Synthesizer) { s.typeSuffix = suffix }
}

// WithFileSuffix sets the suffix of generated file names.
func WithFileSuffix(suffix string) SynthOption {
	return func(s *Synthesizer) { s.fileSuffix = suffix }
}

// NewSynthesizer returns a Synthesizer with the default "Pipeline" type
// suffix and "_pipeline.gen.go" file suffix.
func NewSynthesizer(opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{typeSuffix: "Pipeline", fileSuffix: "_pipeline.gen.go"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TypeSuffix returns the configured type suffix.
func (s *Synthesizer) TypeSuffix() string { return s.typeSuffix }

// FileSuffix returns the configured file suffix.
func (s *Synthesizer) FileSuffix() string { return s.fileSuffix }

// TypeName is the name of the generated type for d.
func (s *Synthesizer) TypeName(d Descriptor) string {
	return pipelineTypeName(d.TypeName, s.typeSuffix)
}

// FileName is the base name of the generated file for d.
func (s *Synthesizer) FileName(d Descriptor) string {
	return snake(d.TypeName) + s.fileSuffix
}

// Fingerprint identifies the output Synthesize produces for d.
func (s *Synthesizer) Fingerprint(d Descriptor) (string, error) {
	return fingerprint(d, s.typeSuffix)
}

type templateData struct {
	FingerprintPrefix string
	Fingerprint       string
	PackageName       string
	Imports           []Import
	TypeName          string
	Constructor       string
	Receiver          string
	Capability        string
	Component         string
	Pipeline          string
	Methods           []methodData
}

type methodData struct {
	Name         string
	Params       string
	Results      string
	Args         string
	Ctx          string
	ClosureParam string
	Shape        Shape
	HasContext   bool
	ReturnsError bool
	Returns      bool
}

// Synthesize renders the gofmt-formatted pipeline for d. Equal descriptors
// produce byte-identical output.
func (s *Synthesizer) Synthesize(d Descriptor) ([]byte, error) {
	fp, err := s.Fingerprint(d)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", d.Key(), err)
	}

	typeName := s.TypeName(d)
	receiver := d.TypeName
	if d.Pointer {
		receiver = "*" + receiver
	}
	data := templateData{
		FingerprintPrefix: strings.TrimPrefix(FingerprintPrefix, "// "),
		Fingerprint:       fp,
		PackageName:       d.PackageName,
		Imports:           d.Imports,
		TypeName:          typeName,
		Constructor:       constructorName(typeName),
		Receiver:          receiver,
		Capability:        d.Capability,
		Component:         d.Component,
		Pipeline:          d.PipelineName,
	}
	for _, op := range d.Operations {
		data.Methods = append(data.Methods, methodView(d, op))
	}

	var buf bytes.Buffer
	if err := pipelineTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", d.Key(), err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", d.Key(), err)
	}
	return src, nil
}

func methodView(d Descriptor, op Operation) methodData {
	m := methodData{
		Name:         op.Name,
		Shape:        op.Shape,
		HasContext:   op.HasContext,
		ReturnsError: op.ReturnsError,
		Returns:      len(op.Results) > 0,
		Ctx:          d.ContextName + ".Background()",
		ClosureParam: d.ContextName + ".Context",
	}
	if op.HasContext {
		m.Ctx = "ctx"
		m.ClosureParam = "ctx " + d.ContextName + ".Context"
	}

	params := make([]string, len(op.Params))
	args := make([]string, len(op.Params))
	for i, p := range op.Params {
		if p.Variadic {
			params[i] = p.Name + " ..." + p.Type
			args[i] = p.Name + "..."
		} else {
			params[i] = p.Name + " " + p.Type
			args[i] = p.Name
		}
	}
	m.Params = strings.Join(params, ", ")
	m.Args = strings.Join(args, ", ")

	switch {
	case op.Shape != ShapeImmediate:
		m.Results = op.Results[0]
	case len(op.Results) == 0:
	default:
		named := make([]string, len(op.Results))
		for i, r := range op.Results {
			name := fmt.Sprintf("r%d", i)
			if op.ReturnsError && i == len(op.Results)-1 {
				name = "err"
			}
			named[i] = name + " " + r
		}
		m.Results = "(" + strings.Join(named, ", ") + ")"
	}
	return m
}

// ReadFingerprint returns the fingerprint recorded in a generated file's
// header, or false if src was not produced by tracewrap.
func ReadFingerprint(src []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(src))
	if !sc.Scan() || sc.Text() != GeneratedHeader {
		return "", false
	}
	if !sc.Scan() {
		return "", false
	}
	fp, ok := strings.CutPrefix(sc.Text(), FingerprintPrefix+" ")
	if !ok || fp == "" {
		return "", false
	}
	return fp, true
}

// IsGenerated reports whether src starts with the tracewrap header.
func IsGenerated(src []byte) bool {
	return bytes.HasPrefix(src, []byte(GeneratedHeader+"\n"))
}
