// Package pipeline is the runtime that generated decorators call into.
// Each decorated operation opens a span, records metrics, and scopes the span's context around the inner call.
package pipeline

// Adapter is the capability marker. Interfaces that embed it describe an
// adapter's operations; types implementing such an interface can be
// decorated by tracewrap.
type Adapter interface {
	// RequestCategory names the kind of boundary the adapter crosses,
	// such as "repository" or "messaging".
	RequestCategory() string
}
