// Package csp builds Content-Security-Policy header values.
package csp

import (
	"fmt"
	"strings"
)

// CSPBuilder assembles a policy one directive at a time.
//
//	policy := csp.NewCSPBuilder().
//		DefaultSrc("'none'").
//		FrameAncestors("'none'").
//		Build()
//	// "default-src 'none'; frame-ancestors 'none'"
//
// CSPBuilder is not safe for concurrent mutation; build once and share the
// resulting string.
type CSPBuilder struct {
	directives map[string][]string
	reportOnly bool
}

func NewCSPBuilder() *CSPBuilder {
	return &CSPBuilder{directives: make(map[string][]string)}
}

// DefaultSrc sets default-src, the fallback for every fetch directive.
func (b *CSPBuilder) DefaultSrc(sources ...string) *CSPBuilder {
	return b.set("default-src", sources)
}

func (b *CSPBuilder) ConnectSrc(sources ...string) *CSPBuilder {
	return b.set("connect-src", sources)
}

// FrameAncestors controls who may embed the response. 'none' forbids
// framing entirely.
func (b *CSPBuilder) FrameAncestors(sources ...string) *CSPBuilder {
	return b.set("frame-ancestors", sources)
}

func (b *CSPBuilder) BaseURI(sources ...string) *CSPBuilder {
	return b.set("base-uri", sources)
}

func (b *CSPBuilder) FormAction(sources ...string) *CSPBuilder {
	return b.set("form-action", sources)
}

// ReportURI sets where browsers post violation reports.
func (b *CSPBuilder) ReportURI(uri string) *CSPBuilder {
	return b.set("report-uri", []string{uri})
}

// ReportOnly switches the header to Content-Security-Policy-Report-Only.
func (b *CSPBuilder) ReportOnly(enabled bool) *CSPBuilder {
	b.reportOnly = enabled
	return b
}

// HeaderName returns the header the policy is sent under.
func (b *CSPBuilder) HeaderName() string {
	if b.reportOnly {
		return "Content-Security-Policy-Report-Only"
	}
	return "Content-Security-Policy"
}

func (b *CSPBuilder) set(directive string, sources []string) *CSPBuilder {
	if len(sources) == 0 {
		delete(b.directives, directive)
		return b
	}
	b.directives[directive] = append([]string(nil), sources...)
	return b
}

// directiveOrder keeps Build output stable.
var directiveOrder = []string{
	"default-src",
	"connect-src",
	"frame-ancestors",
	"form-action",
	"base-uri",
	"report-uri",
}

// Build renders the policy. An empty builder yields "".
func (b *CSPBuilder) Build() string {
	parts := make([]string, 0, len(b.directives))
	for _, directive := range directiveOrder {
		if sources := b.directives[directive]; len(sources) > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", directive, strings.Join(sources, " ")))
		}
	}
	return strings.Join(parts, "; ")
}

// APIPolicy is the policy for JSON endpoints: nothing may load, frame or
// submit anything.
func APIPolicy() *CSPBuilder {
	return NewCSPBuilder().
		DefaultSrc("'none'").
		FrameAncestors("'none'").
		BaseURI("'none'").
		FormAction("'none'")
}
