package detector

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// FallbackDomain is the formats key applied to domains without their own entry.
const FallbackDomain = "default"

// Set picks a per-domain Detector.
type Set struct {
	base    *Detector
	domains map[string]*Detector
}

// NewSet binds formats (domain -> json|html) to copies of base.
func NewSet(base *Detector, formats map[string]string) *Set {
	if f, ok := formats[FallbackDomain]; ok {
		base = base.WithFormat(f)
	}
	s := &Set{base: base, domains: make(map[string]*Detector, len(formats))}
	for domain, format := range formats {
		s.domains[strings.ToLower(domain)] = base.WithFormat(format)
	}
	return s
}

// For returns the detector used for domain.
func (s *Set) For(domain string) *Detector {
	if d, ok := s.domains[strings.ToLower(domain)]; ok {
		return d
	}
	return s.base
}

// Classify implements extract.Classifier.
func (s *Set) Classify(domain string, status int, headers http.Header, body []byte) extract.Outcome {
	return s.For(domain).Classify(status, headers, body)
}
