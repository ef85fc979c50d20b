// Package detector classifies a fetched response as a success, a block,
// a network failure, or an unparseable payload.
package detector

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// Payload formats a site can declare.
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

// Config lists the signatures that mark a response as blocked.
type Config struct {
	BlockStatuses []int
	// BodyMarkers are matched case-insensitively against non-JSON bodies.
	BodyMarkers []string
	// JSONMarkers are gjson paths into a JSON body. Their values are checked
	// against BodyMarkers; the rest of a JSON body is data.
	JSONMarkers []string
	// HeaderMarkers are "name" (presence marks a challenge) or "name: value"
	// (the header value must contain value, case-insensitively).
	HeaderMarkers []string
	MinBodyBytes  int
}

type headerMarker struct {
	name  string
	value string
}

// Detector is immutable and safe for concurrent use.
type Detector struct {
	blockStatuses []int
	bodyMarkers   [][]byte
	jsonMarkers   []string
	headerMarkers []headerMarker
	minBodyBytes  int
	format        string
}

// New builds a Detector for HTML payloads. Use WithFormat for JSON sites.
func New(cfg Config) *Detector {
	markers := make([][]byte, 0, len(cfg.BodyMarkers))
	for _, m := range cfg.BodyMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	headers := make([]headerMarker, 0, len(cfg.HeaderMarkers))
	for _, h := range cfg.HeaderMarkers {
		name, value, _ := strings.Cut(h, ":")
		if name = strings.TrimSpace(name); name != "" {
			headers = append(headers, headerMarker{
				name:  http.CanonicalHeaderKey(name),
				value: strings.ToLower(strings.TrimSpace(value)),
			})
		}
	}
	paths := make([]string, 0, len(cfg.JSONMarkers))
	for _, p := range cfg.JSONMarkers {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return &Detector{
		blockStatuses: slices.Clone(cfg.BlockStatuses),
		bodyMarkers:   markers,
		jsonMarkers:   paths,
		headerMarkers: headers,
		minBodyBytes:  cfg.MinBodyBytes,
		format:        FormatHTML,
	}
}

// WithFormat returns a copy bound to a site's payload format.
func (d *Detector) WithFormat(format string) *Detector {
	cp := *d
	cp.format = strings.ToLower(strings.TrimSpace(format))
	if cp.format == "" {
		cp.format = FormatHTML
	}
	return &cp
}

// Format returns the payload format the detector expects.
func (d *Detector) Format() string { return d.format }

// Classify inspects one response. Block signatures are checked before the
// status class.
func (d *Detector) Classify(status int, headers http.Header, body []byte) extract.Outcome {
	if slices.Contains(d.blockStatuses, status) {
		return extract.Blocked(status, statusReason(status))
	}
	for _, h := range d.headerMarkers {
		if h.matches(headers) {
			return extract.Blocked(status, "challenge_header:"+strings.ToLower(h.name))
		}
	}
	isJSON := gjson.ValidBytes(body)
	if isJSON {
		if marker, ok := d.jsonMarker(body); ok {
			return extract.Blocked(status, "challenge_marker:"+marker)
		}
	} else if marker, ok := d.bodyMarker(body); ok {
		return extract.Blocked(status, "challenge_marker:"+marker)
	}
	if status < 200 || status > 299 {
		return extract.NetworkError(status, fmt.Sprintf("http_status_%d", status))
	}
	if len(bytes.TrimSpace(body)) < d.minBodyBytes {
		return extract.Blocked(status, "empty_body")
	}
	if d.format == FormatJSON {
		if looksLikeHTML(headers, body) {
			return extract.Blocked(status, "unexpected_html")
		}
		if !isJSON {
			return extract.ParseError(status, "invalid_json")
		}
	}
	return extract.Success(status, body)
}

func (d *Detector) bodyMarker(body []byte) (string, bool) {
	if len(body) == 0 || len(d.bodyMarkers) == 0 {
		return "", false
	}
	lower := bytes.ToLower(body)
	for _, m := range d.bodyMarkers {
		if bytes.Contains(lower, m) {
			return string(m), true
		}
	}
	return "", false
}

// jsonMarker scans only the configured paths of a valid JSON body.
func (d *Detector) jsonMarker(body []byte) (string, bool) {
	if len(d.jsonMarkers) == 0 || len(d.bodyMarkers) == 0 {
		return "", false
	}
	for _, r := range gjson.GetManyBytes(body, d.jsonMarkers...) {
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if marker, ok := d.bodyMarker([]byte(r.String())); ok {
			return marker, true
		}
	}
	return "", false
}

func (h headerMarker) matches(headers http.Header) bool {
	values, ok := headers[h.name]
	if !ok {
		return false
	}
	if h.value == "" {
		return true
	}
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), h.value) {
			return true
		}
	}
	return false
}

func statusReason(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusForbidden:
		return "access_denied"
	default:
		return fmt.Sprintf("status_%d", status)
	}
}

func looksLikeHTML(headers http.Header, body []byte) bool {
	if strings.Contains(strings.ToLower(headers.Get("Content-Type")), "text/html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 64 {
		head = head[:64]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
