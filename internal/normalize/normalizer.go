// Package normalize maps fetched payloads onto canonical records using
// per-domain extraction rules.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// DefaultSite names the rule used for domains without their own entry.
const DefaultSite = "default"

// Site is the extraction rule for one domain.
type Site struct {
	Domain string
	// Format is "json" or "html".
	Format string
	// IDField names the field whose value becomes the record's external id.
	IDField string
	// RecordsPath selects repeated records: a gjson path to an array for json,
	// a CSS selector for html. Empty means one record per payload.
	RecordsPath string
	// Fields maps output field names to gjson paths or CSS selectors.
	Fields    map[string]string
	Required  []string
	Constants map[string]any
	Headers   map[string]string
}

// FieldsHasher digests a record's canonical fields.
type FieldsHasher interface {
	HashFields(fields map[string]any) (string, error)
}

type compiled struct {
	site Site
	rule Rule
}

// Normalizer is immutable after New and safe for concurrent use.
type Normalizer struct {
	sites  map[string]compiled
	hasher FieldsHasher
}

// New compiles sites into rules.
func New(sites []Site, hasher FieldsHasher) (*Normalizer, error) {
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	n := &Normalizer{sites: make(map[string]compiled, len(sites)), hasher: hasher}
	for _, s := range sites {
		s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
		if s.Domain == "" {
			return nil, errors.New("site domain is required")
		}
		if _, dup := n.sites[s.Domain]; dup {
			return nil, fmt.Errorf("duplicate site %s", s.Domain)
		}
		if _, ok := s.Fields[s.IDField]; !ok && s.Constants[s.IDField] == nil {
			return nil, fmt.Errorf("site %s: id field %q has no mapping", s.Domain, s.IDField)
		}
		var rule Rule
		switch strings.ToLower(s.Format) {
		case "json":
			rule = jsonRule{recordsPath: s.RecordsPath, fields: s.Fields}
		case "html", "":
			rule = htmlRule{recordsPath: s.RecordsPath, fields: s.Fields}
		default:
			return nil, fmt.Errorf("site %s: unsupported format %q", s.Domain, s.Format)
		}
		n.sites[s.Domain] = compiled{site: s, rule: rule}
	}
	return n, nil
}

func (n *Normalizer) lookup(domain string) (compiled, bool) {
	if c, ok := n.sites[strings.ToLower(domain)]; ok {
		return c, true
	}
	c, ok := n.sites[DefaultSite]
	return c, ok
}

// Headers returns the extra request headers configured for domain.
func (n *Normalizer) Headers(domain string) map[string]string {
	c, ok := n.lookup(domain)
	if !ok {
		return nil
	}
	return c.site.Headers
}

// Formats returns domain -> payload format for every configured site,
// including DefaultSite when present.
func (n *Normalizer) Formats() map[string]string {
	out := make(map[string]string, len(n.sites))
	for domain, c := range n.sites {
		out[domain] = strings.ToLower(c.site.Format)
	}
	return out
}

// Normalize extracts every record in payload. Any failure wraps extract.ErrParse.
func (n *Normalizer) Normalize(task extract.Task, payload []byte) ([]extract.NormalizedRecord, error) {
	c, ok := n.lookup(task.Domain)
	if !ok {
		return nil, fmt.Errorf("%w: no extraction rule for %s", extract.ErrParse, task.Domain)
	}
	raw, err := c.rule.Extract(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: payload yielded no records", extract.ErrParse, task.Domain)
	}

	out := make([]extract.NormalizedRecord, 0, len(raw))
	for i, fields := range raw {
		rec, err := n.finish(c.site, task, fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (n *Normalizer) finish(site Site, task extract.Task, fields map[string]any) (extract.NormalizedRecord, error) {
	for k, v := range fields {
		if s, ok := v.(string); ok {
			fields[k] = strings.TrimSpace(s)
		}
	}
	for k, v := range site.Constants {
		if _, set := fields[k]; !set {
			fields[k] = v
		}
	}
	for _, name := range site.Required {
		if isEmpty(fields[name]) {
			return extract.NormalizedRecord{}, fmt.Errorf("%w: %s: missing required field %q", extract.ErrParse, task.Domain, name)
		}
	}
	id := stringify(fields[site.IDField])
	if id == "" {
		return extract.NormalizedRecord{}, fmt.Errorf("%w: %s: missing id field %q", extract.ErrParse, task.Domain, site.IDField)
	}
	hash, err := n.hasher.HashFields(fields)
	if err != nil {
		return extract.NormalizedRecord{}, fmt.Errorf("%w: %w", extract.ErrParse, err)
	}
	return extract.NormalizedRecord{
		SourceDomain: task.Domain,
		ExternalID:   id,
		Fields:       fields,
		VersionHash:  hash,
		SourceURL:    task.TargetURL,
	}, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
