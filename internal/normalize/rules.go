package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

// jsonLDPrefix marks an HTML field read from the page's JSON-LD blocks
// through a gjson path, e.g. "jsonld:offers.price".
const jsonLDPrefix = "jsonld:"

// Rule pulls raw field maps out of one payload.
type Rule interface {
	Extract(payload []byte) ([]map[string]any, error)
}

type jsonRule struct {
	recordsPath string
	fields      map[string]string
}

func (r jsonRule) Extract(payload []byte) ([]map[string]any, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", extract.ErrParse)
	}
	root := gjson.ParseBytes(payload)
	if r.recordsPath == "" {
		return []map[string]any{r.extractOne(root)}, nil
	}
	list := root.Get(r.recordsPath)
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: records path %q is not an array", extract.ErrParse, r.recordsPath)
	}
	items := list.Array()
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, r.extractOne(item))
	}
	return out, nil
}

func (r jsonRule) extractOne(item gjson.Result) map[string]any {
	fields := make(map[string]any, len(r.fields))
	for name, path := range r.fields {
		if v := item.Get(path); v.Exists() && v.Type != gjson.Null {
			fields[name] = resultValue(v)
		}
	}
	return fields
}

// resultValue converts a gjson result into a field value. Numbers keep their
// exact digits as json.Number; a float64 would merge integer IDs above 2^53.
func resultValue(v gjson.Result) any {
	if v.Type == gjson.Number {
		return json.Number(v.Raw)
	}
	return v.Value()
}

type htmlRule struct {
	recordsPath string
	fields      map[string]string
}

func (r htmlRule) Extract(payload []byte) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", extract.ErrParse, err)
	}
	jsonLD := collectJSONLD(doc)

	if r.recordsPath == "" {
		return []map[string]any{r.extractOne(doc.Selection, jsonLD)}, nil
	}
	var out []map[string]any
	doc.Find(r.recordsPath).Each(func(_ int, s *goquery.Selection) {
		out = append(out, r.extractOne(s, nil))
	})
	return out, nil
}

func (r htmlRule) extractOne(scope *goquery.Selection, jsonLD []gjson.Result) map[string]any {
	fields := make(map[string]any, len(r.fields))
	for name, expr := range r.fields {
		if path, ok := strings.CutPrefix(expr, jsonLDPrefix); ok {
			for _, block := range jsonLD {
				if v := block.Get(path); v.Exists() && v.Type != gjson.Null {
					fields[name] = resultValue(v)
					break
				}
			}
			continue
		}
		if v, ok := selectValue(scope, expr); ok {
			fields[name] = v
		}
	}
	return fields
}

// selectValue resolves "selector", "selector@attr", or "@attr" (an attribute
// of the scope element itself).
func selectValue(scope *goquery.Selection, expr string) (string, bool) {
	selector, attr := expr, ""
	if i := strings.LastIndex(expr, "@"); i >= 0 {
		selector, attr = strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+1:])
	}
	target := scope
	if selector != "" {
		target = scope.Find(selector).First()
	}
	if target.Length() == 0 {
		return "", false
	}
	if attr != "" {
		return target.Attr(attr)
	}
	return strings.Join(strings.Fields(target.Text()), " "), true
}

func collectJSONLD(doc *goquery.Document) []gjson.Result {
	var blocks []gjson.Result
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if !gjson.Valid(raw) {
			return
		}
		parsed := gjson.Parse(raw)
		if parsed.IsArray() {
			blocks = append(blocks, parsed.Array()...)
			return
		}
		blocks = append(blocks, parsed)
	})
	return blocks
}
