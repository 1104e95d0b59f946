package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy kinds.
const (
	KindCSS    = "css"    // text of the first match (or all matches joined)
	KindAttr   = "attr"   // attribute of the first match
	KindMeta   = "meta"   // <meta name|property=Selector content=...>
	KindJSONLD = "jsonld" // field of a schema.org Product in ld+json
)

// Strategy reads one value from a document.
type Strategy struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector"`
	Attr     string `json:"attr,omitempty"`
	All      bool   `json:"all,omitempty"`
}

func CSS(sel string) Strategy        { return Strategy{Kind: KindCSS, Selector: sel} }
func CSSAll(sel string) Strategy     { return Strategy{Kind: KindCSS, Selector: sel, All: true} }
func Attr(sel, attr string) Strategy { return Strategy{Kind: KindAttr, Selector: sel, Attr: attr} }
func Meta(name string) Strategy      { return Strategy{Kind: KindMeta, Selector: name} }
func JSONLD(field string) Strategy   { return Strategy{Kind: KindJSONLD, Selector: field} }

func (s Strategy) validate() error {
	if strings.TrimSpace(s.Selector) == "" {
		return fmt.Errorf("%s strategy: selector required", s.Kind)
	}
	switch s.Kind {
	case KindCSS, KindMeta:
	case KindAttr:
		if s.Attr == "" {
			return fmt.Errorf("attr strategy %q: attr required", s.Selector)
		}
	case KindJSONLD:
		switch s.Selector {
		case "name", "price", "image", "description":
		default:
			return fmt.Errorf("jsonld strategy: unknown field %q", s.Selector)
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	return nil
}

// document caches per-page parse work shared across strategies.
type document struct {
	doc      *goquery.Document
	products []map[string]any
	ldDone   bool
}

func (d *document) value(s Strategy) string {
	switch s.Kind {
	case KindCSS:
		sel := d.doc.Find(s.Selector)
		if !s.All {
			return squash(sel.First().Text())
		}
		parts := sel.Map(func(_ int, n *goquery.Selection) string { return squash(n.Text()) })
		return strings.Join(nonEmpty(parts), " ")
	case KindAttr:
		v, _ := d.doc.Find(s.Selector).First().Attr(s.Attr)
		return strings.TrimSpace(v)
	case KindMeta:
		q := fmt.Sprintf(`meta[name=%q], meta[property=%q], meta[itemprop=%q]`, s.Selector, s.Selector, s.Selector)
		v, _ := d.doc.Find(q).First().Attr("content")
		return strings.TrimSpace(v)
	case KindJSONLD:
		return d.jsonLD(s.Selector)
	}
	return ""
}

func (d *document) jsonLD(field string) string {
	if !d.ldDone {
		d.ldDone = true
		d.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, n *goquery.Selection) {
			var v any
			if json.Unmarshal([]byte(n.Text()), &v) != nil {
				return
			}
			d.products = append(d.products, findProducts(v)...)
		})
	}
	for _, p := range d.products {
		if v := productField(p, field); v != "" {
			return v
		}
	}
	return ""
}

func findProducts(v any) []map[string]any {
	var out []map[string]any
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			out = append(out, findProducts(e)...)
		}
	case map[string]any:
		if isType(x["@type"], "Product") {
			out = append(out, x)
		}
		if g, ok := x["@graph"]; ok {
			out = append(out, findProducts(g)...)
		}
	}
	return out
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, e := range t {
			if isType(e, want) {
				return true
			}
		}
	}
	return false
}

func productField(p map[string]any, field string) string {
	switch field {
	case "name", "description":
		return scalar(p[field])
	case "image":
		switch img := p["image"].(type) {
		case []any:
			if len(img) > 0 {
				return imageURL(img[0])
			}
		default:
			return imageURL(img)
		}
	case "price":
		return offerPrice(p["offers"])
	}
	return ""
}

func imageURL(v any) string {
	if m, ok := v.(map[string]any); ok {
		return scalar(m["url"])
	}
	return scalar(v)
}

func offerPrice(v any) string {
	switch o := v.(type) {
	case []any:
		for _, e := range o {
			if p := offerPrice(e); p != "" {
				return p
			}
		}
	case map[string]any:
		for _, k := range []string{"price", "lowPrice"} {
			if s := scalar(o[k]); s != "" {
				return s
			}
		}
		if ps, ok := o["priceSpecification"]; ok {
			return offerPrice(ps)
		}
	}
	return ""
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

func squash(s string) string { return strings.Join(strings.Fields(s), " ") }

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
