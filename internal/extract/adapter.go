package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Adapter maps a page of one site to ProductFacts. Each field has a
// prioritized strategy list; the first strategy that yields a value wins.
// For Price a value must also parse as a price.
type Adapter struct {
	Name     string
	Platform string
	Match    []*regexp.Regexp // any match selects the adapter; empty = never

	NameRules        []Strategy
	PriceRules       []Strategy
	ImageRules       []Strategy
	DescriptionRules []Strategy
}

// Matches reports whether rawURL belongs to this adapter.
func (a *Adapter) Matches(rawURL string) bool {
	for _, re := range a.Match {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Apply reads facts from doc. pageURL resolves relative image links.
func (a *Adapter) Apply(doc *goquery.Document, pageURL string) ProductFacts {
	d := &document{doc: doc}
	facts := ProductFacts{Platform: a.Platform}

	facts.Name = first(d, a.NameRules, nil)
	if v := first(d, a.PriceRules, func(s string) bool { return ParsePrice(s) != nil }); v != "" {
		facts.Price = ParsePrice(v)
	}
	if v := first(d, a.ImageRules, nil); v != "" {
		v = resolve(pageURL, v)
		facts.ImageURL = &v
	}
	if v := first(d, a.DescriptionRules, nil); v != "" {
		facts.Description = &v
	}
	return facts
}

func (a *Adapter) validate() error {
	var errs []error
	if strings.TrimSpace(a.Name) == "" {
		errs = append(errs, errors.New("adapter name required"))
	}
	for _, group := range [][]Strategy{a.NameRules, a.PriceRules, a.ImageRules, a.DescriptionRules} {
		for _, s := range group {
			if err := s.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func first(d *document, rules []Strategy, accept func(string) bool) string {
	for _, s := range rules {
		v := d.value(s)
		if v == "" {
			continue
		}
		if accept != nil && !accept(v) {
			continue
		}
		return v
	}
	return ""
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// Amazon reads Amazon product pages.
func Amazon() *Adapter {
	return &Adapter{
		Name:             "amazon",
		Platform:         "amazon",
		Match:            []*regexp.Regexp{regexp.MustCompile(`(?i)amazon`)},
		NameRules:        []Strategy{CSS("#productTitle"), JSONLD("name")},
		PriceRules:       []Strategy{CSS(".a-price .a-offscreen"), CSS(".a-price-whole"), JSONLD("price")},
		ImageRules:       []Strategy{Attr("#landingImage", "src"), JSONLD("image")},
		DescriptionRules: []Strategy{CSSAll("#feature-bullets ul li"), CSS("#feature-bullets ul")},
	}
}

// Ebay reads eBay item pages.
func Ebay() *Adapter {
	return &Adapter{
		Name:             "ebay",
		Platform:         "ebay",
		Match:            []*regexp.Regexp{regexp.MustCompile(`(?i)ebay`)},
		NameRules:        []Strategy{CSS("h1#x-title-label-lbl"), CSS("h1.x-item-title__mainTitle"), JSONLD("name")},
		PriceRules:       []Strategy{CSS(".notranslate"), JSONLD("price")},
		ImageRules:       []Strategy{Attr("#icImg", "src"), JSONLD("image")},
		DescriptionRules: []Strategy{CSS(".u-flL.condText")},
	}
}

// Generic is the fallback for unknown sites.
func Generic() *Adapter {
	return &Adapter{
		Name:      "generic",
		Platform:  "generic",
		NameRules: []Strategy{CSS("h1"), CSS("title"), Meta("og:title"), JSONLD("name")},
		PriceRules: []Strategy{
			CSS(`span[class*="price"]`),
			CSS(`div[class*="price"]`),
			CSS(`*[class*="cost"]`),
			Attr(`*[data-price]`, "data-price"),
			Meta("product:price:amount"),
			JSONLD("price"),
		},
		ImageRules:       []Strategy{Attr("img", "src"), Meta("og:image"), JSONLD("image")},
		DescriptionRules: []Strategy{Meta("description"), Meta("og:description"), JSONLD("description")},
	}
}
