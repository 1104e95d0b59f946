package extract

import (
	"bytes"
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"
	logx "pricewatch/pkg/logx"
)

// Extractor fetches a URL and runs the matching adapter over it.
type Extractor struct {
	fetch *Fetcher
	reg   *Registry
	log   logx.Logger
}

func NewExtractor(f *Fetcher, reg *Registry, log logx.Logger) *Extractor {
	if reg == nil {
		reg = NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{fetch: f, reg: reg, log: log}
}

// Extract returns the facts found at rawURL. Only fetch failures are
// errors (wrapping ErrFetch); a page without a price yields nil Price.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (ProductFacts, error) {
	start := time.Now()
	page, err := e.fetch.Fetch(ctx, rawURL)
	if err != nil {
		return ProductFacts{}, err
	}

	ad := e.reg.Select(rawURL)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		e.log.Warn("page parse failed", logx.String("url", rawURL), logx.Err(err))
		return ProductFacts{Platform: ad.Platform}, nil
	}
	facts := ad.Apply(doc, page.URL)
	e.log.Debug("extracted",
		logx.String("url", rawURL),
		logx.String("adapter", ad.Name),
		logx.Price("price", facts.Price),
		logx.Duration("dur", time.Since(start)),
	)
	return facts, nil
}
