// Package extract turns raw page HTML into price observations. A cascade of
// strategies runs in priority order until one yields a candidate that
// survives anomaly validation; each strategy carries a fixed confidence.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pricetrack/pricetrack/canonical"
	"github.com/pricetrack/pricetrack/clock"
	"github.com/pricetrack/pricetrack/models"
)

// Strategy names recorded on observations.
const (
	StrategyDomainSelectors = "domain-selectors"
	StrategyStructuredData  = "structured-data"
	StrategyMicrodata       = "microdata"
	StrategyCSSHeuristic    = "css-heuristic"
	StrategyLLMFallback     = "llm-fallback"
)

// Confidence is fixed per strategy tier, not a continuous function.
var strategyConfidence = map[string]float64{
	StrategyDomainSelectors: 0.8,
	StrategyStructuredData:  0.7,
	StrategyMicrodata:       0.6,
	StrategyCSSHeuristic:    0.3,
	StrategyLLMFallback:     0.2,
}

// ErrNoPrice is returned when every strategy fails or is rejected.
var ErrNoPrice = errors.New("no plausible price found after all strategies exhausted")

// PriceModel is the external language-model fallback, used only when all
// deterministic strategies fail.
type PriceModel interface {
	ExtractPrice(ctx context.Context, pageURL, pageText string) (sale float64, original *float64, err error)
}

// Options configures an Extractor.
type Options struct {
	Selectors    SelectorTable
	Limits       Limits
	Model        PriceModel // nil disables the LLM fallback
	Clock        clock.Clock
	RefCacheSize int
}

// Extractor derives price observations from page HTML.
type Extractor struct {
	selectors SelectorTable
	limits    Limits
	model     PriceModel
	clk       clock.Clock

	// refPrices holds the last known price per canonical URL; the anomaly
	// validator uses it to spot wrong-element extractions.
	refPrices *lru.Cache[string, float64]
}

// New builds an Extractor.
func New(opts Options) (*Extractor, error) {
	if opts.Selectors == nil {
		opts.Selectors = DefaultSelectors()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.RefCacheSize <= 0 {
		opts.RefCacheSize = 4096
	}
	cache, err := lru.New[string, float64](opts.RefCacheSize)
	if err != nil {
		return nil, err
	}
	return &Extractor{
		selectors: opts.Selectors,
		limits:    opts.Limits.withDefaults(),
		model:     opts.Model,
		clk:       opts.Clock,
		refPrices: cache,
	}, nil
}

// SetReferencePrice records a known price for a canonical URL so later
// extractions can be sanity-checked against it.
func (e *Extractor) SetReferencePrice(canonicalURL string, price float64) {
	if price > 0 {
		e.refPrices.Add(canonicalURL, price)
	}
}

type candidate struct {
	sale     float64
	original *float64
}

// Extract runs the strategy cascade over html. It returns ErrNoPrice when no
// strategy yields a plausible value.
func (e *Extractor) Extract(ctx context.Context, pageURL, html string) (*models.PriceObservation, error) {
	canonicalURL, err := canonical.Canonicalize(pageURL)
	if err != nil {
		return nil, err
	}
	domain, err := canonical.Domain(pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	reference, _ := e.refPrices.Get(canonicalURL)

	strategies := []struct {
		name string
		run  func(*goquery.Document, string) *candidate
	}{
		{StrategyDomainSelectors, e.domainSelectors},
		{StrategyStructuredData, e.structuredData},
		{StrategyMicrodata, e.microdata},
		{StrategyCSSHeuristic, e.cssHeuristic},
	}

	for _, strategy := range strategies {
		cand := strategy.run(doc, domain)
		if cand == nil {
			continue
		}
		if verr := e.limits.Validate(cand.sale, reference); verr != nil {
			slog.Debug("candidate price rejected",
				slog.String("url", canonicalURL),
				slog.String("strategy", strategy.name),
				slog.Any("reason", verr),
			)
			continue
		}
		return e.observation(canonicalURL, strategy.name, cand), nil
	}

	if e.model != nil {
		if cand := e.llmFallback(ctx, pageURL, doc); cand != nil {
			if verr := e.limits.Validate(cand.sale, reference); verr == nil {
				return e.observation(canonicalURL, StrategyLLMFallback, cand), nil
			}
		}
	}

	return nil, ErrNoPrice
}

func (e *Extractor) observation(canonicalURL, strategy string, cand *candidate) *models.PriceObservation {
	obs := &models.PriceObservation{
		TargetCanonicalURL: canonicalURL,
		SalePrice:          cand.sale,
		Confidence:         strategyConfidence[strategy],
		Strategy:           strategy,
		ExtractedAt:        e.clk.Now(),
	}
	if cand.original != nil && *cand.original > cand.sale {
		obs.OriginalPrice = cand.original
	}
	e.refPrices.Add(canonicalURL, cand.sale)
	return obs
}

// domainSelectors is strategy 1: the per-domain selector table, scoped to the
// page's primary product container.
func (e *Extractor) domainSelectors(doc *goquery.Document, domain string) *candidate {
	set, ok := e.selectors.For(domain)
	if !ok {
		return nil
	}

	container := findContainer(doc, set.Container)
	if container == nil {
		return nil
	}

	// Plain price before sale price, per the selector table's contract.
	sale, found := firstPrice(container, set.Price)
	if !found {
		sale, found = firstPrice(container, set.SalePrice)
	}
	if !found {
		return nil
	}

	cand := &candidate{sale: sale}
	if orig, ok := firstPrice(container, set.OriginalPrice); ok {
		cand.original = &orig
	}
	return cand
}

// structuredData is strategy 2: JSON-LD product/offer blocks.
func (e *Extractor) structuredData(doc *goquery.Document, _ string) *candidate {
	var cand *candidate
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(sel.Text()), &payload); err != nil {
			return true
		}
		if got := productOffer(payload); got != nil {
			cand = got
			return false
		}
		return true
	})
	return cand
}

// microdata is strategy 3: itemprop/meta price fields.
func (e *Extractor) microdata(doc *goquery.Document, _ string) *candidate {
	metaSelectors := []string{
		`meta[property="product:price:amount"]`,
		`meta[property="og:price:amount"]`,
		`meta[itemprop="price"]`,
	}
	for _, selector := range metaSelectors {
		content, ok := doc.Find(selector).First().Attr("content")
		if !ok {
			continue
		}
		if price, ok := ParsePrice(content); ok {
			return &candidate{sale: price}
		}
	}

	node := doc.Find(`[itemprop="price"]`).First()
	if node.Length() == 0 {
		return nil
	}
	if content, ok := node.Attr("content"); ok {
		if price, ok := ParsePrice(content); ok {
			return &candidate{sale: price}
		}
	}
	if price, ok := ParsePrice(node.Text()); ok {
		return &candidate{sale: price}
	}
	return nil
}

// cssHeuristic is strategy 4: generic class-name guessing. Deterministic but
// low confidence by construction.
func (e *Extractor) cssHeuristic(doc *goquery.Document, _ string) *candidate {
	heuristics := []string{
		".price",
		".product-price",
		"[class*='price']",
	}
	for _, selector := range heuristics {
		var price float64
		found := false
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if p, ok := ParsePrice(sel.Text()); ok {
				price = p
				found = true
				return false
			}
			return true
		})
		if found {
			return &candidate{sale: price}
		}
	}
	return nil
}

// llmFallback is strategy 5: ship the page's visible text to the language
// model. Always low confidence.
func (e *Extractor) llmFallback(ctx context.Context, pageURL string, doc *goquery.Document) *candidate {
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		return nil
	}

	sale, original, err := e.model.ExtractPrice(ctx, pageURL, text)
	if err != nil {
		slog.Debug("llm price extraction failed",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
		return nil
	}
	if sale <= 0 {
		return nil
	}
	return &candidate{sale: sale, original: original}
}

func findContainer(doc *goquery.Document, candidates []string) *goquery.Selection {
	for _, selector := range candidates {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

func firstPrice(scope *goquery.Selection, selectors []string) (float64, bool) {
	for _, selector := range selectors {
		var price float64
		found := false
		scope.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := sel.Text()
			if attr, ok := sel.Attr("data-price"); ok && text == "" {
				text = attr
			}
			if p, ok := ParsePrice(text); ok {
				price = p
				found = true
				return false
			}
			return true
		})
		if found {
			return price, true
		}
	}
	return 0, false
}

// productOffer walks decoded JSON-LD looking for a schema.org Product offer.
func productOffer(payload any) *candidate {
	switch v := payload.(type) {
	case []any:
		for _, item := range v {
			if cand := productOffer(item); cand != nil {
				return cand
			}
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			if cand := productOffer(graph); cand != nil {
				return cand
			}
		}
		if !isProductType(v["@type"]) {
			return nil
		}
		return offerPrice(v["offers"])
	}
	return nil
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, "Product")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

func offerPrice(offers any) *candidate {
	switch v := offers.(type) {
	case []any:
		for _, offer := range v {
			if cand := offerPrice(offer); cand != nil {
				return cand
			}
		}
	case map[string]any:
		for _, key := range []string{"price", "lowPrice"} {
			if price, ok := jsonNumber(v[key]); ok && price > 0 {
				cand := &candidate{sale: price}
				if high, ok := jsonNumber(v["highPrice"]); ok && high > price {
					cand.original = &high
				}
				return cand
			}
		}
	}
	return nil
}

func jsonNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
