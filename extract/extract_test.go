package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pricetrack/pricetrack/clock"
)

func newTestExtractor(t *testing.T, opts Options) *Extractor {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(time.Unix(9000, 0))
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	return e
}

const productPage = `<html><body>
<main>
  <div class="product-detail">
    <h1>Front Brake Rotor Kit</h1>
    <span class="product-price">$432.00</span>
    <span class="original-price">$499.00</span>
  </div>
</main>
<div class="related-carousel">
  <div class="carousel-item">
    <span class="product-price">$1,699.00</span>
    <span class="sale-price">$1,499.00</span>
  </div>
</div>
</body></html>`

func TestExtractScopedToPrimaryContainer(t *testing.T) {
	e := newTestExtractor(t, Options{})

	obs, err := e.Extract(context.Background(), "https://shop.test/parts/rotor-kit", productPage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.SalePrice != 432 {
		t.Fatalf("sale price = %.2f, want 432 (carousel price must not win)", obs.SalePrice)
	}
	if obs.Strategy != StrategyDomainSelectors {
		t.Fatalf("strategy = %q, want %q", obs.Strategy, StrategyDomainSelectors)
	}
	if obs.Confidence != 0.8 {
		t.Fatalf("confidence = %.2f, want 0.8", obs.Confidence)
	}
	if obs.OriginalPrice == nil || *obs.OriginalPrice != 499 {
		t.Fatalf("original price = %v, want 499", obs.OriginalPrice)
	}
	if obs.TargetCanonicalURL != "https://shop.test/parts/rotor-kit" {
		t.Fatalf("canonical url = %q", obs.TargetCanonicalURL)
	}
}

func TestExtractPricePreferredOverSalePrice(t *testing.T) {
	page := `<html><body><main>
	  <span class="sale-price">$99.00</span>
	  <span class="product-price">$150.00</span>
	</main></body></html>`

	e := newTestExtractor(t, Options{})
	obs, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.SalePrice != 150 {
		t.Fatalf("sale price = %.2f, want 150 (plain price selector runs first)", obs.SalePrice)
	}
}

func TestExtractStructuredData(t *testing.T) {
	page := `<html><head>
	<script type="application/ld+json">
	{"@context":"https://schema.org","@type":"Product","name":"Cabin Filter",
	 "offers":{"@type":"Offer","price":"23.95","priceCurrency":"USD"}}
	</script>
	</head><body><div>nothing selectable here</div></body></html>`

	e := newTestExtractor(t, Options{})
	obs, err := e.Extract(context.Background(), "https://shop.test/filter", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.Strategy != StrategyStructuredData {
		t.Fatalf("strategy = %q, want %q", obs.Strategy, StrategyStructuredData)
	}
	if obs.SalePrice != 23.95 {
		t.Fatalf("sale price = %.2f, want 23.95", obs.SalePrice)
	}
}

func TestExtractMicrodataMetaTag(t *testing.T) {
	page := `<html><head>
	<meta property="product:price:amount" content="78.50">
	</head><body><p>plain page</p></body></html>`

	e := newTestExtractor(t, Options{})
	obs, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.Strategy != StrategyMicrodata || obs.SalePrice != 78.5 {
		t.Fatalf("got strategy=%q price=%.2f, want microdata/78.50", obs.Strategy, obs.SalePrice)
	}
}

func TestExtractRejectsOutOfBounds(t *testing.T) {
	page := `<html><body><main>
	  <span class="product-price">$50,001.00</span>
	</main></body></html>`

	e := newTestExtractor(t, Options{})
	_, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice for price above maximum", err)
	}
}

func TestExtractFallsThroughAfterAnomaly(t *testing.T) {
	// The scoped selector finds an implausible value; the JSON-LD block
	// carries the real one.
	page := `<html><head>
	<script type="application/ld+json">
	{"@type":"Product","offers":{"price":432}}
	</script>
	</head><body><main>
	  <span class="product-price">$0.10</span>
	</main></body></html>`

	e := newTestExtractor(t, Options{})
	obs, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.Strategy != StrategyStructuredData || obs.SalePrice != 432 {
		t.Fatalf("got strategy=%q price=%.2f, want structured-data/432", obs.Strategy, obs.SalePrice)
	}
}

func TestExtractRoundNumberDriftRejected(t *testing.T) {
	page := `<html><body><main>
	  <span class="product-price">$2,000.00</span>
	</main></body></html>`

	e := newTestExtractor(t, Options{})
	e.SetReferencePrice("https://shop.test/p", 45)

	_, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want rejection of round 2000 against reference 45", err)
	}
}

type stubModel struct {
	sale     float64
	original *float64
	err      error
	calls    int
}

func (m *stubModel) ExtractPrice(_ context.Context, _, _ string) (float64, *float64, error) {
	m.calls++
	return m.sale, m.original, m.err
}

func TestExtractLLMFallbackUsedLast(t *testing.T) {
	page := `<html><body><p>Our premium rotor kit ships free. Call for pricing: four thirty two.</p></body></html>`

	model := &stubModel{sale: 432}
	e := newTestExtractor(t, Options{Model: model})

	obs, err := e.Extract(context.Background(), "https://shop.test/p", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obs.Strategy != StrategyLLMFallback {
		t.Fatalf("strategy = %q, want %q", obs.Strategy, StrategyLLMFallback)
	}
	if obs.Confidence != 0.2 {
		t.Fatalf("confidence = %.2f, want 0.2", obs.Confidence)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
}

func TestExtractLLMNotCalledWhenDeterministicWins(t *testing.T) {
	model := &stubModel{sale: 1}
	e := newTestExtractor(t, Options{Model: model})

	if _, err := e.Extract(context.Background(), "https://shop.test/parts/rotor-kit", productPage); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model must not be consulted when a deterministic strategy succeeds")
	}
}

func TestLimitsValidate(t *testing.T) {
	limits := DefaultLimits()
	tests := []struct {
		name    string
		price   float64
		ref     float64
		wantErr bool
	}{
		{"normal", 432, 0, false},
		{"below min", 0.5, 0, true},
		{"above max", 50_001, 0, true},
		{"at max", 50_000, 0, false},
		{"round within drift", 1200, 1000, false},
		{"round beyond drift", 4500, 2000, true},
		{"round large vs small ref", 1000, 45, true},
		{"round within drift, large ref", 2000, 1200, false},
		{"non-round large jump", 4517, 2000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := limits.Validate(tt.price, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%.2f, %.2f) err = %v, wantErr=%v", tt.price, tt.ref, err, tt.wantErr)
			}
		})
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$432.00", 432, true},
		{"£1,299.00", 1299, true},
		{"1.299,00 €", 1299, true},
		{"1 299,95", 1299.95, true},
		{"Now: 59.95", 59.95, true},
		{"432 1699", 432, true},
		{"free", 0, false},
		{"", 0, false},
		{"$0.00", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePrice(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("ParsePrice(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
