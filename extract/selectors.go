package extract

// SelectorSet describes where prices live on one domain's product pages.
// Every selector is evaluated inside the first matching Container candidate,
// never against the whole document: unscoped selectors match prices belonging
// to unrelated related/upsell items elsewhere on the page.
type SelectorSet struct {
	// Container candidates for the primary product block, tried in order.
	Container []string

	// Price selectors for the plain listed price. Evaluated before
	// SalePrice: sale-price selectors are the ones most likely to catch an
	// unrelated carousel item's discount badge.
	Price []string

	// SalePrice selectors for a discounted price.
	SalePrice []string

	// OriginalPrice selectors for the pre-discount compare-at price.
	OriginalPrice []string
}

// SelectorTable maps a canonical domain (lower-case, no "www.") to its
// selector set. Lookups for unknown domains fall back to the default entry.
//
// Per-domain entries, including their ordering, are validated against real
// pages for each target site; they are data, not rules.
type SelectorTable map[string]SelectorSet

// DefaultKey is the fallback entry used for unrecognized domains.
const DefaultKey = "default"

// DefaultSelectors returns the built-in table.
func DefaultSelectors() SelectorTable {
	return SelectorTable{
		DefaultKey: {
			Container: []string{
				"[itemtype*='schema.org/Product']",
				".product-detail",
				".product-main",
				"#product",
				"main",
			},
			Price: []string{
				".product-price",
				".price-current",
				"[data-price]",
				".price",
			},
			SalePrice: []string{
				".sale-price",
				".price-sale",
				".special-price",
			},
			OriginalPrice: []string{
				".original-price",
				".price-was",
				".compare-at-price",
				"del .price",
				"s .price",
			},
		},
	}
}

// For returns the selector set for domain, falling back to the default
// entry.
func (t SelectorTable) For(domain string) (SelectorSet, bool) {
	if set, ok := t[domain]; ok {
		return set, true
	}
	set, ok := t[DefaultKey]
	return set, ok
}
