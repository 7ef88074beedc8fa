package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/pricetrack/pricetrack/models"
)

func newMockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	client, err := NewClient("https://catalog.test/api", "cat-token")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	client.SetTransport(transport)
	return client, transport
}

func TestSnapshotCanonicalizesURLs(t *testing.T) {
	client, transport := newMockedClient(t)

	var auth string
	transport.RegisterResponder(http.MethodGet, "https://catalog.test/api/items",
		func(req *http.Request) (*http.Response, error) {
			auth = req.Header.Get("Authorization")
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"items": []map[string]any{
					{"id": "sku-1", "url": "https://WWW.Shop.test/Parts/Rotor/?utm_source=feed", "price": 432.0},
					{"id": "sku-2", "url": "https://shop.test/parts/pads", "price": 89.0, "compare_at_price": 99.0},
					{"id": "sku-3", "url": "not a url at all ://", "price": 1.0},
				},
			})
		})

	items, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if auth != "Bearer cat-token" {
		t.Fatalf("authorization = %q", auth)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (unparseable URL skipped)", len(items))
	}
	if items[0].CanonicalURL != "https://shop.test/parts/rotor" {
		t.Fatalf("canonical url = %q", items[0].CanonicalURL)
	}
	if items[1].CurrentCompareAtPrice == nil || *items[1].CurrentCompareAtPrice != 99 {
		t.Fatalf("compare-at price = %v, want 99", items[1].CurrentCompareAtPrice)
	}
}

func TestSnapshotErrorStatus(t *testing.T) {
	client, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodGet, "https://catalog.test/api/items",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "maintenance"))

	if _, err := client.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestApplyPriceUpdates(t *testing.T) {
	client, transport := newMockedClient(t)

	var got updateRequest
	transport.RegisterResponder(http.MethodPost, "https://catalog.test/api/items/prices",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"succeeded": 1, "failed": 1,
			})
		})

	compareAt := 499.0
	outcome, err := client.ApplyPriceUpdates(context.Background(), []models.PriceUpdate{
		{ID: "sku-1", Price: 432, CompareAtPrice: &compareAt},
		{ID: "sku-2", Price: 89},
	})
	if err != nil {
		t.Fatalf("apply updates: %v", err)
	}
	if outcome.Succeeded != 1 || outcome.Failed != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(got.Updates) != 2 || got.Updates[0].ID != "sku-1" {
		t.Fatalf("request updates = %+v", got.Updates)
	}
}

func TestApplyPriceUpdatesEmptyBatchSkipsRequest(t *testing.T) {
	client, transport := newMockedClient(t)
	// No responder registered: any request would fail the test.

	outcome, err := client.ApplyPriceUpdates(context.Background(), nil)
	if err != nil {
		t.Fatalf("apply updates: %v", err)
	}
	if outcome.Succeeded != 0 || outcome.Failed != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatal("no request should be made for an empty batch")
	}
}
