package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
)

func TestSendAlert(t *testing.T) {
	n := NewNotifier("https://hooks.test/alerts")
	transport := httpmock.NewMockTransport()
	n.SetTransport(transport)

	var got alertPayload
	transport.RegisterResponder(http.MethodPost, "https://hooks.test/alerts",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	err := n.SendAlert(context.Background(), "scheduled run failed", "2 of 30 targets unreachable")
	if err != nil {
		t.Fatalf("send alert: %v", err)
	}
	if got.Subject != "scheduled run failed" {
		t.Fatalf("subject = %q", got.Subject)
	}
	if got.Body != "2 of 30 targets unreachable" {
		t.Fatalf("body = %q", got.Body)
	}
}

func TestSendAlertRejectedStatus(t *testing.T) {
	n := NewNotifier("https://hooks.test/alerts")
	transport := httpmock.NewMockTransport()
	n.SetTransport(transport)
	transport.RegisterResponder(http.MethodPost, "https://hooks.test/alerts",
		httpmock.NewStringResponder(http.StatusForbidden, "bad token"))

	if err := n.SendAlert(context.Background(), "subject", "body"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestSendAlertDisabled(t *testing.T) {
	n := NewNotifier("")
	// No transport: any request would panic the default transport in tests,
	// but a disabled notifier never sends one.
	if err := n.SendAlert(context.Background(), "subject", "body"); err != nil {
		t.Fatalf("disabled notifier returned %v", err)
	}
}
