package alert

import (
	"context"
	"strings"
	"testing"
)

func TestNotificationMessage(t *testing.T) {
	n := Notification{
		Domain:               "secure-paypal-verify.tk",
		Score:                120,
		CertificateAuthority: "Let's Encrypt Authority X3",
		Brands:               []string{"paypal"},
		URLScanResult:        "https://urlscan.io/result/abc",
		VTPermalink:          "https://www.virustotal.com/url/abc",
	}

	msg := n.Message()

	if strings.Contains(msg, "secure-paypal-verify.tk") {
		t.Fatalf("domain must be defanged in the message: %s", msg)
	}
	for _, want := range []string{
		"secure-paypal-verify[.]tk",
		"Score: 120",
		"Let's Encrypt Authority X3",
		"paypal",
		"https://urlscan.io/result/abc",
		"https://www.virustotal.com/url/abc",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestNotificationMessageMinimal(t *testing.T) {
	msg := Notification{Domain: "evil.tk", Score: 100}.Message()
	for _, unwanted := range []string{"Brands", "urlscan", "VirusTotal", "Certificate authority"} {
		if strings.Contains(msg, unwanted) {
			t.Fatalf("expected minimal message without %q, got: %s", unwanted, msg)
		}
	}
}

func TestNotifyDisabled(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false})
	if err := d.Notify(context.Background(), Notification{Domain: "evil.tk", Score: 200}); err != nil {
		t.Fatalf("disabled dispatcher must not fail: %s", err)
	}
}

func TestNotifyBelowThreshold(t *testing.T) {
	// no client is created for a threshold miss to hit, so a nil client
	// reaching PostMessage would panic and fail the test
	d := &Dispatcher{conf: Config{Enabled: true, MinScore: 100}}
	if err := d.Notify(context.Background(), Notification{Domain: "evil.tk", Score: 90}); err != nil {
		t.Fatalf("below-threshold notification must be dropped silently: %s", err)
	}
}
