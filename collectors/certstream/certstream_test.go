package certstream

import (
	"testing"

	"github.com/certphisher/certphisher/pipeline"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name              string
		raw               string
		expectSkip        bool
		expectedEvent     pipeline.Event
		expectedMalformed int64
	}{
		{
			name: "heartbeat",
			raw:  `{"message_type": "heartbeat"}`,
			expectedEvent: pipeline.Event{
				Heartbeat: true,
			},
		},
		{
			name: "certificate update",
			raw: `{
				"message_type": "certificate_update",
				"data": {
					"leaf_cert": {
						"extensions": {"subjectAltName": "DNS:evil.tk, DNS:www.evil.tk"}
					},
					"chain": [{"subject": {"CN": "Let's Encrypt Authority X3", "aggregated": "/C=US/O=Let's Encrypt/CN=Let's Encrypt Authority X3"}}]
				}
			}`,
			expectedEvent: pipeline.Event{
				IssuerCN:         "Let's Encrypt Authority X3",
				IssuerAggregated: "/C=US/O=Let's Encrypt/CN=Let's Encrypt Authority X3",
				SubjectAltName:   "DNS:evil.tk, DNS:www.evil.tk",
			},
		},
		{
			name:              "invalid json",
			raw:               `{not json`,
			expectSkip:        true,
			expectedMalformed: 1,
		},
		{
			name:              "update without san",
			raw:               `{"message_type": "certificate_update", "data": {"chain": [{"subject": {"CN": "x"}}]}}`,
			expectSkip:        true,
			expectedMalformed: 1,
		},
		{
			name:              "update without chain",
			raw:               `{"message_type": "certificate_update", "data": {"leaf_cert": {"extensions": {"subjectAltName": "DNS:a.com"}}}}`,
			expectSkip:        true,
			expectedMalformed: 1,
		},
		{
			name:       "unknown message type",
			raw:        `{"message_type": "something_else"}`,
			expectSkip: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := New(Config{URL: "wss://example.org"})
			ev, ok := c.convert([]byte(test.raw))
			if test.expectSkip {
				if ok {
					t.Fatalf("expected message to be skipped")
				}
				if c.Malformed() != test.expectedMalformed {
					t.Fatalf("expected malformed count %d, got %d", test.expectedMalformed, c.Malformed())
				}
				return
			}
			if !ok {
				t.Fatalf("expected message to produce an event")
			}
			if ev != test.expectedEvent {
				t.Fatalf("expected event %+v, got %+v", test.expectedEvent, ev)
			}
		})
	}
}
