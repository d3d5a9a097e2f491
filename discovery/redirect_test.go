package discovery

import (
	"errors"
	"testing"

	"mobileconnect/mcerr"
)

func TestParseDiscoveryRedirect(t *testing.T) {
	tests := []struct {
		url  string
		want ParsedRedirect
	}{
		{
			url:  "http://localhost/cb?mcc_mnc=901_01&subscriber_id=abc123",
			want: ParsedRedirect{SelectedMCC: "901", SelectedMNC: "01", EncryptedSubscriberID: "abc123"},
		},
		{
			url:  "http://localhost/cb?MCC_MNC=234_15",
			want: ParsedRedirect{SelectedMCC: "234", SelectedMNC: "15"},
		},
		{
			url:  "http://localhost/cb?mcc_mnc=901",
			want: ParsedRedirect{},
		},
		{
			url:  "http://localhost/cb?mcc_mnc=901_01_02&subscriber_id=x",
			want: ParsedRedirect{EncryptedSubscriberID: "x"},
		},
		{
			url:  "http://localhost/cb?mcc_mnc=_01",
			want: ParsedRedirect{},
		},
		{
			url:  "http://localhost/cb",
			want: ParsedRedirect{},
		},
	}
	for _, tc := range tests {
		got, err := ParseDiscoveryRedirect(tc.url)
		if err != nil {
			t.Fatalf("ParseDiscoveryRedirect(%q) returned error: %v", tc.url, err)
		}
		if got != tc.want {
			t.Errorf("ParseDiscoveryRedirect(%q) = %+v, want %+v", tc.url, got, tc.want)
		}
	}
}

func TestParseDiscoveryRedirectHasIdentifiers(t *testing.T) {
	got, _ := ParseDiscoveryRedirect("http://localhost/cb?mcc_mnc=901_01")
	if !got.HasIdentifiers() {
		t.Fatalf("expected identifiers in %+v", got)
	}
	got, _ = ParseDiscoveryRedirect("http://localhost/cb?subscriber_id=abc")
	if got.HasIdentifiers() {
		t.Fatalf("unexpected identifiers in %+v", got)
	}
}

func TestParseDiscoveryRedirectRequiresURL(t *testing.T) {
	_, err := ParseDiscoveryRedirect("")
	if !errors.Is(err, mcerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
