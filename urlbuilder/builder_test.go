package urlbuilder

import (
	"net/url"
	"strings"
	"testing"
)

func TestBuildOmitsEmptyAndKeepsOrder(t *testing.T) {
	b := New("https://discovery.example.com/v2/discovery").
		Add("a", "1").
		Add("b", "").
		Add("c", "2")

	got, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	want := "https://discovery.example.com/v2/discovery?a=1&c=2"
	if got != want {
		t.Fatalf("url mismatch: got %q want %q", got, want)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse built url: %v", err)
	}
	q := u.Query()
	if q.Get("a") != "1" || q.Get("c") != "2" {
		t.Fatalf("unexpected query values: %v", q)
	}
	if _, ok := q["b"]; ok {
		t.Fatalf("expected b to be omitted, got %v", q)
	}
	if strings.Index(u.RawQuery, "a=") > strings.Index(u.RawQuery, "c=") {
		t.Fatalf("parameter order not preserved: %q", u.RawQuery)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	b := New("https://op.example.com/authorize").Add("scope", "openid profile").AddBool("x", false)
	first, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	second, _ := b.Build()
	if first != second {
		t.Fatalf("Build not idempotent: %q vs %q", first, second)
	}
	if !strings.Contains(first, "scope=openid+profile") {
		t.Fatalf("expected encoded scope, got %q", first)
	}
	if !strings.HasSuffix(first, "x=false") {
		t.Fatalf("expected boolean parameter, got %q", first)
	}
}

func TestBuildKeepsExistingQuery(t *testing.T) {
	got, err := New("https://op.example.com/authorize?tenant=a").Add("nonce", "n").Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if got != "https://op.example.com/authorize?tenant=a&nonce=n" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestBuildRejectsRelativeBase(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative/path"} {
		if _, err := New(base).Build(); err == nil {
			t.Fatalf("expected error for base %q", base)
		}
	}
}

func TestValuesAndLookup(t *testing.T) {
	v := New("https://x").Add("code", "abc").AddInt("max_age", 3600).Values()
	if v.Get("code") != "abc" || v.Get("max_age") != "3600" {
		t.Fatalf("unexpected values: %v", v)
	}

	q, _ := url.ParseQuery("Subscriber_id=abc&MCC_MNC=234_15")
	if got := Lookup(q, "subscriber_id"); got != "abc" {
		t.Fatalf("Lookup subscriber_id = %q", got)
	}
	if got := Lookup(q, "mcc_mnc"); got != "234_15" {
		t.Fatalf("Lookup mcc_mnc = %q", got)
	}
	if got := Lookup(q, "missing"); got != "" {
		t.Fatalf("expected empty lookup, got %q", got)
	}
}
