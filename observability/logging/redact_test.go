package logging

import "testing"

func TestMaskField(t *testing.T) {
	attr := MaskField("providerId", "card-provider-uuid")
	if got := attr.Value.String(); got != RedactedValue {
		t.Fatalf("providerId not masked: %q", got)
	}
	attr = MaskField("outcome", "success")
	if got := attr.Value.String(); got != "success" {
		t.Fatalf("allowlisted key masked: %q", got)
	}
	attr = MaskField("providerId", "")
	if got := attr.Value.String(); got != "" {
		t.Fatalf("empty value rewritten: %q", got)
	}
	for _, key := range []string{"providerId", "paymentId", "nonce", "token"} {
		if IsAllowlisted(key) {
			t.Fatalf("%s must not be allowlisted: %v", key, RedactionAllowlist())
		}
	}
}

func TestWalletAbbreviation(t *testing.T) {
	attr := Wallet("4c69ae1f-9d32-4c56-b1d1-07d0e1a3cbc6")
	if got := attr.Value.String(); got != "4c69ae1f…" {
		t.Fatalf("unexpected abbreviation: %q", got)
	}
	attr = Wallet("short")
	if got := attr.Value.String(); got != "short" {
		t.Fatalf("short id rewritten: %q", got)
	}
}
