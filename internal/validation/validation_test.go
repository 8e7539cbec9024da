package validation

import "testing"

func TestIsValidOverlayAddress(t *testing.T) {
	valid := []string{
		"expmfuo4pkttoxtw6nn5o3bswxqcjyaqkrvbyun5rlts5zplay7nzhid.onion:9999",
		"localhost:3000",
		"seed1.example.net:8000",
	}
	for _, addr := range valid {
		if !IsValidOverlayAddress(addr) {
			t.Errorf("IsValidOverlayAddress(%q) = false, want true", addr)
		}
	}

	invalid := []string{
		"",
		"no-port.onion",
		"spaces in host:80",
		":9999",
	}
	for _, addr := range invalid {
		if IsValidOverlayAddress(addr) {
			t.Errorf("IsValidOverlayAddress(%q) = true, want false", addr)
		}
	}
}

func TestIsValidOnionAddress(t *testing.T) {
	if !IsValidOnionAddress("expmfuo4pkttoxtw6nn5o3bswxqcjyaqkrvbyun5rlts5zplay7nzhid.onion:9999") {
		t.Error("v3 onion address rejected")
	}
	if IsValidOnionAddress("localhost:3000") {
		t.Error("clearnet address accepted as onion")
	}
}

func TestIsValidTradeID(t *testing.T) {
	if !IsValidTradeID("86373-ab12cd34-5f1e-4c3a-9") {
		t.Error("uuid-ish trade id rejected")
	}
	if IsValidTradeID("ab") {
		t.Error("too-short trade id accepted")
	}
	if IsValidTradeID("has spaces") {
		t.Error("trade id with spaces accepted")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q", got)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("trade_id", ""),
		ValidOverlayAddress("sender", "not an address"),
		MaxLength("summary", "xxxx", 2),
	)
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("ValidationErrors.Error() empty")
	}
}

func TestValidateAllPass(t *testing.T) {
	errs := Validate(
		Required("trade_id", "trade-1"),
		ValidTradeID("trade_id", "trade-1"),
		ValidOverlayAddress("sender", "localhost:3000"),
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}
