package proair

import "testing"

func TestCipherBoxRoundTrip(t *testing.T) {
	box, err := newCipherBox("0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}

	for _, plain := range []string{"", "x", "token_42", "a longer payload that spans multiple aes blocks for padding"} {
		enc, err := box.encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		got, err := box.decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

// Vectors computed with the vendor scheme: AES-256-CBC,
// key = SHA-256(deviceID[:8] + salt), zero IV, PKCS#7, base64.
func TestCipherBoxKnownVectors(t *testing.T) {
	tests := []struct {
		deviceID string
		plain    string
		want     string
	}{
		{"0123456789abcdef", "token_42", "DiLD6sNNbDN5gwmIAxVeiA=="},
		{"a1b2c3d4e5f60718", "SESSIONXYZ_107", "VLGajcrjYYG+xHBBbJ7Khg=="},
	}
	for _, tt := range tests {
		box, err := newCipherBox(tt.deviceID)
		if err != nil {
			t.Fatal(err)
		}
		got, err := box.encrypt(tt.plain)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("encrypt(%q) = %q, want %q", tt.plain, got, tt.want)
		}
		back, err := box.decrypt(tt.want)
		if err != nil {
			t.Fatal(err)
		}
		if back != tt.plain {
			t.Errorf("decrypt = %q, want %q", back, tt.plain)
		}
	}
}

func TestCipherBoxOnlyFirstEightCharsMatter(t *testing.T) {
	a, err := newCipherBox("0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	b, err := newCipherBox("01234567ffffffff")
	if err != nil {
		t.Fatal(err)
	}

	enc, err := a.encrypt("shared")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "shared" {
		t.Errorf("decrypt with same 8-char prefix = %q, want %q", got, "shared")
	}
}

func TestCipherBoxShortDeviceID(t *testing.T) {
	if _, err := newCipherBox("short"); err == nil {
		t.Error("expected error for short device id")
	}
}

func TestCipherBoxRejectsGarbage(t *testing.T) {
	box, err := newCipherBox("0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := box.decrypt("not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	// Valid base64 but not a whole number of blocks.
	if _, err := box.decrypt("AAAA"); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}

func TestGenerateDeviceID(t *testing.T) {
	id, err := GenerateDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 16 {
		t.Fatalf("len = %d, want 16", len(id))
	}
	other, err := GenerateDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if id == other {
		t.Error("two generated ids are equal")
	}
	if _, err := newCipherBox(id); err != nil {
		t.Errorf("generated id rejected: %v", err)
	}
}
