package security

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secrets := []string{
		"api-key-123",
		"",
		"a longer secret with spaces and symbols !@#$",
	}

	for _, secret := range secrets {
		sealed, err := EncryptString(secret)
		if err != nil {
			t.Fatalf("encrypt %q: %v", secret, err)
		}
		opened, err := DecryptString(sealed)
		if err != nil {
			t.Fatalf("decrypt %q: %v", secret, err)
		}
		if opened != secret {
			t.Fatalf("round trip mismatch: %q != %q", opened, secret)
		}
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	if _, err := DecryptString("not-base64!!!"); err == nil {
		t.Fatal("expected error on invalid base64")
	}
	if _, err := DecryptString("aGVsbG8="); err == nil {
		t.Fatal("expected error on too-short ciphertext")
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	first, err := EncryptString("secret")
	if err != nil {
		t.Fatal(err)
	}
	second, err := EncryptString("secret")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("nonce reuse: two encryptions produced identical ciphertext")
	}
}
