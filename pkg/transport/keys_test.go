package transport

import (
	"net/http"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestSeededHostKeyIsDeterministic(t *testing.T) {
	k1, err := GenerateHostKey("build-controller-seed")
	if err != nil {
		t.Fatalf("GenerateHostKey() returned error: %s", err)
	}
	k2, err := GenerateHostKey("build-controller-seed")
	if err != nil {
		t.Fatalf("GenerateHostKey() returned error: %s", err)
	}
	if string(k1) != string(k2) {
		t.Error("same seed produced different host keys")
	}

	k3, err := GenerateHostKey("another-seed")
	if err != nil {
		t.Fatalf("GenerateHostKey() returned error: %s", err)
	}
	if string(k1) == string(k3) {
		t.Error("different seeds produced the same host key")
	}
}

func TestFingerprintKeyFormat(t *testing.T) {
	pem, err := GenerateHostKey("fingerprint-seed")
	if err != nil {
		t.Fatalf("GenerateHostKey() returned error: %s", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		t.Fatalf("generated key failed to parse: %s", err)
	}
	fp := FingerprintKey(signer.PublicKey())
	parts := strings.Split(fp, ":")
	if len(parts) != 16 {
		t.Fatalf("fingerprint %q has %d groups; expected 16", fp, len(parts))
	}
	for _, p := range parts {
		if len(p) != 2 {
			t.Errorf("fingerprint group %q is not two hex digits", p)
		}
	}

	// Deterministic key, deterministic fingerprint.
	if again := FingerprintKey(signer.PublicKey()); again != fp {
		t.Errorf("fingerprint is unstable: %q then %q", fp, again)
	}
}

func TestAuthorizeRequest(t *testing.T) {
	r, _ := http.NewRequest("GET", "/", nil)
	if !authorizeRequest(r, "") {
		t.Error("empty expected token must disable authentication")
	}
	if authorizeRequest(r, "secret") {
		t.Error("request without credentials was authorized")
	}
	r.Header = authHeader("secret")
	if !authorizeRequest(r, "secret") {
		t.Error("matching token was rejected")
	}
	r.Header = authHeader("not-the-secret")
	if authorizeRequest(r, "secret") {
		t.Error("mismatched token was authorized")
	}
}
