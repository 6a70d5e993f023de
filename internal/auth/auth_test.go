package auth

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/gatesim/model"
)

func TestSignAndCheck(t *testing.T) {
	dir := NewDirectory()
	for _, id := range []model.Identity{"A", "B"} {
		if err := dir.Enroll(id); err != nil {
			t.Fatalf("Enroll(%s): %v", id, err)
		}
	}
	payload := []byte("open gate 7")
	sig, err := dir.Sign(payload, "A")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := dir.CheckSignature(sig, payload)
	if err != nil || got != "A" {
		t.Fatalf("CheckSignature = %q, %v", got, err)
	}

	cases := []struct {
		name    string
		sig     Signature
		payload []byte
		want    error
	}{
		{"missing", Signature{}, payload, nil},
		{"tampered payload", sig, []byte("open gate 8"), ErrBadSignature},
		{"relabeled signer", Signature{Signer: "B", MAC: sig.MAC}, payload, ErrBadSignature},
		{"unknown signer", Signature{Signer: "Z", MAC: sig.MAC}, payload, ErrUnknownIdentity},
	}
	for _, tc := range cases {
		_, err := dir.CheckSignature(tc.sig, tc.payload)
		if !errors.Is(err, model.ErrAuthentication) {
			t.Fatalf("%s: err = %v, want authentication error", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestEnrollIsIdempotentAndRevokeInvalidates(t *testing.T) {
	dir := NewDirectory()
	_ = dir.Enroll("A")
	sig, _ := dir.Sign([]byte("x"), "A")
	if err := dir.Enroll("A"); err != nil {
		t.Fatalf("second Enroll: %v", err)
	}
	if _, err := dir.CheckSignature(sig, []byte("x")); err != nil {
		t.Fatalf("re-enrolling must keep the key: %v", err)
	}
	dir.Revoke("A")
	if _, err := dir.CheckSignature(sig, []byte("x")); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("revoked identity err = %v", err)
	}
	if _, err := dir.Sign([]byte("x"), "A"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("sign with revoked identity err = %v", err)
	}
	if err := dir.Enroll(""); err == nil {
		t.Fatalf("empty identity must be rejected")
	}
}
