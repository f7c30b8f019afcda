package session

import (
	"testing"

	"github.com/jsbattig/share-things-sub004/internal/models"
)

func TestVerifierEqual(t *testing.T) {
	v := NewPassphraseVerifier()

	testCases := []struct {
		name string
		a, b models.Fingerprint
		want bool
	}{
		{"identical", fp(0x01), fp(0x01), true},
		{"different data", fp(0x01), fp(0x02), false},
		{"different iv only", models.Fingerprint{IV: []byte{1, 2}, Data: []byte{3}}, models.Fingerprint{IV: []byte{9, 2}, Data: []byte{3}}, false},
		{"length mismatch", models.Fingerprint{IV: []byte{1}, Data: []byte{2}}, models.Fingerprint{IV: []byte{1, 0}, Data: []byte{2}}, false},
		{"both empty", models.Fingerprint{}, models.Fingerprint{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.Equal(tc.a, tc.b); got != tc.want {
				t.Errorf("Equal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerifierIgnoresSplitPoint(t *testing.T) {
	// The same bytes split differently between IV and data compare equal:
	// the verifier compares the concatenation only, and clients always
	// split 12/16, so concatenation equality is the contract.
	v := NewPassphraseVerifier()
	a := models.Fingerprint{IV: []byte{1, 2, 3}, Data: []byte{4, 5}}
	b := models.Fingerprint{IV: []byte{1, 2}, Data: []byte{3, 4, 5}}
	if !v.Equal(a, b) {
		t.Error("concatenation-equal fingerprints should compare equal")
	}
}

func TestTokenServiceRoundTrip(t *testing.T) {
	ts := NewTokenService("secret", 0)

	token, tokenID, err := ts.Issue("s1", "A")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if tokenID == "" {
		t.Fatal("token ID must not be empty")
	}

	claims, err := ts.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.SessionID != "s1" || claims.ClientID != "A" || claims.ID != tokenID {
		t.Errorf("claims = %+v", claims)
	}

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewTokenService("other-secret", 0)
		if _, err := other.Parse(token); err == nil {
			t.Error("token signed with another secret must not parse")
		}
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		if _, err := ts.Parse(token + "x"); err == nil {
			t.Error("tampered token must not parse")
		}
	})
}
