package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestKeyTruncatesDigest(t *testing.T) {
	t.Parallel()

	got, err := Key("hello world", KeyLength)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if got != "b94d27b9934d3e08" {
		t.Fatalf("expected b94d27b9934d3e08, got %s", got)
	}
	for _, n := range []int{0, -1, 65} {
		if _, err := Key("x", n); err == nil {
			t.Fatalf("expected error for length %d", n)
		}
	}
}
