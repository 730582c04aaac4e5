package cryptoutil

import "testing"

func TestSHA256Hex_KnownVectors(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{`{"a":1}`, "015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862"},
	}
	for _, tt := range tests {
		if got := SHA256Hex([]byte(tt.in)); got != tt.want {
			t.Errorf("SHA256Hex(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestHashEqual(t *testing.T) {
	a := SHA256Hex([]byte("x"))
	if !HashEqual(a, a) {
		t.Fatal("identical hashes should be equal")
	}
	if HashEqual(a, SHA256Hex([]byte("y"))) {
		t.Fatal("different hashes should differ")
	}
	if HashEqual(a, "") || !HashEqual("", "") {
		t.Fatal("empty hash handling wrong")
	}
}

func TestShortHash(t *testing.T) {
	if got := ShortHash("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("ShortHash = %q", got)
	}
	if got := ShortHash("abc"); got != "abc" {
		t.Fatalf("ShortHash(short) = %q", got)
	}
}
