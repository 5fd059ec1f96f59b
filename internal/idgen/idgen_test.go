package idgen

import (
	"regexp"
	"testing"
)

func TestGenerateLength(t *testing.T) {
	id := Generate()
	if len(id) != 32 {
		t.Fatalf("len(id) = %d, want 32", len(id))
	}
}

func TestGenerateValidCharacters(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	id := Generate()
	if !valid.MatchString(id) {
		t.Fatalf("id contains invalid characters: %q", id)
	}
}

func TestGenerateUnique(t *testing.T) {
	a := Generate()
	b := Generate()
	if a == b {
		t.Fatal("two consecutive calls produced the same id")
	}
}
