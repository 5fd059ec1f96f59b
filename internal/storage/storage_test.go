package storage

import "testing"

func TestRewritePlaceholdersEmbedded(t *testing.T) {
	d := &DB{backend: BackendEmbedded}
	got := d.rewrite("SELECT * FROM nodes WHERE id = $1 AND status = $2")
	want := "SELECT * FROM nodes WHERE id = ? AND status = ?"
	if got != want {
		t.Fatalf("rewrite() = %q, want %q", got, want)
	}
}

func TestRewritePassthroughServer(t *testing.T) {
	d := &DB{backend: BackendServer}
	text := "SELECT * FROM nodes WHERE id = $1"
	if got := d.rewrite(text); got != text {
		t.Fatalf("rewrite() = %q, want unchanged %q", got, text)
	}
}

func TestBoolLiteral(t *testing.T) {
	embedded := &DB{backend: BackendEmbedded}
	if got := embedded.BoolLiteral(true); got != "1" {
		t.Fatalf("embedded true = %q, want 1", got)
	}
	if got := embedded.BoolLiteral(false); got != "0" {
		t.Fatalf("embedded false = %q, want 0", got)
	}
	server := &DB{backend: BackendServer}
	if got := server.BoolLiteral(true); got != "true" {
		t.Fatalf("server true = %q, want true", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "$1, $2, $3" {
		t.Fatalf("Placeholders(3) = %q", got)
	}
	if got := Placeholders(0); got != "" {
		t.Fatalf("Placeholders(0) = %q, want empty", got)
	}
}
