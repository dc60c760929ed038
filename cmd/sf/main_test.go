package main

import "testing"

func TestParseSigner(t *testing.T) {
	s, err := parseSigner("id=B, name=Bob,email=bob@example.com,role=consultant")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "B" || s.Name != "Bob" || s.Email != "bob@example.com" || s.Role != "consultant" {
		t.Fatalf("unexpected signer %+v", s)
	}
	if _, err := parseSigner("name=Bob,phone=123"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := parseSigner("Bob"); err == nil {
		t.Fatal("expected error for missing '='")
	}
}
