package protoerr

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := New(NotAllowed, "principal not on allowlist")
	b := New(NotAllowed, "")
	if !errors.Is(a, b) {
		t.Fatal("expected errors with the same Kind to match via errors.Is")
	}

	c := New(InvalidToken, "")
	if errors.Is(a, c) {
		t.Fatal("expected different Kinds not to match")
	}
}

func TestStringFormatsKnownKinds(t *testing.T) {
	if StreamIDInUse.String() != "STREAM_ID_IN_USE" {
		t.Fatalf("unexpected string form: %s", StreamIDInUse.String())
	}
}
