package main

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestReadConfirmation(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"y", true},
		{"n\n", false},
		{"no\n", false},
		{"\n", false},
		{"anything else\n", false},
	}

	for _, tc := range cases {
		got, err := readConfirmation(strings.NewReader(tc.input))
		if err != nil {
			t.Fatalf("readConfirmation(%q) failed: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("readConfirmation(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestReadConfirmationFailureIsNotADecline(t *testing.T) {
	broken := iotest.ErrReader(errors.New("tty gone"))
	if _, err := readConfirmation(broken); err == nil {
		t.Fatal("expected an error for an unreadable prompt")
	}

	// A closed stdin (empty read) is an error too, not a silent no.
	if _, err := readConfirmation(strings.NewReader("")); err == nil {
		t.Fatal("expected an error for empty input")
	}
}
