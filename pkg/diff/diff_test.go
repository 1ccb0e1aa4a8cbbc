package diff

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		exp, act string
		line     int // 0 means equal
	}{
		{"same", "1 2\n3\n", "1 2\n3\n", 0},
		{"trailing spaces", "1 2\n3\n", "1 2   \n3\t\n", 0},
		{"missing final newline", "1\n2\n", "1\n2", 0},
		{"trailing blank lines", "1\n", "1\n\n  \n", 0},
		{"expected trailing blank lines", "1\n\n\n", "1", 0},
		{"crlf", "1\n2\n", "1\r\n2\r\n", 0},
		{"different", "1\n2\n", "1\n3\n", 2},
		{"leading space matters", "1\n", " 1\n", 1},
		{"extra line", "1\n", "1\n2\n", 2},
		{"missing line", "1\n2\n", "1\n", 2},
		{"empty output", "1\n", "", 1},
		{"both empty", "", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Compare(strings.NewReader(tc.exp), strings.NewReader(tc.act))
			if tc.line == 0 {
				if err != nil {
					t.Fatalf("expected equal, got %v", err)
				}
				return
			}
			var m *MismatchError
			if !errors.As(err, &m) {
				t.Fatalf("expected mismatch, got %v", err)
			}
			if m.Line != tc.line {
				t.Fatalf("mismatch at line %d, want %d", m.Line, tc.line)
			}
		})
	}
}

func TestCompareLongLine(t *testing.T) {
	long := strings.Repeat("9", 1<<20)
	if err := Compare(strings.NewReader(long+"\n"), strings.NewReader(long)); err != nil {
		t.Fatal(err)
	}
	err := Compare(strings.NewReader(long), strings.NewReader(long+"8"))
	if !IsMismatch(err) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if len(err.Error()) > 256 {
		t.Fatal("error message not truncated")
	}
}

func TestCompareReadError(t *testing.T) {
	readErr := errors.New("disk")
	err := Compare(strings.NewReader("1\n"), iotest.ErrReader(readErr))
	if !errors.Is(err, readErr) || IsMismatch(err) {
		t.Fatalf("expected read error, got %v", err)
	}
}
