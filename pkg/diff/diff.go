// Package diff compares the output of a program with the expected answer.
//
// White spaces at the end of each line and empty lines at the end of file
// are ignored.
package diff

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode"
)

const maxLineSize = 64 << 20

// MismatchError reports the first line where the contents differ
type MismatchError struct {
	Line     int
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("at line %d, expected: %q, actual: %q", e.Line, truncate(e.Expected), truncate(e.Actual))
}

// IsMismatch reports whether err means the contents differ, as opposed to
// a read failure
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}

// Compare compares actual with expected.
// It returns nil if they are the same except spaces at line / file ending,
// *MismatchError if they differ, or the read error.
func Compare(expected, actual io.Reader) error {
	expScan := newScanner(expected)
	actScan := newScanner(actual)

	for line := 1; ; line++ {
		exp, hasExp := scanTrimRight(expScan)
		act, hasAct := scanTrimRight(actScan)
		if err := scanErr(expScan, actScan); err != nil {
			return err
		}

		// EOF at the same time
		if !hasExp && !hasAct {
			return nil
		}
		if exp != act {
			return &MismatchError{Line: line, Expected: exp, Actual: act}
		}
		if hasExp && hasAct {
			continue
		}
		// one side ended, the rest of the other side must be blank
		if err := verifyEOFSpace(line, true, expScan); err != nil {
			return err
		}
		if err := verifyEOFSpace(line, false, actScan); err != nil {
			return err
		}
		return scanErr(expScan, actScan)
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return sc
}

func scanErr(scs ...*bufio.Scanner) error {
	for _, sc := range scs {
		if err := sc.Err(); err != nil {
			return err
		}
	}
	return nil
}

func scanTrimRight(sc *bufio.Scanner) (string, bool) {
	if sc.Scan() {
		return trimRight(sc), true
	}
	return "", false
}

func verifyEOFSpace(line int, expected bool, sc *bufio.Scanner) error {
	for sc.Scan() {
		line++
		if v := trimRight(sc); v != "" {
			if expected {
				return &MismatchError{Line: line, Expected: v}
			}
			return &MismatchError{Line: line, Actual: v}
		}
	}
	return nil
}

func trimRight(sc *bufio.Scanner) string {
	return string(bytes.TrimRightFunc(sc.Bytes(), unicode.IsSpace))
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
