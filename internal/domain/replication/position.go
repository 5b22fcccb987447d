// Package replication models the change-data-capture stream: binlog positions,
// row events and the ports the relay uses to read, send and checkpoint them.
package replication

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Position identifies an event's place in the source binlog. Positions are
// comparable values and are totally ordered by Compare.
type Position struct {
	File   string
	Offset uint64
}

// Identifier returns the position in the format "file:offset".
func (p Position) Identifier() string { return fmt.Sprintf("%s:%d", p.File, p.Offset) }

// String implements fmt.Stringer.
func (p Position) String() string { return p.Identifier() }

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool { return p == Position{} }

// Validate checks that the position names a binlog file.
func (p Position) Validate() error {
	if p.File == "" {
		return errors.New("position has no binlog file")
	}
	if strings.ContainsRune(p.File, ':') {
		return fmt.Errorf("invalid binlog file name %q", p.File)
	}
	return nil
}

// Compare returns -1, 0 or +1 as p sorts before, equal to or after o. Binlog
// files are ordered by their numeric sequence suffix when both files share a
// base name (mysql-bin.000010 sorts after mysql-bin.000009), lexically
// otherwise; offsets break ties within a file.
func (p Position) Compare(o Position) int {
	if c := compareFiles(p.File, o.File); c != 0 {
		return c
	}
	return cmp.Compare(p.Offset, o.Offset)
}

// Less reports whether p sorts before o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

func compareFiles(a, b string) int {
	if a == b {
		return 0
	}

	aBase, aSeq, aOK := splitSequence(a)
	bBase, bSeq, bOK := splitSequence(b)
	if aOK && bOK && aBase == bBase {
		return cmp.Compare(aSeq, bSeq)
	}
	return strings.Compare(a, b)
}

// splitSequence splits "mysql-bin.000042" into ("mysql-bin", 42).
func splitSequence(file string) (string, uint64, bool) {
	dot := strings.LastIndexByte(file, '.')
	if dot < 0 || dot == len(file)-1 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(file[dot+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return file[:dot], seq, true
}

// ParsePosition parses the "file:offset" form produced by Identifier.
func ParsePosition(s string) (Position, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Position{}, fmt.Errorf("invalid position %q: expected file:offset", s)
	}

	offset, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position offset in %q: %w", s, err)
	}

	p := Position{File: s[:idx], Offset: offset}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}
