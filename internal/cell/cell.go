// Package cell converts spreadsheet cell references such as "AA100" to (row, column) pairs and back.
// Columns use bijective base-26: A=1 ... Z=26, AA=27 ... ZZ=702.
package cell

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a parsed cell reference. Row and Column are 1-based.
type Address struct {
	Row     int
	Column  int
	Address string
}

func (a Address) String() string { return a.Address }

// InvalidReferenceError reports a reference that does not match letters followed by digits.
type InvalidReferenceError struct {
	Ref    string
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid cell reference %q: %s", e.Ref, e.Reason)
}

// InvalidRowError reports a row number below 1.
type InvalidRowError struct {
	Ref string
	Row int
}

func (e *InvalidRowError) Error() string {
	return fmt.Sprintf("invalid row in cell reference %q: %d", e.Ref, e.Row)
}

// Normalize trims and uppercases a reference.
func Normalize(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Parse decodes ref into an Address.
func Parse(ref string) (Address, error) {
	norm := Normalize(ref)
	letters, digits, err := split(ref, norm)
	if err != nil {
		return Address{}, err
	}
	col, err := ColumnIndex(letters)
	if err != nil {
		return Address{}, &InvalidReferenceError{Ref: ref, Reason: err.Error()}
	}
	row, err := strconv.Atoi(digits)
	if err != nil {
		return Address{}, &InvalidReferenceError{Ref: ref, Reason: "row out of range"}
	}
	if row < 1 {
		return Address{}, &InvalidRowError{Ref: ref, Row: row}
	}
	// "A02" would not survive Format(Parse(s)) == Normalize(s).
	if digits[0] == '0' {
		return Address{}, &InvalidReferenceError{Ref: ref, Reason: "leading zero in row"}
	}
	return Address{Row: row, Column: col, Address: norm}, nil
}

// ParseRow returns the row number of ref.
func ParseRow(ref string) (int, error) {
	a, err := Parse(ref)
	if err != nil {
		return 0, err
	}
	return a.Row, nil
}

// ParseColumn returns the column number of ref.
func ParseColumn(ref string) (int, error) {
	a, err := Parse(ref)
	if err != nil {
		return 0, err
	}
	return a.Column, nil
}

// IsValid reports whether ref parses.
func IsValid(ref string) bool {
	_, err := Parse(ref)
	return err == nil
}

// Format builds the reference for a 1-based row and column.
func Format(row, col int) (string, error) {
	if row < 1 {
		return "", &InvalidRowError{Ref: fmt.Sprintf("R%dC%d", row, col), Row: row}
	}
	name, err := ColumnName(col)
	if err != nil {
		return "", err
	}
	return name + strconv.Itoa(row), nil
}

// ColumnName encodes a 1-based column as letters.
func ColumnName(col int) (string, error) {
	if col < 1 {
		return "", &InvalidReferenceError{Ref: strconv.Itoa(col), Reason: "column must be >= 1"}
	}
	var buf []byte
	for col > 0 {
		buf = append(buf, byte('A'+(col-1)%26))
		col = (col - 1) / 26
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

// ColumnIndex decodes column letters (case-insensitive) into a 1-based column.
func ColumnIndex(letters string) (int, error) {
	letters = Normalize(letters)
	if letters == "" {
		return 0, &InvalidReferenceError{Ref: letters, Reason: "missing column letters"}
	}
	col := 0
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		if c < 'A' || c > 'Z' {
			return 0, &InvalidReferenceError{Ref: letters, Reason: "column letters must be A-Z"}
		}
		col = col*26 + int(c-'A'+1)
		if col > maxColumn {
			return 0, &InvalidReferenceError{Ref: letters, Reason: "column out of range"}
		}
	}
	return col, nil
}

// maxColumn guards against overflow on absurd inputs; far beyond any spreadsheet's limit.
const maxColumn = 1 << 40

func split(ref, norm string) (letters, digits string, err error) {
	i := 0
	for i < len(norm) && norm[i] >= 'A' && norm[i] <= 'Z' {
		i++
	}
	j := i
	for j < len(norm) && norm[j] >= '0' && norm[j] <= '9' {
		j++
	}
	switch {
	case norm == "":
		return "", "", &InvalidReferenceError{Ref: ref, Reason: "empty reference"}
	case i == 0:
		return "", "", &InvalidReferenceError{Ref: ref, Reason: "missing column letters"}
	case j == i:
		return "", "", &InvalidReferenceError{Ref: ref, Reason: "missing row digits"}
	case j != len(norm):
		return "", "", &InvalidReferenceError{Ref: ref, Reason: "unexpected character"}
	}
	return norm[:i], norm[i:], nil
}
