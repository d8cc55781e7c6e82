package storage

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// IsBusy reports whether err is a sqlite busy/locked condition that clears
// once the competing writer commits.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY violation.
// When columns are given, the violated constraint must name one of them
// (sqlite reports it as "table.column").
func IsUniqueViolation(err error, columns ...string) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	if len(columns) == 0 {
		return true
	}
	msg := se.Error()
	for _, c := range columns {
		if strings.Contains(msg, c) {
			return true
		}
	}
	return false
}
