package ucs

import (
	"errors"
	"fmt"
	"strings"
)

// Column describes one column of a backing table as the database reports it.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// CheckColumns compares the columns a database reports for table against the
// wanted layout. Type names are compared case-insensitively.
func CheckColumns(table string, want []Column, have []Column) error {
	if len(have) == 0 {
		return fmt.Errorf("table %s does not exist", table)
	}

	byName := make(map[string]Column, len(have))
	for _, c := range have {
		byName[c.Name] = c
	}

	var missing []string
	var problems []error
	for _, w := range want {
		h, ok := byName[w.Name]
		if !ok {
			missing = append(missing, w.Name)
			continue
		}
		if !strings.EqualFold(h.Type, w.Type) {
			problems = append(problems, fmt.Errorf("%s: expected %s, got %s", w.Name, w.Type, strings.ToLower(h.Type)))
		}
		if h.Nullable != w.Nullable {
			problems = append(problems, fmt.Errorf("%s: expected nullable=%t, got nullable=%t", w.Name, w.Nullable, h.Nullable))
		}
	}

	if len(missing) > 0 {
		problems = append([]error{fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))}, problems...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("table %s has an unexpected layout: %w", table, errors.Join(problems...))
	}
	return nil
}
