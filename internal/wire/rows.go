package wire

import (
	"fmt"
	"strings"

	"github.com/zde37/simpledht/pkg"
)

// PackRows folds rows into a key field and a value field with matching positions.
// No rows at all is signalled with NoSuchKey in both fields.
func PackRows(rows []pkg.Entry) (keys, values string) {
	if len(rows) == 0 {
		return NoSuchKey, NoSuchKey
	}

	ks := make([]string, len(rows))
	vs := make([]string, len(rows))
	for i, r := range rows {
		ks[i] = r.Key
		vs[i] = r.Value
	}
	return strings.Join(ks, RowSeparator), strings.Join(vs, RowSeparator)
}

// UnpackRows reverses PackRows.
func UnpackRows(keys, values string) ([]pkg.Entry, error) {
	if keys == NoSuchKey {
		return nil, nil
	}

	ks := strings.Split(keys, RowSeparator)
	vs := strings.Split(values, RowSeparator)
	if len(ks) != len(vs) {
		return nil, fmt.Errorf("%w: %d keys but %d values", pkg.ErrMalformedMessage, len(ks), len(vs))
	}

	rows := make([]pkg.Entry, len(ks))
	for i := range ks {
		rows[i] = pkg.Entry{Key: ks[i], Value: vs[i]}
	}
	return rows, nil
}
