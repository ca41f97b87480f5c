package target

import (
	"database/sql"
	"fmt"
	"time"
)

// NormalizeValue converts driver values into JSON-friendly forms.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

// ValueSize estimates the encoded size of a normalized value in bytes.
func ValueSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 4
	case string:
		return len(x) + 2
	case bool:
		return 5
	default:
		return len(fmt.Sprint(x))
	}
}

// ScanRow reads the current row into a slice of normalized values.
func ScanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		vals[i] = NormalizeValue(v)
	}
	return vals, nil
}
