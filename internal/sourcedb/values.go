package sourcedb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coldstore/archiver/internal/codec"
)

// normalizeValue converts a driver value into the codec value model using
// the introspected column type. lib/pq hands back text columns as []byte, so
// the type name decides between string, decimal, JSON and true binary.
func normalizeValue(v any, dataType string) (any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return vv, nil
	case int64:
		return vv, nil
	case float64:
		return vv, nil
	case time.Time:
		// Timezone-naive columns arrive in the session zone; pin to UTC so
		// the encoding renders a Z suffix. The column type is recorded in the
		// metadata record.
		return vv.UTC(), nil
	case string:
		return normalizeText(vv, dataType)
	case []byte:
		if isBinaryType(dataType) {
			cp := make([]byte, len(vv))
			copy(cp, vv)
			return cp, nil
		}
		return normalizeText(string(vv), dataType)
	default:
		return nil, fmt.Errorf("unsupported driver value type %T", v)
	}
}

func normalizeText(s, dataType string) (any, error) {
	dt := strings.ToLower(dataType)
	switch {
	case dt == "numeric" || dt == "decimal" || strings.HasPrefix(dt, "numeric("):
		return codec.Decimal(s), nil
	case dt == "json" || dt == "jsonb":
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("invalid JSON in %s column", dataType)
		}
		return json.RawMessage(s), nil
	case strings.HasSuffix(dt, "range"):
		return parseRange(s)
	default:
		// Text, uuid, arrays, intervals and user-defined types travel in
		// their textual form.
		return s, nil
	}
}

func isBinaryType(dataType string) bool {
	return strings.EqualFold(dataType, "bytea")
}

// parseRange splits Postgres range output like "[2024-01-01,2024-02-01)"
// into the fixed-shape encoding. "empty" maps to empty bounds.
func parseRange(s string) (codec.Range, error) {
	if s == "empty" {
		return codec.Range{Bounds: "empty"}, nil
	}
	if len(s) < 2 {
		return codec.Range{}, fmt.Errorf("malformed range %q", s)
	}
	lowerBound, upperBound := s[0], s[len(s)-1]
	if (lowerBound != '[' && lowerBound != '(') || (upperBound != ']' && upperBound != ')') {
		return codec.Range{}, fmt.Errorf("malformed range %q", s)
	}
	body := s[1 : len(s)-1]
	comma := splitRangeBody(body)
	if comma < 0 {
		return codec.Range{}, fmt.Errorf("malformed range %q", s)
	}
	return codec.Range{
		Lower:  strings.Trim(body[:comma], `"`),
		Upper:  strings.Trim(body[comma+1:], `"`),
		Bounds: string(lowerBound) + string(upperBound),
	}, nil
}

// splitRangeBody finds the separating comma, skipping quoted segments.
func splitRangeBody(body string) int {
	inQuote := false
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}
