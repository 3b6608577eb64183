package bencode

import (
	"fmt"
	"slices"
	"strconv"
)

// Encode serializes value into canonical bencode: dictionary keys sorted
// lexicographically as byte strings, no padding anywhere.
func Encode(value any) ([]byte, error) {
	return appendValue(nil, value)
}

func appendValue(dst []byte, value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, ':')
		return append(dst, v...), nil
	case []byte: // piece digests, compact peer lists
		dst = strconv.AppendInt(dst, int64(len(v)), 10)
		dst = append(dst, ':')
		return append(dst, v...), nil
	case int:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, int64(v), 10)
		return append(dst, 'e'), nil
	case int64:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v, 10)
		return append(dst, 'e'), nil
	case []any:
		dst = append(dst, 'l')
		for _, item := range v {
			var err error
			dst, err = appendValue(dst, item)
			if err != nil {
				return nil, fmt.Errorf("failed to encode list item: %w", err)
			}
		}
		return append(dst, 'e'), nil
	case map[string]any:
		dst = append(dst, 'd')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, key := range keys {
			var err error
			dst, err = appendValue(dst, key)
			if err != nil {
				return nil, fmt.Errorf("failed to encode dictionary key: %w", err)
			}
			dst, err = appendValue(dst, v[key])
			if err != nil {
				return nil, fmt.Errorf("failed to encode value for %q: %w", key, err)
			}
		}
		return append(dst, 'e'), nil
	default:
		return nil, fmt.Errorf("unsupported type for bencode encoding: %T", value)
	}
}
