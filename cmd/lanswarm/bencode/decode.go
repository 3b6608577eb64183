package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is wrapped by every decoding failure, including
// non-canonical input (unordered or duplicate dictionary keys,
// zero-padded integers).
var ErrMalformed = errors.New("malformed bencode")

// Decode decodes the first bencoded value in data and returns it together
// with the number of bytes consumed. Dictionaries decode to map[string]any,
// lists to []any, integers to int and byte strings to string.
func Decode[T any](data []byte) (T, int, error) {
	var result T
	if len(data) == 0 {
		return result, 0, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	switch {
	case data[0] >= '0' && data[0] <= '9':
		str, length, err := decodeString(data)
		if err != nil {
			return result, 0, err
		}
		v, ok := any(str).(T)
		if !ok {
			return result, 0, fmt.Errorf("%w: decoded %T, want %T", ErrMalformed, str, result)
		}
		return v, length, nil
	case data[0] == 'i':
		intVal, length, err := decodeInteger(data)
		if err != nil {
			return result, 0, err
		}
		v, ok := any(intVal).(T)
		if !ok {
			return result, 0, fmt.Errorf("%w: decoded %T, want %T", ErrMalformed, intVal, result)
		}
		return v, length, nil
	case data[0] == 'l':
		list, length, err := decodeList(data)
		if err != nil {
			return result, 0, err
		}
		v, ok := any(list).(T)
		if !ok {
			return result, 0, fmt.Errorf("%w: decoded %T, want %T", ErrMalformed, list, result)
		}
		return v, length, nil
	case data[0] == 'd':
		dict, length, err := decodeDictionary(data)
		if err != nil {
			return result, 0, err
		}
		v, ok := any(dict).(T)
		if !ok {
			return result, 0, fmt.Errorf("%w: decoded %T, want %T", ErrMalformed, dict, result)
		}
		return v, length, nil
	default:
		return result, 0, fmt.Errorf("%w: unsupported type prefix %q", ErrMalformed, data[0])
	}
}

// RawValue returns the original byte span of a top-level dictionary value.
// Metainfo hashing wants the info dictionary exactly as it appeared on disk,
// not a re-encoding of it.
func RawValue(data []byte, key string) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformed)
	}

	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		k, n, err := decodeString(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("invalid dictionary key: %w", err)
		}
		pos += n

		_, n, err = Decode[any](data[pos:])
		if err != nil {
			return nil, err
		}
		if k == key {
			return data[pos : pos+n], nil
		}
		pos += n
	}

	return nil, fmt.Errorf("%w: key %q not found", ErrMalformed, key)
}

func decodeDictionary(data []byte) (map[string]any, int, error) {
	result := make(map[string]any)
	pos := 1 // past the 'd'
	var prevKey string

	for pos < len(data) {
		if data[pos] == 'e' {
			return result, pos + 1, nil
		}

		key, keyLength, err := decodeString(data[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("invalid dictionary key: %w", err)
		}
		if len(result) > 0 && bytes.Compare([]byte(prevKey), []byte(key)) >= 0 {
			return nil, 0, fmt.Errorf("%w: dictionary keys out of order at %q", ErrMalformed, key)
		}
		pos += keyLength
		prevKey = key

		value, valueLength, err := Decode[any](data[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("invalid dictionary value for %q: %w", key, err)
		}
		pos += valueLength
		result[key] = value
	}

	return nil, 0, fmt.Errorf("%w: dictionary missing end marker", ErrMalformed)
}

func decodeList(data []byte) ([]any, int, error) {
	result := make([]any, 0)
	pos := 1 // past the 'l'

	for pos < len(data) {
		if data[pos] == 'e' {
			return result, pos + 1, nil
		}

		value, consumed, err := Decode[any](data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += consumed
		result = append(result, value)
	}

	return nil, 0, fmt.Errorf("%w: list missing end marker", ErrMalformed)
}

func decodeInteger(data []byte) (int, int, error) {
	end := bytes.IndexByte(data, 'e')
	if end == -1 {
		return 0, 0, fmt.Errorf("%w: integer missing 'e' terminator", ErrMalformed)
	}

	numStr := string(data[1:end])
	digits := numStr
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" {
		return 0, 0, fmt.Errorf("%w: empty integer", ErrMalformed)
	}
	if len(digits) > 1 && digits[0] == '0' || numStr == "-0" {
		return 0, 0, fmt.Errorf("%w: zero-padded integer %q", ErrMalformed, numStr)
	}

	num, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid integer %q", ErrMalformed, numStr)
	}

	return num, end + 1, nil
}

func decodeString(data []byte) (string, int, error) {
	colon := bytes.IndexByte(data, ':')
	if colon == -1 {
		return "", 0, fmt.Errorf("%w: string missing colon separator", ErrMalformed)
	}

	lengthStr := string(data[:colon])
	if len(lengthStr) > 1 && lengthStr[0] == '0' {
		return "", 0, fmt.Errorf("%w: zero-padded string length %q", ErrMalformed, lengthStr)
	}
	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		return "", 0, fmt.Errorf("%w: invalid string length %q", ErrMalformed, lengthStr)
	}

	start := colon + 1
	if start+length > len(data) {
		return "", 0, fmt.Errorf("%w: string truncated, want %d bytes", ErrMalformed, length)
	}

	return string(data[start : start+length]), start + length, nil
}
