package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire tags for values that do not survive a plain JSON round-trip: 64-bit
// integers lose precision once decoded as floats, and timestamps decode as
// strings. Tagged values are wrapped as single-key objects.
const (
	bigintTag = "__bigint__"
	dateTag   = "__date__"
)

// wireEntry is the envelope stored in the remote tier so entries carry the
// same metadata there as in the memory tier: {"v":..., "c":<unix-ms>, "t":[...]}.
type wireEntry struct {
	Value     json.RawMessage `json:"v"`
	CreatedAt int64           `json:"c"`
	Tags      []string        `json:"t,omitempty"`
}

// encodeEntry serializes a value plus metadata to the textual wire form.
func encodeEntry(value any, createdAt time.Time, tags []string) (string, error) {
	raw, err := json.Marshal(tagValue(value))
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}

	data, err := json.Marshal(wireEntry{
		Value:     raw,
		CreatedAt: createdAt.UnixMilli(),
		Tags:      tags,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	return string(data), nil
}

// decodeEntry reverses encodeEntry. Any failure is reported as an error so
// the caller can treat the read as a miss.
func decodeEntry(data string) (any, time.Time, []string, error) {
	var we wireEntry
	if err := json.Unmarshal([]byte(data), &we); err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("failed to decode entry: %w", err)
	}

	value, err := decodeValue(we.Value)
	if err != nil {
		return nil, time.Time{}, nil, err
	}
	return value, time.UnixMilli(we.CreatedAt), we.Tags, nil
}

// tagValue walks an any-tree and wraps values that need explicit tagging.
// Struct payloads pass through untouched: they marshal to exact JSON digits
// and typed callers decode them back via their own schema.
func tagValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]string{dateTag: val.UTC().Format(time.RFC3339Nano)}
	case int64:
		return map[string]string{bigintTag: strconv.FormatInt(val, 10)}
	case uint64:
		return map[string]string{bigintTag: strconv.FormatUint(val, 10)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = tagValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = tagValue(item)
		}
		return out
	default:
		return v
	}
}

// decodeValue parses raw JSON into an any-tree, unwrapping tagged values and
// keeping integer fidelity via json.Number.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return untagValue(v)
}

func untagValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if s, ok := val[bigintTag].(string); ok {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid bigint %q: %w", s, err)
				}
				return n, nil
			}
			if s, ok := val[dateTag].(string); ok {
				ts, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("invalid date %q: %w", s, err)
				}
				return ts, nil
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			decoded, err := untagValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := untagValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return f, nil
	default:
		return v, nil
	}
}
