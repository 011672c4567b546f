package ticker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// DecodeFrame normalizes one stream frame into individual ticks. A frame is
// a tick object, an array of tick objects, or an object whose "data" field
// holds either. Control messages (objects with "type" or "event" but no
// symbolId) yield nothing.
//
// Valid entries are returned even when other entries in the same frame are
// rejected; the rejections are joined into the returned error.
func DecodeFrame(frame []byte) ([]domain.Tick, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, nil
	}

	entries, err := splitFrame(frame)
	if err != nil {
		return nil, &domain.DecodeError{Stage: "json", Err: err}
	}

	ticks := make([]domain.Tick, 0, len(entries))
	var errs []error
	for i, entry := range entries {
		if isControl(entry) {
			continue
		}
		t, err := decodeTick(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, errors.Join(errs...)
}

func splitFrame(frame []byte) ([]map[string]json.RawMessage, error) {
	switch frame[0] {
	case '[':
		var list []map[string]json.RawMessage
		if err := json.Unmarshal(frame, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(frame, &obj); err != nil {
			return nil, err
		}
		if _, hasSymbol := obj["symbolId"]; !hasSymbol {
			if data, ok := obj["data"]; ok {
				data = bytes.TrimSpace(data)
				if len(data) > 0 && (data[0] == '[' || data[0] == '{') {
					return splitFrame(data)
				}
			}
		}
		return []map[string]json.RawMessage{obj}, nil
	default:
		return nil, fmt.Errorf("unexpected frame start %q", frame[0])
	}
}

func isControl(entry map[string]json.RawMessage) bool {
	if _, ok := entry["symbolId"]; ok {
		return false
	}
	_, hasType := entry["type"]
	_, hasEvent := entry["event"]
	return hasType || hasEvent
}

func decodeTick(entry map[string]json.RawMessage) (domain.Tick, error) {
	var t domain.Tick

	symbol, err := decodeSymbol(entry["symbolId"])
	if err != nil {
		return t, err
	}
	t.SymbolID = symbol

	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"bid", &t.Bid},
		{"ask", &t.Ask},
		{"ltp", &t.LTP},
	} {
		d, ok, err := decodeDecimal(entry[f.name])
		if err != nil {
			return t, fmt.Errorf("%w: %s: %v", domain.ErrInvalidTick, f.name, err)
		}
		if !ok {
			return t, fmt.Errorf("%w: missing %s", domain.ErrInvalidTick, f.name)
		}
		*f.dst = d
	}

	if d, ok, err := decodeDecimal(entry["change"]); err != nil {
		return t, fmt.Errorf("%w: change: %v", domain.ErrInvalidTick, err)
	} else if ok {
		t.Change = &d
	}
	if d, ok, err := decodeDecimal(entry["changePercent"]); err != nil {
		return t, fmt.Errorf("%w: changePercent: %v", domain.ErrInvalidTick, err)
	} else if ok {
		t.ChangePercent = &d
	}

	ts, err := decodeTimestamp(entry["timestamp"])
	if err != nil {
		return t, fmt.Errorf("%w: timestamp: %v", domain.ErrInvalidTick, err)
	}
	t.Timestamp = ts

	return t, nil
}

// decodeSymbol accepts a string or a numeric instrument token.
func decodeSymbol(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing symbolId", domain.ErrInvalidTick)
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: symbolId: %v", domain.ErrInvalidTick, err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("%w: symbolId: %v", domain.ErrInvalidTick, err)
		}
		s = n.String()
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty symbolId", domain.ErrInvalidTick)
	}
	return s, nil
}

// decodeDecimal accepts a JSON number or numeric string. Absent, null and
// empty-string values report ok=false.
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`)) {
		return decimal.Zero, false, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// decodeTimestamp accepts epoch milliseconds (number or string) or RFC 3339.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}, err
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms), nil
}
