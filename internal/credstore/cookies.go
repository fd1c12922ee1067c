package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Cookie is one stored session cookie. The file keeps a JSON array of these.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var ErrUnrecognizedCookies = errors.New("unrecognized cookies format: expected JSON or a cookie string 'k=v; k2=v2'")

// ParseCookies accepts, in order of preference:
//   - a JSON array: [{"name":"auth","value":"..."}]
//   - a JSON object: {"auth":"..."}
//   - a cookie header string: auth=...; twoFactorAuth=...
func ParseCookies(raw string) ([]Cookie, error) {
	s := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	if s == "" {
		return nil, ErrUnrecognizedCookies
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch x := v.(type) {
		case []any:
			out := cookiesFromList(x)
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: JSON array has no name/value entries", ErrUnrecognizedCookies)
			}
			return out, nil
		case map[string]any:
			out := cookiesFromMap(x)
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: JSON object is empty", ErrUnrecognizedCookies)
			}
			return out, nil
		}
	}

	var out []Cookie
	for _, part := range strings.Split(s, ";") {
		k, val, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out = append(out, Cookie{Name: k, Value: strings.TrimSpace(val)})
	}
	if len(out) == 0 {
		return nil, ErrUnrecognizedCookies
	}
	return out, nil
}

// cookiesFromList keeps entries carrying both name and value, like browser exports do.
func cookiesFromList(list []any) []Cookie {
	out := make([]Cookie, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, nok := m["name"]
		value, vok := m["value"]
		if !nok || !vok {
			continue
		}
		n := strings.TrimSpace(stringify(name))
		if n == "" {
			continue
		}
		out = append(out, Cookie{Name: n, Value: stringify(value)})
	}
	return out
}

func cookiesFromMap(m map[string]any) []Cookie {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Cookie, 0, len(keys))
	for _, k := range keys {
		out = append(out, Cookie{Name: strings.TrimSpace(k), Value: stringify(m[k])})
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// decodeStored reads what is on disk. Older files may hold a plain object.
func decodeStored(b []byte) (map[string]string, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode cookies file: %w", err)
	}
	var list []Cookie
	switch x := v.(type) {
	case []any:
		list = cookiesFromList(x)
	case map[string]any:
		list = cookiesFromMap(x)
	case nil:
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("decode cookies file: unexpected %T", v)
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		out[c.Name] = c.Value
	}
	return out, nil
}
