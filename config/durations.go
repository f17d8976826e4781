package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	configType   = reflect.TypeOf(Config{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// normalizeDurations walks a decoded JSON document alongside the Go type it
// will be decoded into and replaces duration strings with nanoseconds.
func normalizeDurations(v any, t reflect.Type) (any, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := jsonName(f)
			if name == "-" {
				continue
			}
			raw, ok := m[name]
			if !ok {
				continue
			}
			nv, err := normalizeDurations(raw, f.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", name, err)
			}
			m[name] = nv
		}
		return m, nil

	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		for k, raw := range m {
			nv, err := normalizeDurations(raw, t.Elem())
			if err != nil {
				return nil, fmt.Errorf("%s.%w", k, err)
			}
			m[k] = nv
		}
		return m, nil

	case reflect.Slice, reflect.Array:
		items, ok := v.([]any)
		if !ok {
			return v, nil
		}
		for i, raw := range items {
			nv, err := normalizeDurations(raw, t.Elem())
			if err != nil {
				return nil, fmt.Errorf("%d.%w", i, err)
			}
			items[i] = nv
		}
		return items, nil
	}

	if t == durationType {
		if s, ok := v.(string); ok {
			d, err := parseDurationWithDays(s)
			if err != nil {
				return nil, fmt.Errorf("duration %q: %w", s, err)
			}
			return d.Nanoseconds(), nil
		}
	}
	return v, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
