package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"
	"github.com/titanous/json5"
)

var secretType = reflect.TypeOf(SecretHandle{})

// EnvName returns the override variable for a JSON field path, e.g.
// ("NANOBOT", "providers", "openai", "api_key") -> NANOBOT_PROVIDERS__OPENAI__API_KEY.
func EnvName(prefix string, path ...string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strings.ToUpper(p)
	}
	return prefix + "_" + strings.Join(parts, "__")
}

// applyEnvOverrides walks every leaf field of cfg and replaces it with the
// matching env var when that var is set and non-empty. Env always wins over
// the persisted value. It returns the names of the vars that were applied.
func applyEnvOverrides(cfg *Config, prefix string, lookup func(string) (string, bool)) ([]string, error) {
	var applied []string
	err := walkFields(reflect.ValueOf(cfg).Elem(), nil, func(path []string, fv reflect.Value) error {
		name := EnvName(prefix, path...)
		raw, ok := lookup(name)
		if !ok || raw == "" {
			return nil
		}
		if err := setFromEnv(fv, raw); err != nil {
			return &ConfigError{Source: name, Problems: []string{fmt.Sprintf("%s: %v", name, err)}, Err: err}
		}
		applied = append(applied, name)
		return nil
	})
	return applied, err
}

// walkFields calls fn for every leaf (non-struct, or SecretHandle) field,
// keyed by its JSON path.
func walkFields(v reflect.Value, path []string, fn func(path []string, fv reflect.Value) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf)
		if name == "" {
			continue
		}
		fv := v.Field(i)
		p := append(append([]string(nil), path...), name)
		if sf.Type.Kind() == reflect.Struct && sf.Type != secretType {
			if err := walkFields(fv, p, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(p, fv); err != nil {
			return err
		}
	}
	return nil
}

func jsonName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = sf.Name
	}
	return name
}

func setFromEnv(fv reflect.Value, raw string) error {
	if fv.Type() == secretType {
		fv.Set(reflect.ValueOf(NewSecret(raw)))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return expected(fv)
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(strings.TrimSpace(raw))
		if err != nil {
			return expected(fv)
		}
		if fv.OverflowInt(n) {
			return fmt.Errorf("value overflows %s", fv.Type())
		}
		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := cast.ToFloat64E(strings.TrimSpace(raw))
		if err != nil {
			return expected(fv)
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.String && !strings.HasPrefix(strings.TrimSpace(raw), "[") {
			fv.Set(reflect.ValueOf(splitList(raw)))
			return nil
		}
		return decodeJSON5(fv, raw)
	case reflect.Map:
		elem := fv.Type().Elem()
		if fv.Type().Key().Kind() == reflect.String && (elem.Kind() == reflect.String || elem == secretType) &&
			!strings.HasPrefix(strings.TrimSpace(raw), "{") {
			pairs, err := splitPairs(raw)
			if err != nil {
				return err
			}
			m := reflect.MakeMapWithSize(fv.Type(), len(pairs))
			for k, v := range pairs {
				if elem == secretType {
					m.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(NewSecret(v)))
				} else {
					m.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v).Convert(elem))
				}
			}
			fv.Set(m)
			return nil
		}
		return decodeJSON5(fv, raw)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// expected reports a coercion failure by type only. Parser errors quote the
// input, and env values often hold credentials.
func expected(fv reflect.Value) error {
	return fmt.Errorf("expected %s", fv.Type())
}

func decodeJSON5(fv reflect.Value, raw string) error {
	ptr := reflect.New(fv.Type())
	if err := json5.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
		return fmt.Errorf("expected JSON %s", fv.Type())
	}
	fv.Set(ptr.Elem())
	return nil
}

// splitList parses "a, b,c" into [a b c].
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitPairs parses "k=v,k2=v2".
func splitPairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for i, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			// values may carry credentials, so only the position is reported
			return nil, fmt.Errorf("entry %d is not key=value", i+1)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
