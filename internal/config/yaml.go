package config

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// ParseYAML is an ff config file parser for YAML files. Top-level keys are
// flag names; nested maps are joined with "-" so that
//
//	archive:
//	  dir: ./receipts
//
// sets --archive-dir. Lists are joined with commas.
func ParseYAML(r io.Reader, set func(name, value string) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return walk("", doc, set)
}

func walk(prefix string, m map[interface{}]interface{}, set func(name, value string) error) error {
	keys := make([]string, 0, len(m))
	values := make(map[string]interface{}, len(m))
	for k, v := range m {
		key := fmt.Sprint(k)
		keys = append(keys, key)
		values[key] = v
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := key
		if prefix != "" {
			name = prefix + "-" + key
		}

		switch v := values[key].(type) {
		case map[interface{}]interface{}:
			if err := walk(name, v, set); err != nil {
				return err
			}
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				s, err := scalar(item)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				parts = append(parts, s)
			}
			if err := set(name, strings.Join(parts, ",")); err != nil {
				return fmt.Errorf("setting %s: %w", name, err)
			}
		case nil:
			continue
		default:
			s, err := scalar(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := set(name, s); err != nil {
				return fmt.Errorf("setting %s: %w", name, err)
			}
		}
	}
	return nil
}

func scalar(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// SplitList splits a comma separated flag value, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
