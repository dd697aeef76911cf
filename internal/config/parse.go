package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// File is a parsed profile file with expressions already expanded
type File struct {
	Path string
	raw  map[string]any
	env  ConfigEnv
}

// Profiles returns the sorted profile names
func (f *File) Profiles() []string {
	names := make([]string, 0, len(f.raw))
	for name, v := range f.raw {
		if _, ok := v.(map[string]any); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Profile decodes the named profile, merging conditional sections and
// applying defaults
func (f *File) Profile(name string) (*Profile, error) {
	if _, ok := f.raw[name].(map[string]any); !ok {
		return nil, fmt.Errorf("%w: %q, known profiles: %s", ErrProfileNotFound, name, strings.Join(f.Profiles(), ", "))
	}

	profile := &Profile{}
	if err := unmarshalConditionalSection(f.raw, name, profile, f.env); err != nil {
		return nil, err
	}
	profile.Name = name
	profile.applyDefaults()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// ParseFile parses a profile file, picking the decoder from its extension
func ParseFile(path string, env ConfigEnv) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := Parse(bufio.NewReader(f), filepath.Ext(path), env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Path = path
	return file, nil
}

// Parse decodes a profile file in the given format (".toml", ".yaml", ".yml"
// or ".json") and evaluates its {{ }} templates
func Parse(rdr io.Reader, format string, env ConfigEnv) (*File, error) {
	raw, err := decode(rdr, format)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	processed, err := processExpressions(raw, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	return &File{raw: processed.(map[string]any), env: env}, nil
}

func decode(rdr io.Reader, format string) (map[string]any, error) {
	var raw map[string]any
	switch format {
	case ".toml":
		if err := toml.NewDecoder(rdr).Decode(&raw); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				return nil, errors.New(derr.String())
			}
			return nil, err
		}
	case ".yaml", ".yml":
		data, err := io.ReadAll(rdr)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.NewDecoder(rdr).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported profile file format %q", format)
	}
	return normalizeMaps(raw).(map[string]any), nil
}

// normalizeMaps turns the map[any]any some YAML inputs produce into
// map[string]any so every format looks the same downstream
func normalizeMaps(data any) any {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			v[key] = normalizeMaps(val)
		}
		return v
	case map[any]any:
		m := make(map[string]any, len(v))
		for key, val := range v {
			m[fmt.Sprint(key)] = normalizeMaps(val)
		}
		return m
	case []any:
		for i, item := range v {
			v[i] = normalizeMaps(item)
		}
		return v
	case nil:
		return map[string]any{}
	default:
		return data
	}
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)
	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}
	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}
	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)
		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

// remarshal moves decoded data into a typed value by way of TOML, which keeps
// one set of struct tags for every input format
func remarshal(data any, dst any) error {
	b, err := toml.Marshal(data)
	if err != nil {
		return err
	}
	return toml.Unmarshal(b, dst)
}

// unmarshalConditionalSection parses a section, then evaluates and merges its
// conditional sub-sections in a stable order
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env), expr.AsBool())
			if err == nil {
				conditionalFields[key] = subMap
				continue
			}
		}
		baseFields[key] = val
	}

	if len(baseFields) > 0 {
		if err := remarshal(baseFields, dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	expressions := make([]string, 0, len(conditionalFields))
	for expression := range conditionalFields {
		expressions = append(expressions, expression)
	}
	slices.Sort(expressions)

	for _, expression := range expressions {
		program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := remarshal(conditionalFields[expression], &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, m := range matches {
		builder.WriteString(s[lastIndex:m[0]])

		expression := strings.TrimSpace(s[m[2]:m[3]])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		fmt.Fprintf(&builder, "%v", result)
		lastIndex = m[1]
	}

	builder.WriteString(s[lastIndex:])
	return builder.String(), nil
}

// processExpressions recursively walks decoded data and evaluates expressions
// in strings. Map keys are left alone since they carry conditions.
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}
