// Package normalize canonicalizes recorded and replayed values so volatile
// fields (ids, timestamps, durations, inline images) compare equal.
package normalize

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Config customizes a Normalizer. Caller Rules are appended after the
// defaults; Custom rules are consulted before any rule and are the way to
// override a default.
type Config struct {
	Rules           []Rule
	Ignore          []Pattern
	Custom          []CustomRule
	DisableDefaults bool
}

// Normalizer converts arbitrary Go values into a canonical JSON tree of
// map[string]any, []any, string, json.Number, int64, uint64, float64, bool
// and nil. It holds no traversal state and is safe for concurrent use.
type Normalizer struct {
	rules  []Rule
	ignore []Pattern
	custom []CustomRule
}

// New builds a normalizer from cfg.
func New(cfg Config) *Normalizer {
	n := &Normalizer{}
	if !cfg.DisableDefaults {
		n.rules = DefaultRules()
	}
	n.rules = append(n.rules, cfg.Rules...)
	n.ignore = append(n.ignore, cfg.Ignore...)
	n.custom = append(n.custom, cfg.Custom...)
	return n
}

// Default returns a normalizer with only the built-in rules.
func Default() *Normalizer { return New(Config{}) }

// Rules returns the effective rule list in evaluation order.
func (n *Normalizer) Rules() []Rule {
	out := make([]Rule, len(n.rules))
	copy(out, n.rules)
	return out
}

// Normalize returns the canonical tree for v.
func (n *Normalizer) Normalize(v any) (any, error) {
	w := &walker{n: n, visiting: map[visitKey]struct{}{}}
	return w.value(reflect.ValueOf(v), "")
}

// NormalizationError reports a failure at a member path. It aborts the
// normalization that raised it.
type NormalizationError struct {
	Path string
	Err  error
}

func (e *NormalizationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("normalize: %v", e.Err)
	}
	return fmt.Sprintf("normalize: %s: %v", e.Path, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// walker carries the set of references on the current traversal path.
// Entries are removed on the way back up, so shared but acyclic references
// are expanded every time they appear.
type walker struct {
	n        *Normalizer
	visiting map[visitKey]struct{}
}

var (
	marshalerType     = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	numberType        = reflect.TypeOf(json.Number(""))
)

func (w *walker) value(v reflect.Value, path string) (any, error) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}
	if v.Type() == numberType {
		return json.Number(v.String()), nil
	}
	if out, ok, err := w.marshaled(v, path); ok {
		return out, err
	}

	switch v.Kind() {
	case reflect.Pointer:
		key := visitKey{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := w.visiting[key]; seen {
			return Circular, nil
		}
		w.visiting[key] = struct{}{}
		defer delete(w.visiting, key)
		return w.value(v.Elem(), path)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		key := visitKey{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := w.visiting[key]; seen {
			return Circular, nil
		}
		w.visiting[key] = struct{}{}
		defer delete(w.visiting, key)
		return w.mapValue(v, path)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes()), nil
		}
		key := visitKey{ptr: v.Pointer(), typ: v.Type(), n: v.Len()}
		if _, seen := w.visiting[key]; seen {
			return Circular, nil
		}
		w.visiting[key] = struct{}{}
		defer delete(w.visiting, key)
		return w.sliceValue(v, path)
	case reflect.Array:
		return w.sliceValue(v, path)
	case reflect.Struct:
		return w.structValue(v, path)
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &NormalizationError{Path: path, Err: fmt.Errorf("unsupported float %v", f)}
		}
		return f, nil
	default:
		return nil, &NormalizationError{Path: path, Err: fmt.Errorf("unsupported type %s", v.Type())}
	}
}

// marshaled handles values with their own JSON or text encoding. The encoded
// form is decoded back into a generic tree and walked, so rules still apply
// below it.
func (w *walker) marshaled(v reflect.Value, path string) (any, bool, error) {
	var m json.Marshaler
	switch {
	case v.Type().Implements(marshalerType) && v.CanInterface():
		m, _ = v.Interface().(json.Marshaler)
	case v.Kind() != reflect.Pointer && v.CanAddr() && reflect.PointerTo(v.Type()).Implements(marshalerType):
		m, _ = v.Addr().Interface().(json.Marshaler)
	}
	if m != nil {
		data, err := m.MarshalJSON()
		if err != nil {
			return nil, true, &NormalizationError{Path: path, Err: err}
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return nil, true, &NormalizationError{Path: path, Err: err}
		}
		out, err := w.value(reflect.ValueOf(generic), path)
		return out, true, err
	}
	if v.Type().Implements(textMarshalerType) && v.CanInterface() {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, true, &NormalizationError{Path: path, Err: err}
		}
		return string(text), true, nil
	}
	return nil, false, nil
}

func (w *walker) mapValue(v reflect.Value, path string) (any, error) {
	type kv struct {
		key string
		val reflect.Value
	}
	entries := make([]kv, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, &NormalizationError{Path: path, Err: err}
		}
		entries = append(entries, kv{key: key, val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make(map[string]any, len(entries))
	for _, e := range entries {
		val, keep, err := w.member(e.key, joinKey(path, e.key), e.val)
		if err != nil {
			return nil, err
		}
		if keep {
			out[e.key] = val
		}
	}
	return out, nil
}

func (w *walker) sliceValue(v reflect.Value, path string) (any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		val, err := w.value(v.Index(i), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func (w *walker) structValue(v reflect.Value, path string) (any, error) {
	out := make(map[string]any)
	for _, f := range structFields(v.Type()) {
		fv, err := v.FieldByIndexErr(f.index)
		if err != nil {
			// nil embedded pointer
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		val, keep, err := w.member(f.name, joinKey(path, f.name), fv)
		if err != nil {
			return nil, err
		}
		if keep {
			out[f.name] = val
		}
	}
	return out, nil
}

// member applies ignore, custom and rule handling to one keyed member.
func (w *walker) member(key, path string, v reflect.Value) (any, bool, error) {
	for _, p := range w.n.ignore {
		if p.Match(key) || p.Match(path) {
			return nil, false, nil
		}
	}
	raw := rawValue(v)
	for _, c := range w.n.custom {
		if c.Pattern == nil || c.Fn == nil {
			continue
		}
		if c.Pattern.Match(key) || c.Pattern.Match(path) {
			out, err := callCustom(c.Fn, raw, path)
			if err != nil {
				return nil, false, &NormalizationError{Path: path, Err: err}
			}
			return out, true, nil
		}
	}
	if raw != nil {
		for _, r := range w.n.rules {
			if r.Pattern == nil || !(r.Pattern.Match(key) || r.Pattern.Match(path)) {
				continue
			}
			if r.Guard != nil && !r.Guard(raw) {
				continue
			}
			if !r.Recurse {
				return r.Replacement, true, nil
			}
			tree, err := w.value(v, path)
			if err != nil {
				return nil, false, err
			}
			return replaceLeaves(tree, r.Replacement), true, nil
		}
	}
	out, err := w.value(v, path)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func callCustom(fn CustomFunc, raw any, path string) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("custom normalizer panic: %v", r)
		}
	}()
	return fn(raw, path)
}

func replaceLeaves(tree, repl any) any {
	switch t := tree.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, v := range t {
			t[k] = replaceLeaves(v, repl)
		}
		return t
	case []any:
		for i, v := range t {
			t[i] = replaceLeaves(v, repl)
		}
		return t
	default:
		return repl
	}
}

func rawValue(v reflect.Value) any {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
	}
	return v.Interface()
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalerType) {
		text, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", err
		}
		return string(text), nil
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("unsupported map key type %s", k.Type())
}

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []field

// structFields lists the JSON-visible fields of t following encoding/json
// tag rules, flattening untagged embedded structs.
func structFields(t reflect.Type) []field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]field)
	}
	var out []field
	seen := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				for _, f := range structFields(ft) {
					if seen[f.name] {
						continue
					}
					seen[f.name] = true
					f.index = append([]int{i}, f.index...)
					out = append(out, f)
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, field{name: name, index: []int{i}, omitEmpty: hasOption(opts, "omitempty")})
	}
	fieldCache.Store(t, out)
	return out
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
