package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/pretty"
)

// Result is the outcome of Compare. Diff is diagnostic text and only set
// when Equal is false.
type Result struct {
	Equal bool
	Diff  string
}

var prettyOptions = &pretty.Options{Indent: "  ", SortKeys: true}

// Compare normalizes both values and reports whether their canonical forms
// are byte identical. The only error it returns is a *NormalizationError.
func (n *Normalizer) Compare(expected, actual any) (Result, error) {
	ne, err := n.Normalize(expected)
	if err != nil {
		return Result{}, err
	}
	na, err := n.Normalize(actual)
	if err != nil {
		return Result{}, err
	}
	ce, err := Canonical(ne)
	if err != nil {
		return Result{}, err
	}
	ca, err := Canonical(na)
	if err != nil {
		return Result{}, err
	}
	if bytes.Equal(ce, ca) {
		return Result{Equal: true}, nil
	}
	return Result{Diff: LineDiff(prettyBytes(ce), prettyBytes(ca))}, nil
}

// Canonical encodes v as compact JSON with object keys sorted at every
// level. HTML characters are not escaped so sentinels stay readable.
func Canonical(v any) ([]byte, error) {
	data, err := encode(v)
	if err != nil {
		return nil, err
	}
	return pretty.Ugly(pretty.PrettyOptions(data, prettyOptions)), nil
}

// Pretty encodes v as sorted JSON indented by two spaces.
func Pretty(v any) (string, error) {
	data, err := encode(v)
	if err != nil {
		return "", err
	}
	return prettyBytes(data), nil
}

func prettyBytes(data []byte) string {
	return strings.TrimRight(string(pretty.PrettyOptions(data, prettyOptions)), "\n")
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		var nerr *NormalizationError
		if errors.As(err, &nerr) {
			return nil, nerr
		}
		return nil, &NormalizationError{Err: err}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// LineDiff walks both texts line by line up to the longer length and emits
// "- " for expected and "+ " for actual lines wherever the pair differs.
// Missing and blank lines are not emitted.
func LineDiff(expected, actual string) string {
	el := strings.Split(expected, "\n")
	al := strings.Split(actual, "\n")
	n := max(len(el), len(al))

	var b strings.Builder
	for i := 0; i < n; i++ {
		var l, r string
		if i < len(el) {
			l = el[i]
		}
		if i < len(al) {
			r = al[i]
		}
		if l == r {
			continue
		}
		if strings.TrimSpace(l) != "" {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteByte('\n')
		}
		if strings.TrimSpace(r) != "" {
			b.WriteString("+ ")
			b.WriteString(r)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
