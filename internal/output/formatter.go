// Package output renders CLI listings as aligned tables, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

type Formatter interface {
	Format(data any) (string, error)
}

// NewFormatter returns the formatter for format. Unknown names fall back
// to a table.
func NewFormatter(format string) Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return JSONFormatter{}
	case FormatYAML:
		return YAMLFormatter{}
	default:
		return TableFormatter{}
	}
}

// Print formats data and writes it to w.
func Print(w io.Writer, format string, data any) error {
	s, err := NewFormatter(format).Format(data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// TableFormatter prints a slice of structs as one row per element, or a
// single struct as key/value lines. Column names come from json tags.
type TableFormatter struct{}

func (TableFormatter) Format(data any) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.Indirect(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "Nothing to show.\n", nil
		}
		elem := reflect.Indirect(v.Index(0))
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, cell(v.Index(i)))
			}
			break
		}
		cols := columns(elem.Type())
		headers := make([]string, len(cols))
		for i, c := range cols {
			headers[i] = strings.ToUpper(c.name)
		}
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := 0; i < v.Len(); i++ {
			row := reflect.Indirect(v.Index(i))
			vals := make([]string, len(cols))
			for j, c := range cols {
				vals[j] = cell(row.Field(c.index))
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		for _, c := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", c.name, cell(v.Field(c.index)))
		}
	case reflect.Invalid:
		return "", fmt.Errorf("output: nothing to format")
	default:
		fmt.Fprintln(w, cell(v))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type column struct {
	name  string
	index int
}

func columns(t reflect.Type) []column {
	cols := make([]column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		cols = append(cols, column{name: name, index: i})
	}
	return cols
}

func cell(v reflect.Value) string {
	if !v.IsValid() {
		return "-"
	}
	switch x := v.Interface().(type) {
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return x.Format(time.RFC3339)
	case time.Duration:
		return x.String()
	case []string:
		if len(x) == 0 {
			return "-"
		}
		return strings.Join(x, ",")
	case string:
		if x == "" {
			return "-"
		}
		return x
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "-"
		}
		return cell(v.Elem())
	}
	return fmt.Sprintf("%v", v.Interface())
}

type JSONFormatter struct{}

func (JSONFormatter) Format(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("output: json: %w", err)
	}
	return string(b) + "\n", nil
}

type YAMLFormatter struct{}

func (YAMLFormatter) Format(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("output: yaml: %w", err)
	}
	return string(b), nil
}
