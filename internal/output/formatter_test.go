package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ratslink/internal/testutil/testlog"
)

type row struct {
	ID      int           `json:"id" yaml:"id"`
	Station string        `json:"station" yaml:"station"`
	Idle    time.Duration `json:"idle" yaml:"idle"`
	secret  string
	Skipped string `json:"-" yaml:"-"`
}

func TestTableRows(t *testing.T) {
	testlog.Start(t)

	out, err := NewFormatter("table").Format([]row{
		{ID: 2, Station: "KK7DS", Idle: 1500 * time.Millisecond, secret: "x", Skipped: "nope"},
		{ID: 17, Station: ""},
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out)
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID STATION IDLE" {
		t.Fatalf("header: got %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); strings.Join(fields, " ") != "2 KK7DS 1.5s" {
		t.Fatalf("row 1: got %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "17 - 0s" {
		t.Fatalf("row 2: got %q", lines[2])
	}
	if strings.Contains(out, "nope") {
		t.Fatalf("skipped column printed: %q", out)
	}
}

func TestTableSingleAndEmpty(t *testing.T) {
	testlog.Start(t)

	out, err := TableFormatter{}.Format(&row{ID: 3, Station: "N0CALL"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(out, "station:") || !strings.Contains(out, "N0CALL") {
		t.Fatalf("struct output: %q", out)
	}

	out, err = TableFormatter{}.Format([]row{})
	if err != nil {
		t.Fatalf("format empty: %v", err)
	}
	if out != "Nothing to show.\n" {
		t.Fatalf("empty output: %q", out)
	}

	if _, err := (TableFormatter{}).Format(nil); err == nil {
		t.Fatalf("expected error for nil data")
	}
}

func TestPrintJSONAndYAML(t *testing.T) {
	testlog.Start(t)

	data := []row{{ID: 1, Station: "KK7DS"}}

	var buf bytes.Buffer
	if err := Print(&buf, "json", data); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(buf.String(), `"station": "KK7DS"`) {
		t.Fatalf("json output: %q", buf.String())
	}

	buf.Reset()
	if err := Print(&buf, "YAML", data); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(buf.String(), "station: KK7DS") {
		t.Fatalf("yaml output: %q", buf.String())
	}
}
