package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
		check   func(string) bool
	}{
		{name: "text_info", level: "info", format: "text", check: func(s string) bool { return strings.Contains(s, "msg=hello") }},
		{name: "json_debug", level: "debug", format: "json", check: func(s string) bool { return strings.Contains(s, `"msg":"hello"`) }},
		{name: "filtered", level: "error", format: "text", check: func(s string) bool { return s == "" }},
		{name: "bad_level", level: "loud", format: "text", wantErr: true},
		{name: "bad_format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := New(&buf, tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			log.Info("hello", "port", 1080)
			if !tt.check(buf.String()) {
				t.Fatalf("unexpected output %q", buf.String())
			}
		})
	}
}
