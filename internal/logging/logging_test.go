package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"DEBUG", "console", false},
		{"warn", "", false},
		{"loud", "json", true},
		{"info", "xml", true},
	} {
		l, err := New(tc.level, tc.format)
		if (err != nil) != tc.wantErr {
			t.Fatalf("New(%q, %q) err=%v wantErr=%v", tc.level, tc.format, err, tc.wantErr)
		}
		if l != nil {
			_ = l.Sync()
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
