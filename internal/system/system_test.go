package system

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindLatest(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	for i, name := range []string{"plan_a.yaml", "plan_b.YAML", "notes.txt"} {
		path := filepath.Join(dir, name)
		os.WriteFile(path, []byte("x"), 0644)
		ts := old.Add(time.Duration(i) * time.Minute)
		os.Chtimes(path, ts, ts)
	}
	os.Mkdir(filepath.Join(dir, "newer.yaml"), 0755)

	got, err := FindLatest(dir, ".yaml")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "plan_b.YAML" {
		t.Errorf("expected plan_b.YAML, got %s", got)
	}

	if _, err := FindLatest(dir, ".pdf"); err == nil {
		t.Error("expected an error when nothing matches")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReport(t *testing.T) {
	u := ReadUsage()
	if u.CPUs < 1 || u.Goroutines < 1 {
		t.Errorf("implausible usage %+v", u)
	}
	var buf bytes.Buffer
	Report{Elapsed: 90 * time.Second, Images: 8, Transitions: 3, Usage: u}.Write(&buf)
	if !strings.Contains(buf.String(), "Images rendered:     8") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
	t.Logf("\n%s", buf.String())
}
