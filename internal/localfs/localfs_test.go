package localfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{".hidden", true},
		{".gitignore", true},
		{"visible.txt", false},
		{"/path/to/.hidden", true},
		{"/path/to/visible.txt", false},
		{"../.hidden", true},
		{"..", false}, // Special case: parent dir reference
		{".", false},  // Special case: current dir reference
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := IsHidden(tt.path)
			if result != tt.expected {
				t.Errorf("IsHidden(%q) = %v, want %v", tt.path, result, tt.expected)
			}
		})
	}
}

// layout builds:
//
//	root/a.txt
//	root/b.csv
//	root/.secret
//	root/docs/c.txt
//	root/docs/.cache/d.txt
func layout(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"a.txt", "b.csv", ".secret", "docs/c.txt", "docs/.cache/d.txt"} {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("test"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func keys(c []Candidate) []string {
	out := make([]string, len(c))
	for i, x := range c {
		out[i] = x.Key
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCollect(t *testing.T) {
	root := layout(t)

	tests := []struct {
		name string
		args []string
		opts Options
		want []string
	}{
		{"plain files keep order", []string{filepath.Join(root, "b.csv"), filepath.Join(root, "a.txt")}, Options{}, []string{"b.csv", "a.txt"}},
		{"explicit hidden file kept", []string{filepath.Join(root, ".secret")}, Options{}, []string{".secret"}},
		{"glob skips hidden", []string{filepath.Join(root, "*")}, Options{}, []string{"a.txt", "b.csv"}},
		{"glob with hidden", []string{filepath.Join(root, "*")}, Options{IncludeHidden: true}, []string{".secret", "a.txt", "b.csv"}},
		{"recursive", []string{filepath.Join(root, "docs")}, Options{Recursive: true}, []string{"docs/c.txt"}},
		{"recursive with hidden", []string{filepath.Join(root, "docs")}, Options{Recursive: true, IncludeHidden: true}, []string{"docs/.cache/d.txt", "docs/c.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(tt.args, tt.opts)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if k := keys(got); !equal(k, tt.want) {
				t.Errorf("Collect() keys = %v, want %v", k, tt.want)
			}
			for _, c := range got {
				if c.Size != 4 {
					t.Errorf("%s: size = %d, want 4", c.Key, c.Size)
				}
			}
		})
	}
}

func TestCollectErrors(t *testing.T) {
	root := layout(t)

	if _, err := Collect([]string{filepath.Join(root, "docs")}, Options{}); err == nil {
		t.Error("expected error for directory without --recursive")
	}
	if _, err := Collect([]string{filepath.Join(root, "*.nope")}, Options{}); err == nil {
		t.Error("expected error for empty glob")
	}
	if _, err := Collect([]string{filepath.Join(root, "missing.txt")}, Options{}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Collect([]string{filepath.Join(root, "[")}, Options{}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}
