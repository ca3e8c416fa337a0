package proc

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "plain words",
			input: "claude --continue",
			want:  []string{"claude", "--continue"},
		},
		{
			name:  "double quotes group",
			input: `run "hello world" now`,
			want:  []string{"run", "hello world", "now"},
		},
		{
			name:  "single quotes group",
			input: "echo 'a b'",
			want:  []string{"echo", "a b"},
		},
		{
			name:  "escaped space",
			input: `echo hello\ world`,
			want:  []string{"echo", "hello world"},
		},
		{
			name:  "empty quotes make empty arg",
			input: `cmd "" tail`,
			want:  []string{"cmd", "", "tail"},
		},
		{
			name:  "extra whitespace collapsed",
			input: "  a   b\tc  ",
			want:  []string{"a", "b", "c"},
		},
		{
			name:    "unterminated double quote",
			input:   `echo "oops`,
			wantErr: true,
		},
		{
			name:    "unterminated single quote",
			input:   "echo 'oops",
			wantErr: true,
		},
		{
			name:    "trailing backslash",
			input:   `echo oops\`,
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCommand(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SplitCommand(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitCommand(%q) error = %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitCommand(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveCommand(t *testing.T) {
	if _, err := resolveCommand("sh"); err != nil {
		t.Errorf("resolveCommand(sh) error = %v, want nil", err)
	}
	if _, err := resolveCommand("limitwatch-no-such-binary"); err == nil {
		t.Error("resolveCommand() for missing binary should fail")
	}
	if _, err := resolveCommand(t.TempDir()); err == nil {
		t.Error("resolveCommand() for a directory should fail")
	}

	script := filepath.Join(t.TempDir(), "notexec")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := resolveCommand(script); err == nil {
		t.Error("resolveCommand() for a non-executable file should fail")
	}
}

func TestLauncher_ValidateWorkDir(t *testing.T) {
	l := &Launcher{}

	dir := t.TempDir()
	if _, err := l.validateWorkDir(dir); err != nil {
		t.Errorf("validateWorkDir(%q) error = %v, want nil", dir, err)
	}

	if _, err := l.validateWorkDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("validateWorkDir() for a missing dir should fail")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := l.validateWorkDir(file); err == nil {
		t.Error("validateWorkDir() for a regular file should fail")
	}
}

func TestLauncher_AllowedRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "project")
	if err := os.Mkdir(inside, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	outside := t.TempDir()

	l := &Launcher{AllowedRoot: root}
	if _, err := l.validateWorkDir(inside); err != nil {
		t.Errorf("validateWorkDir() inside root error = %v, want nil", err)
	}
	if _, err := l.validateWorkDir(outside); err == nil {
		t.Error("validateWorkDir() outside root should fail")
	}

	// A symlink pointing out of the root must not pass the check
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := l.validateWorkDir(link); err == nil {
		t.Error("validateWorkDir() through an escaping symlink should fail")
	}
}
