package main

import (
	"path/filepath"
	"testing"

	"github.com/danmuck/shellsurface/internal/testutil/testlog"
)

func TestWriteThenValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"authority", "peer"} {
		path := filepath.Join(dir, kind+".toml")
		if err := run(kind, path, "", false, false, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		if err := run(kind, "", path, true, false, false); err != nil {
			t.Fatalf("validate %s: %v", kind, err)
		}
	}
	if err := run("compositor", "", "", true, false, false); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}
