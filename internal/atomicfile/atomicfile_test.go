package atomicfile

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	want := []byte(`{"records":[]}`)
	if err := WriteFile(path, want, WithRoot(dir)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("content = %q, want %q", got, want)
	}
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if fi.Mode().Perm() != 0o600 {
			t.Errorf("mode = %v, want 0600", fi.Mode().Perm())
		}
	}
}

func TestWriteFileReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("new"), WithRoot(dir)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("content = %q, want %q", got, "new")
	}
}

func TestWriteFileLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := WriteFile(path, []byte("x"), WithRoot(dir)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".db.json.*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestWriteFileCleansStaleTemps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	stale := []string{
		filepath.Join(dir, ".db.json.12345.tmp"),
		filepath.Join(dir, ".db.json.old.tmp"),
	}
	for _, s := range stale {
		if err := os.WriteFile(s, []byte("crashed writer"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteFile(path, []byte("fresh"), WithRoot(dir)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for _, s := range stale {
		if _, err := os.Stat(s); !os.IsNotExist(err) {
			t.Errorf("stale temp %s still present", s)
		}
	}
	got, _ := os.ReadFile(path)
	if string(got) != "fresh" {
		t.Errorf("content = %q, want %q", got, "fresh")
	}
}

func TestWriteFileFailureLeavesTargetUntouched(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits not enforceable here")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := WriteFile(path, []byte("original"), WithRoot(dir)); err != nil {
		t.Fatal(err)
	}
	// A read-only directory makes the write fail before any rename.
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })
	if err := WriteFile(path, []byte("replacement"), WithRoot(dir)); err == nil {
		t.Fatal("WriteFile succeeded in a read-only directory")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("content = %q, want untouched original", got)
	}
}

func TestResolveRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	resolved, exists, err := ResolveRead(path, WithRoot(dir))
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("missing file reported as existing")
	}
	if resolved == "" {
		t.Error("no resolved path for a missing file")
	}

	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	resolved, exists, err = ResolveRead(path, WithRoot(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("existing file reported as missing")
	}
	if _, err := os.Stat(resolved); err != nil {
		t.Errorf("resolved path unreadable: %v", err)
	}
}

func TestResolveReadRejections(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "x.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	data := []struct {
		name string
		path string
	}{
		{"directory target", dir},
		{"escape by dotdot", filepath.Join(dir, "..", filepath.Base(outside), "x.json")},
		{"escape missing file", filepath.Join(outside, "missing.json")},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			_, _, err := ResolveRead(line.path, WithRoot(dir))
			if !fwerrors.IsCode(err, fwerrors.CodePath) {
				t.Fatalf("err = %v, want a path error", err)
			}
		})
	}
}

func TestWriteFilePathValidation(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	tests := []struct {
		name string
		path string
		root string
	}{
		{name: "target is a directory", path: sub, root: dir},
		{name: "parent does not exist", path: filepath.Join(dir, "missing", "db.json"), root: dir},
		{name: "escapes allowed root", path: filepath.Join(outside, "db.json"), root: dir},
		{name: "dotdot escape", path: filepath.Join(dir, "..", "evil.json"), root: dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteFile(tt.path, []byte("x"), WithRoot(tt.root))
			if err == nil {
				t.Fatalf("WriteFile succeeded, want PathError")
			}
			if !fwerrors.IsCode(err, fwerrors.CodePath) {
				t.Errorf("error = %v, want code %s", err, fwerrors.CodePath)
			}
			if _, statErr := os.Stat(tt.path + ".tmp"); !os.IsNotExist(statErr) {
				t.Errorf("unexpected temp artifact for %s", tt.path)
			}
		})
	}
}

func TestWriteFileSymlinkToDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "realdir")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "db.json")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	err := WriteFile(link, []byte("x"), WithRoot(dir))
	if !fwerrors.IsCode(err, fwerrors.CodePath) {
		t.Errorf("error = %v, want code %s", err, fwerrors.CodePath)
	}
}

func TestWriteFileSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	dir := t.TempDir()
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim.json")
	if err := os.WriteFile(victim, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "db.json")
	if err := os.Symlink(victim, link); err != nil {
		t.Fatal(err)
	}
	err := WriteFile(link, []byte("overwritten"), WithRoot(dir))
	if !fwerrors.IsCode(err, fwerrors.CodePath) {
		t.Fatalf("error = %v, want code %s", err, fwerrors.CodePath)
	}
	got, _ := os.ReadFile(victim)
	if string(got) != "original" {
		t.Errorf("victim content = %q, want untouched original", got)
	}
	if !strings.Contains(err.Error(), "escapes") {
		t.Errorf("error %q does not explain the escape", err)
	}
}
