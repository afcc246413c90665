// Package golden compares test output against files checked into the repository.
package golden

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	update      bool // should we update golden files?
	testMainRan bool // did TestMain get called?
)

// Test checks the test output against testdata/<test name>.golden.
// If -golden-update was passed to "go test", it writes new golden files instead.
func Test(t testing.TB, output string) {
	t.Helper()
	fn := strings.ReplaceAll(t.Name(), "/", "__")
	File(t, filepath.Join("testdata", fn+".golden"), output)
}

// File checks output against the file at path, relative to the package directory.
// Generated files checked in elsewhere in the repository are kept current this way.
// If -golden-update was passed to "go test", it writes the file instead.
func File(t testing.TB, path, output string) {
	t.Helper()
	if !testMainRan {
		t.Fatal("golden.TestMain was not called")
	}

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("update golden: %v", err)
		}
		if err := os.WriteFile(path, []byte(output), 0644); err != nil {
			t.Fatalf("update golden: %v", err)
		}
		return
	}

	expect, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read golden: %v", err)
	}
	if diff := cmp.Diff(string(expect), output); diff != "" {
		t.Fatalf("%s is out of date (-golden +got), rerun with -golden-update:\n%s", path, diff)
	}
}

// TestMain sets up the golden testing functionality for the package.
// Packages that want to integrate golden testing should themselves
// implement TestMain and call this function.
func TestMain(m *testing.M) {
	flag.BoolVar(&update, "golden-update", false, "update golden files")
	flag.Parse()
	testMainRan = true
	os.Exit(m.Run())
}
