package dockerbuild

import (
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"
)

// CheckContext validates the build context without resolving a base image:
// the manifest must resolve, every source file must exist, and the
// entrypoint script must be executable on the host.
//
// Failures are reported as a *StageError for the stage that would fail.
func CheckContext(spec *ImageSpec) error {
	m, err := LoadManifest(spec.Manifest)
	if err == nil {
		err = m.Check()
	}
	if err != nil {
		return &StageError{Stage: StageAppDeps, Err: err}
	}

	workDir := spec.WorkingDir
	if workDir == "" {
		workDir = "/"
	}
	var entrypoint ImagePath
	if len(spec.Entrypoint) > 0 {
		entrypoint = ImagePath(spec.Entrypoint[0]).Clean()
	}

	foundEntrypoint := false
	for _, f := range spec.Files {
		fi, err := os.Stat(f.Src.String())
		if errors.Is(err, fs.ErrNotExist) {
			return &StageError{Stage: StageFilesCopied, Err: errors.Wrapf(ErrMissingSource, "%s", f.Src)}
		} else if err != nil {
			return &StageError{Stage: StageFilesCopied, Err: errors.Wrap(err, "stat source file")}
		}

		if workDir.Resolve(f.Dest) != entrypoint {
			continue
		}
		foundEntrypoint = true
		if fi.Mode().Perm()&0111 == 0 {
			return &StageError{Stage: StagePermissionsSet, Err: errors.Newf("entrypoint %s is not executable", f.Src)}
		}
	}

	if !foundEntrypoint {
		return &StageError{Stage: StageEntrypointSet, Err: errors.Newf("entrypoint %q is not among the copied files", entrypoint)}
	}
	return nil
}
