package dockerbuild

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Stage is a step of the image build. Stages run in declaration order.
type Stage int

const (
	StageBase Stage = iota
	StageSystemDeps
	StageAppDeps
	StageFilesCopied
	StagePermissionsSet
	StageEntrypointSet
)

// Stages lists every stage in the order they run.
var Stages = []Stage{
	StageBase,
	StageSystemDeps,
	StageAppDeps,
	StageFilesCopied,
	StagePermissionsSet,
	StageEntrypointSet,
}

func (s Stage) String() string {
	switch s {
	case StageBase:
		return "base"
	case StageSystemDeps:
		return "system-deps"
	case StageAppDeps:
		return "app-deps"
	case StageFilesCopied:
		return "files-copied"
	case StagePermissionsSet:
		return "permissions-set"
	case StageEntrypointSet:
		return "entrypoint-set"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

var (
	// ErrMissingSource is reported when a file to copy does not exist on the host.
	ErrMissingSource = errors.New("missing source file")

	// ErrMissingPackage is reported when the base image lacks a system package.
	ErrMissingPackage = errors.New("missing system package")

	// ErrUnresolved is reported when a required module has no go.sum entry.
	ErrUnresolved = errors.New("unresolved dependency")

	// ErrIncompatible is reported when the executable links a module version
	// that differs from the one go.mod requires.
	ErrIncompatible = errors.New("incompatible dependency")
)

// StageError is returned when the build fails. No image is produced.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("build failed at stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage reports the stage at which err occurred, if it is a build error.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}
