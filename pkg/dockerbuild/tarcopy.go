package dockerbuild

import (
	"archive/tar"
	"io/fs"
	"time"

	"github.com/cockroachdb/errors"
)

// tarCopier writes files into a layer tarball, creating parent
// directories on demand. Entry names have no leading slash.
type tarCopier struct {
	fileTimes *time.Time
	tw        *tar.Writer
	seenDirs  map[ImagePath]bool
}

func newTarCopier(tw *tar.Writer, opts ...tarCopyOption) *tarCopier {
	tc := &tarCopier{
		tw:       tw,
		seenDirs: make(map[ImagePath]bool),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

type tarCopyOption func(*tarCopier)

func setFileTimes(t time.Time) tarCopyOption {
	return func(tc *tarCopier) {
		tc.fileTimes = &t
	}
}

func (tc *tarCopier) modTime() time.Time {
	if tc.fileTimes != nil {
		return *tc.fileTimes
	}
	return time.Time{}
}

// MkdirAll writes directory entries for dstPath and its parents,
// outermost first, skipping directories already written.
func (tc *tarCopier) MkdirAll(dstPath ImagePath, mode fs.FileMode) error {
	var missing []ImagePath
	for p := dstPath.Clean(); p != "." && p != "/"; p = p.Dir() {
		if tc.seenDirs[p] {
			break
		}
		missing = append(missing, p)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		dir := missing[i]
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			ModTime:  tc.modTime(),
			Name:     tarName(dir) + "/", // from [archive/tar.FileInfoHeader]
			Mode:     int64(mode.Perm()),
		}
		if err := tc.tw.WriteHeader(header); err != nil {
			return errors.Wrap(err, "write tar header")
		}
		tc.seenDirs[dir] = true
	}
	return nil
}

func (tc *tarCopier) WriteFile(dstPath ImagePath, mode fs.FileMode, data []byte) error {
	header := &tar.Header{
		Name:     tarName(dstPath),
		Typeflag: tar.TypeReg,
		Mode:     int64(mode.Perm()),
		Size:     int64(len(data)),
		ModTime:  tc.modTime(),
	}
	if err := tc.tw.WriteHeader(header); err != nil {
		return errors.Wrap(err, "write tar header")
	}

	_, err := tc.tw.Write(data)
	return errors.Wrap(err, "copy file")
}
