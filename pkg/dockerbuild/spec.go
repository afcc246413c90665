package dockerbuild

import (
	"cmp"
	pathpkg "path"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

// ImageSpec is a specification for how to build a docker image.
// The image is built by running the stages of BuildImage in order.
type ImageSpec struct {
	// The operating system to use for the image.
	OS string

	// The architecture to use for the image.
	Arch string

	// The docker base image to use. "scratch" or "" means the empty image.
	BaseImage string

	// SystemPackages are OS-level tools the base image must provide.
	SystemPackages []SystemPackage

	// Manifest describes the dependency manifest the executable was built from.
	Manifest ManifestSpec

	// Files are copied into the image and made executable.
	Files []FileSpec

	// The working dir to use for executing the entrypoint.
	WorkingDir ImagePath

	// The entrypoint to use for the image. It must be non-empty.
	// The first entry is the executable path, and the rest are the arguments.
	Entrypoint []string

	// Environment variables to set for the entrypoint.
	Env []string

	// BuildInfo contains information about the build.
	BuildInfo BuildInfoSpec
}

// SystemPackage is an OS package the image depends on.
type SystemPackage struct {
	// Name is the package name, as passed to the package manager.
	Name string

	// Path is the executable the package provides.
	Path ImagePath
}

// ManifestSpec locates the dependency manifest on the host.
type ManifestSpec struct {
	GoMod HostPath
	GoSum HostPath

	// Binary, if set, is checked to be built from the modules go.mod requires.
	Binary HostPath
}

// FileSpec is a single file copied into the image.
type FileSpec struct {
	Src HostPath

	// Dest is the destination in the image.
	// Relative paths are resolved against the working dir.
	Dest ImagePath

	// Built reports whether the file is compiled from the module
	// rather than taken from the build context as-is.
	Built bool
}

type BuildInfoSpec struct {
	// The build info to include in the image.
	Info BuildInfo

	// The path in the image where the build info is written, as a JSON file.
	InfoPath ImagePath
}

type BuildInfo struct {
	// The version of dday-label that built the image.
	// This string is for informational use only, and its format should not be relied on.
	Builder string `json:"builder"`

	// Module is the module path of the packaged executable.
	Module string `json:"module"`

	// Commit describes the commit the executable was built from.
	Commit CommitInfo `json:"commit"`
}

type CommitInfo struct {
	Revision    string `json:"revision"`
	Uncommitted bool   `json:"uncommitted"`
}

type (
	// HostPath is a path on the host filesystem.
	HostPath string
	// ImagePath is a path in the docker image.
	ImagePath string
)

func (i ImagePath) Dir() ImagePath   { return ImagePath(pathpkg.Dir(string(i))) }
func (i ImagePath) Base() string     { return pathpkg.Base(string(i)) }
func (i ImagePath) Clean() ImagePath { return ImagePath(pathpkg.Clean(string(i))) }
func (i ImagePath) String() string   { return string(i) }
func (i ImagePath) IsAbs() bool      { return pathpkg.IsAbs(string(i)) }
func (i ImagePath) Join(p ...string) ImagePath {
	return ImagePath(pathpkg.Join(string(i), pathpkg.Join(p...)))
}

// Resolve returns p if it is absolute, and otherwise p relative to i.
func (i ImagePath) Resolve(p ImagePath) ImagePath {
	if p.IsAbs() {
		return p.Clean()
	}
	return i.Join(string(p))
}

func (h HostPath) Dir() HostPath { return HostPath(filepath.Dir(string(h))) }
func (h HostPath) Join(p ...string) HostPath {
	return HostPath(filepath.Join(string(h), filepath.Join(p...)))
}
func (h HostPath) ToUnix() HostPath {
	if runtime.GOOS == "windows" {
		// convert windows path with volume to a unix path, i.e c:\some\path -> /c/some/path
		volume := filepath.VolumeName(string(h))
		if len(volume) == 2 && volume[1] == ':' {
			return HostPath("/" + string(volume[0]) + filepath.ToSlash(string(h[2:])))
		}
	}

	return HostPath(filepath.ToSlash(string(h)))
}
func (h HostPath) String() string { return string(h) }
func (h HostPath) Rel(target HostPath) (HostPath, error) {
	rel, err := filepath.Rel(string(h), string(target))
	return HostPath(rel), err
}

const (
	// DefaultBaseImage is an Alpine image that ships git.
	DefaultBaseImage = "alpine/git:2.45.2"

	// DefaultWorkingDir is where the files are copied to.
	DefaultWorkingDir ImagePath = "/app"

	// DefaultBinaryName is the name of the executable in the image.
	DefaultBinaryName = "dday-label"

	// DefaultEntrypointScript is the name of the shell entrypoint,
	// both in the project root and in the image.
	DefaultEntrypointScript = "entrypoint.sh"

	// defaultBuildInfoName is the name of the build information file in the working dir.
	defaultBuildInfoName = "build-info.json"
)

// GitPackage is the system package the labeler needs at runtime.
var GitPackage = SystemPackage{Name: "git", Path: "/usr/bin/git"}

type DescribeConfig struct {
	// ProjectRoot is the directory holding go.mod, go.sum and the entrypoint script.
	ProjectRoot HostPath

	// Binary is the compiled executable to package.
	Binary HostPath

	// EntrypointScript overrides the entrypoint script.
	// Defaults to DefaultEntrypointScript in ProjectRoot.
	EntrypointScript HostPath

	// BaseImage overrides DefaultBaseImage.
	BaseImage string

	// WorkingDir overrides DefaultWorkingDir.
	WorkingDir ImagePath

	// OS and Arch default to linux/amd64.
	OS   string
	Arch string

	// Env is passed to the entrypoint.
	Env []string

	// BuildInfo contains information about the build.
	BuildInfo BuildInfo
}

// Describe describes the docker image to build.
func Describe(cfg DescribeConfig) (*ImageSpec, error) {
	if cfg.ProjectRoot == "" {
		return nil, errors.New("missing project root")
	}
	if cfg.Binary == "" {
		return nil, errors.New("missing binary")
	}

	script := cfg.EntrypointScript
	if script == "" {
		script = cfg.ProjectRoot.Join(DefaultEntrypointScript)
	}
	workDir := cmp.Or(cfg.WorkingDir, DefaultWorkingDir)
	if !workDir.IsAbs() {
		return nil, errors.Newf("working dir %q must be absolute", workDir)
	}

	spec := &ImageSpec{
		OS:             cmp.Or(cfg.OS, "linux"),
		Arch:           cmp.Or(cfg.Arch, "amd64"),
		BaseImage:      cmp.Or(cfg.BaseImage, DefaultBaseImage),
		SystemPackages: []SystemPackage{GitPackage},
		Manifest: ManifestSpec{
			GoMod:  cfg.ProjectRoot.Join("go.mod"),
			GoSum:  cfg.ProjectRoot.Join("go.sum"),
			Binary: cfg.Binary,
		},
		Files: []FileSpec{
			{Src: cfg.Binary, Dest: DefaultBinaryName, Built: true},
			{Src: script, Dest: DefaultEntrypointScript},
		},
		WorkingDir: workDir,
		Entrypoint: []string{workDir.Join(DefaultEntrypointScript).String()},
		Env:        cfg.Env,
		BuildInfo: BuildInfoSpec{
			Info:     cfg.BuildInfo,
			InfoPath: workDir.Join(defaultBuildInfoName),
		},
	}
	return spec, nil
}
