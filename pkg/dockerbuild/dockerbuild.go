package dockerbuild

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/rs/zerolog/log"
)

// ExecutableMode is the mode every copied file gets in the image.
const ExecutableMode fs.FileMode = 0755

type ImageBuildConfig struct {
	// The time to use when recording times in the image.
	BuildTime time.Time

	// BaseImageOverride overrides the base image to use.
	// If nil it resolves the image from the spec using ResolveRemoteImage.
	BaseImageOverride v1.Image

	// Observer, if set, is called as each stage starts.
	Observer func(Stage)

	// RemoteOptions are passed on when resolving the base image.
	RemoteOptions []remote.Option
}

// BuildImage builds a docker image from the given spec.
//
// The stages run in order and stop at the first failure,
// which is reported as a *StageError. No image is returned on failure.
func BuildImage(ctx context.Context, spec *ImageSpec, cfg ImageBuildConfig) (v1.Image, error) {
	b := &imageBuilder{spec: spec, cfg: &cfg}
	steps := []func(context.Context) error{
		StageBase:           b.resolveBase,
		StageSystemDeps:     b.checkSystemPackages,
		StageAppDeps:        b.checkDependencies,
		StageFilesCopied:    b.copyFiles,
		StagePermissionsSet: b.setPermissions,
		StageEntrypointSet:  b.setEntrypoint,
	}

	for _, stage := range Stages {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: stage, Err: err}
		}
		if cfg.Observer != nil {
			cfg.Observer(stage)
		}
		log.Ctx(ctx).Debug().Stringer("stage", stage).Msg("running build stage")
		if err := steps[stage](ctx); err != nil {
			return nil, &StageError{Stage: stage, Err: err}
		}
	}
	return b.img, nil
}

type imageBuilder struct {
	spec *ImageSpec
	cfg  *ImageBuildConfig

	base  v1.Image
	img   v1.Image
	info  BuildInfo
	files []stagedFile
}

// stagedFile is a file read from the host, waiting to be written to the layer.
type stagedFile struct {
	dest ImagePath
	mode fs.FileMode
	data []byte
}

func (b *imageBuilder) workingDir() ImagePath {
	if b.spec.WorkingDir == "" {
		return "/"
	}
	return b.spec.WorkingDir.Clean()
}

func (b *imageBuilder) resolveBase(ctx context.Context) error {
	if b.cfg.BaseImageOverride != nil {
		b.base = b.cfg.BaseImageOverride
		return nil
	}

	options := append([]remote.Option{
		remote.WithPlatform(v1.Platform{
			OS:           b.spec.OS,
			Architecture: b.spec.Arch,
		}),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}, b.cfg.RemoteOptions...)
	img, err := ResolveRemoteImage(ctx, b.spec.BaseImage, options...)
	if err != nil {
		return errors.Wrap(err, "resolve base image")
	}
	b.base = img
	return nil
}

// checkSystemPackages verifies the base image provides every system package.
// Nothing is installed: without a container runtime there is no package manager to run.
func (b *imageBuilder) checkSystemPackages(ctx context.Context) error {
	if len(b.spec.SystemPackages) == 0 {
		return nil
	}

	want := make(map[string]SystemPackage, len(b.spec.SystemPackages))
	for _, pkg := range b.spec.SystemPackages {
		want[tarName(pkg.Path)] = pkg
	}

	rc := mutate.Extract(b.base)
	defer func() { _ = rc.Close() }()

	tr := tar.NewReader(rc)
	for len(want) > 0 {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "read base image filesystem")
		}

		name := tarName(ImagePath(hdr.Name))
		pkg, ok := want[name]
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
		case tar.TypeReg:
			if hdr.FileInfo().Mode()&0111 == 0 {
				return errors.Wrapf(ErrMissingPackage, "%s: %s is not executable", pkg.Name, pkg.Path)
			}
		default:
			continue
		}
		log.Ctx(ctx).Debug().Str("package", pkg.Name).Str("path", pkg.Path.String()).Msg("found system package")
		delete(want, name)
	}

	if len(want) > 0 {
		var missing []string
		for _, pkg := range want {
			missing = append(missing, pkg.Name+" ("+pkg.Path.String()+")")
		}
		slices.Sort(missing)
		return errors.Wrapf(ErrMissingPackage, "base image %q lacks %s", b.spec.BaseImage, strings.Join(missing, ", "))
	}
	return nil
}

func (b *imageBuilder) checkDependencies(ctx context.Context) error {
	m, err := LoadManifest(b.spec.Manifest)
	if err != nil {
		return err
	}
	if err := m.Check(); err != nil {
		return err
	}

	b.info = b.spec.BuildInfo.Info
	if b.info.Module == "" {
		b.info.Module = m.Module
	}

	if b.spec.Manifest.Binary != "" {
		bi, err := m.CheckBinary(b.spec.Manifest.Binary)
		if err != nil {
			return err
		}
		if b.info.Commit == (CommitInfo{}) {
			b.info.Commit = commitInfo(bi)
		}
		log.Ctx(ctx).Debug().Str("go", bi.GoVersion).Int("modules", len(bi.Deps)).Msg("executable matches go.mod")
	}
	return nil
}

func (b *imageBuilder) copyFiles(ctx context.Context) error {
	if len(b.spec.Files) == 0 {
		return errors.New("no files to copy")
	}

	seen := make(map[ImagePath]bool, len(b.spec.Files))
	for _, f := range b.spec.Files {
		dest := b.workingDir().Resolve(f.Dest)
		if seen[dest] {
			return errors.Newf("duplicate destination %s", dest)
		}
		seen[dest] = true

		fi, err := os.Stat(f.Src.String())
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrMissingSource, "%s", f.Src)
		} else if err != nil {
			return errors.Wrap(err, "stat source file")
		} else if !fi.Mode().IsRegular() {
			return errors.Newf("%s is not a regular file", f.Src)
		}

		data, err := os.ReadFile(f.Src.String())
		if err != nil {
			return errors.Wrapf(err, "read %s", f.Src)
		}
		b.files = append(b.files, stagedFile{dest: dest, mode: fi.Mode().Perm(), data: data})
	}
	return nil
}

// setPermissions makes every copied file executable and
// appends the layer holding them to the base image.
func (b *imageBuilder) setPermissions(ctx context.Context) error {
	for i := range b.files {
		b.files[i].mode = ExecutableMode
	}

	data, err := b.buildLayerTar()
	if err != nil {
		return errors.Wrap(err, "build image fs")
	}

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	},
		tarball.WithCompressedCaching,
		tarball.WithCompressionLevel(5), // balance speed and compression
	)
	if err != nil {
		return errors.Wrap(err, "create tarball layer")
	}

	img, err := mutate.Append(b.base, mutate.Addendum{
		Layer: layer,
		History: v1.History{
			Author:    "dday-label",
			Created:   v1.Time{Time: b.cfg.BuildTime},
			CreatedBy: "dday-label image build",
			Comment:   "COPY " + strings.Join(b.destinations(), " "),
		},
	})
	if err != nil {
		return errors.Wrap(err, "add layer")
	}
	b.img = img
	return nil
}

func (b *imageBuilder) destinations() []string {
	dests := make([]string, len(b.files))
	for i, f := range b.files {
		dests[i] = f.dest.String()
	}
	return dests
}

// buildLayerTar writes the staged files and the build information to a tarball.
// Entries are sorted and timestamped with the build time so the layer digest is stable.
func (b *imageBuilder) buildLayerTar() ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tc := newTarCopier(tw, setFileTimes(b.cfg.BuildTime))

	files := slices.Clone(b.files)
	if p := b.spec.BuildInfo.InfoPath; p != "" {
		info, err := json.MarshalIndent(b.info, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "marshal build info")
		}
		files = append(files, stagedFile{dest: b.workingDir().Resolve(p), mode: 0644, data: info})
	}
	slices.SortFunc(files, func(x, y stagedFile) int {
		return strings.Compare(x.dest.String(), y.dest.String())
	})

	if err := tc.MkdirAll(b.workingDir(), 0755); err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := tc.MkdirAll(f.dest.Dir(), 0755); err != nil {
			return nil, err
		}
		if err := tc.WriteFile(f.dest, f.mode, f.data); err != nil {
			return nil, errors.Wrapf(err, "write %s", f.dest)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "complete tar")
	}
	return buf.Bytes(), nil
}

func (b *imageBuilder) setEntrypoint(ctx context.Context) error {
	if len(b.spec.Entrypoint) == 0 {
		return errors.New("empty entrypoint")
	}

	// Copy the base image's environment variables.
	baseCfg, err := b.base.ConfigFile()
	if err != nil {
		return errors.Wrap(err, "get base image config")
	}
	envs := newEnvMap(baseCfg.Config.Env)

	imgCfg, err := b.img.ConfigFile()
	if err != nil {
		return errors.Wrap(err, "get image config")
	}
	imgCfg = imgCfg.DeepCopy()

	// Add the image spec's environment.
	envs.Update(b.spec.Env)

	imgCfg.Config.Entrypoint = slices.Clone(b.spec.Entrypoint)
	imgCfg.Config.Cmd = nil
	imgCfg.Config.Env = envs.ToSlice()
	imgCfg.Config.WorkingDir = b.workingDir().String()
	imgCfg.Author = "dday-label"
	imgCfg.Created = v1.Time{Time: b.cfg.BuildTime}
	if rev := b.info.Commit.Revision; rev != "" {
		if imgCfg.Config.Labels == nil {
			imgCfg.Config.Labels = make(map[string]string)
		}
		imgCfg.Config.Labels["org.opencontainers.image.revision"] = rev
	}

	img, err := mutate.ConfigFile(b.img, imgCfg)
	if err != nil {
		return errors.Wrap(err, "add config")
	}
	b.img = img
	return nil
}

// ResolveRemoteImage resolves the base image with the given reference.
// If imageRef is the empty string or "scratch" it resolves to the empty image.
func ResolveRemoteImage(ctx context.Context, imageRef string, options ...remote.Option) (v1.Image, error) {
	if imageRef == "" || imageRef == "scratch" {
		return empty.Image, nil
	}

	baseImgRef, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, errors.Wrap(err, "parse image ref")
	}

	img, err := remote.Image(baseImgRef, append(options, remote.WithContext(ctx))...)
	if err != nil {
		return nil, errors.Wrap(err, "fetch image")
	}
	return img, nil
}

// tarName normalizes an image path to the form used in layer tarballs.
func tarName(p ImagePath) string {
	return strings.TrimPrefix(pathpkg.Clean("/"+string(p)), "/")
}

type envMap map[string]string

func (m envMap) Update(envs []string) {
	for _, e := range envs {
		key, value, _ := strings.Cut(e, "=")
		m[key] = value
	}
}

func (m envMap) ToSlice() []string {
	envs := make([]string, 0, len(m))
	for k, v := range m {
		envs = append(envs, k+"="+v)
	}
	slices.Sort(envs)
	return envs
}

func newEnvMap(envs []string) envMap {
	m := make(envMap, len(envs))
	m.Update(envs)
	return m
}
