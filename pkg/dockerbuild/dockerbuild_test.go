package dockerbuild

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

const testGoMod = `module example.com/app

go 1.22

require (
	github.com/foo/bar v1.2.3
	github.com/baz/qux v0.4.0 // indirect
)
`

const testGoSum = `github.com/foo/bar v1.2.3 h1:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa=
github.com/foo/bar v1.2.3/go.mod h1:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb=
github.com/baz/qux v0.4.0/go.mod h1:ccccccccccccccccccccccccccccccccccccccccccc=
`

// writeProject writes a build context and returns its image spec.
// The executable is not a real Go binary, so its build info is not checked.
func writeProject(c *qt.C) *ImageSpec {
	dir := HostPath(c.TempDir())
	writeFiles(c, dir, map[string]string{
		"go.mod":        testGoMod,
		"go.sum":        testGoSum,
		"bin/dday":      "\x7fELF not really",
		"entrypoint.sh": "#!/bin/sh\nexec /app/dday-label run\n",
	})
	c.Assert(os.Chmod(dir.Join("bin/dday").String(), 0600), qt.IsNil)

	spec, err := Describe(DescribeConfig{
		ProjectRoot: dir,
		Binary:      dir.Join("bin/dday"),
		BuildInfo:   BuildInfo{Builder: "test"},
	})
	c.Assert(err, qt.IsNil)
	spec.Manifest.Binary = ""
	spec.Env = []string{"TZ=Asia/Seoul"}
	return spec
}

func writeFiles(c *qt.C, dir HostPath, files map[string]string) {
	for name, content := range files {
		c.Assert(filepath.IsLocal(name), qt.IsTrue)
		path := dir.Join(name).String()

		err := os.MkdirAll(filepath.Dir(path), 0755)
		c.Assert(err, qt.IsNil)

		err = os.WriteFile(path, []byte(content), 0755)
		c.Assert(err, qt.IsNil)
	}
}

// baseImage returns an image holding the given files, with PATH set.
func baseImage(c *qt.C, files map[string]int64) v1.Image {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, dir := range []string{"usr/", "usr/bin/"} {
		c.Assert(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir, Mode: 0755}), qt.IsNil)
	}
	for name, mode := range files {
		data := []byte("binary " + name)
		c.Assert(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: mode, Size: int64(len(data))}), qt.IsNil)
		_, err := tw.Write(data)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(tw.Close(), qt.IsNil)

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	c.Assert(err, qt.IsNil)
	img, err := mutate.AppendLayers(empty.Image, layer)
	c.Assert(err, qt.IsNil)
	img, err = mutate.Config(img, v1.Config{
		Env: []string{"PATH=/usr/local/bin:/usr/bin", "TZ=UTC"},
		Cmd: []string{"--help"},
	})
	c.Assert(err, qt.IsNil)
	return img
}

func gitImage(c *qt.C) v1.Image {
	return baseImage(c, map[string]int64{"usr/bin/git": 0755})
}

// layerFiles reads the regular files of a layer, keyed by name.
func layerFiles(c *qt.C, layer v1.Layer) map[string]*tar.Header {
	rc, err := layer.Uncompressed()
	c.Assert(err, qt.IsNil)
	defer rc.Close()

	files := make(map[string]*tar.Header)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		c.Assert(err, qt.IsNil)
		files[hdr.Name] = hdr
	}
	return files
}

func readLayerFile(c *qt.C, layer v1.Layer, name string) []byte {
	rc, err := layer.Uncompressed()
	c.Assert(err, qt.IsNil)
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		c.Assert(err, qt.IsNil, qt.Commentf("file %s not found", name))
		if hdr.Name == name {
			data, err := io.ReadAll(tr)
			c.Assert(err, qt.IsNil)
			return data
		}
	}
}

func TestBuildImage(t *testing.T) {
	c := qt.New(t)
	spec := writeProject(c)
	base := gitImage(c)

	var stages []Stage
	img, err := BuildImage(context.Background(), spec, ImageBuildConfig{
		BuildTime:         time.Unix(1234567890, 0).UTC(),
		BaseImageOverride: base,
		Observer:          func(s Stage) { stages = append(stages, s) },
	})
	c.Assert(err, qt.IsNil)
	c.Assert(stages, qt.DeepEquals, Stages)

	cfg, err := img.ConfigFile()
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Config.Entrypoint, qt.DeepEquals, []string{"/app/entrypoint.sh"})
	c.Assert(cfg.Config.Cmd, qt.IsNil)
	c.Assert(cfg.Config.WorkingDir, qt.Equals, "/app")
	c.Assert(cfg.Config.Env, qt.DeepEquals, []string{"PATH=/usr/local/bin:/usr/bin", "TZ=Asia/Seoul"})
	c.Assert(cfg.Author, qt.Equals, "dday-label")
	c.Assert(cfg.Created.Time.Equal(time.Unix(1234567890, 0)), qt.IsTrue)

	layers, err := img.Layers()
	c.Assert(err, qt.IsNil)
	c.Assert(layers, qt.HasLen, 2)

	top := layers[1]
	files := layerFiles(c, top)
	c.Assert(files["app/"], qt.IsNotNil)
	for _, name := range []string{"app/dday-label", "app/entrypoint.sh"} {
		hdr := files[name]
		c.Assert(hdr, qt.IsNotNil, qt.Commentf("missing %s", name))
		c.Assert(hdr.Mode, qt.Equals, int64(0755), qt.Commentf("mode of %s", name))
		c.Assert(hdr.ModTime.Unix(), qt.Equals, int64(1234567890))
	}
	c.Assert(files["app/build-info.json"].Mode, qt.Equals, int64(0644))

	c.Assert(string(readLayerFile(c, top, "app/dday-label")), qt.Equals, "\x7fELF not really")
	c.Assert(string(readLayerFile(c, top, "app/entrypoint.sh")), qt.Equals, "#!/bin/sh\nexec /app/dday-label run\n")

	var info BuildInfo
	c.Assert(json.Unmarshal(readLayerFile(c, top, "app/build-info.json"), &info), qt.IsNil)
	c.Assert(info, qt.DeepEquals, BuildInfo{Builder: "test", Module: "example.com/app"})

	// The source file's mode is untouched.
	fi, err := os.Stat(spec.Files[0].Src.String())
	c.Assert(err, qt.IsNil)
	c.Assert(fi.Mode().Perm(), qt.Equals, os.FileMode(0600))
}

func TestBuildImage_Idempotent(t *testing.T) {
	c := qt.New(t)
	spec := writeProject(c)
	base := gitImage(c)

	digest := func(buildTime time.Time) v1.Hash {
		img, err := BuildImage(context.Background(), spec, ImageBuildConfig{
			BuildTime:         buildTime,
			BaseImageOverride: base,
		})
		c.Assert(err, qt.IsNil)
		d, err := img.Digest()
		c.Assert(err, qt.IsNil)
		return d
	}

	t0 := time.Unix(1234567890, 0).UTC()
	first := digest(t0)
	c.Assert(digest(t0), qt.Equals, first)
	c.Assert(digest(t0.Add(time.Hour)), qt.Not(qt.Equals), first)
}

func TestBuildImage_Failures(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *qt.C, spec *ImageSpec)
		base      func(c *qt.C) v1.Image
		wantStage Stage
		wantErr   error
		wantMsg   string
	}{
		{
			name:      "base_without_git",
			base:      func(c *qt.C) v1.Image { return empty.Image },
			wantStage: StageSystemDeps,
			wantErr:   ErrMissingPackage,
			wantMsg:   `.*lacks git \(/usr/bin/git\).*`,
		},
		{
			name: "git_not_executable",
			base: func(c *qt.C) v1.Image {
				return baseImage(c, map[string]int64{"usr/bin/git": 0644})
			},
			wantStage: StageSystemDeps,
			wantErr:   ErrMissingPackage,
			wantMsg:   `.*git: /usr/bin/git is not executable.*`,
		},
		{
			name: "unresolved_requirement",
			modify: func(c *qt.C, spec *ImageSpec) {
				writeFiles(c, spec.Manifest.GoSum.Dir(), map[string]string{
					"go.sum": "github.com/foo/bar v1.2.3 h1:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa=\n",
				})
			},
			wantStage: StageAppDeps,
			wantErr:   ErrUnresolved,
			wantMsg:   `.*no go.sum entry for github.com/baz/qux@v0.4.0.*`,
		},
		{
			name: "missing_go_mod",
			modify: func(c *qt.C, spec *ImageSpec) {
				c.Assert(os.Remove(spec.Manifest.GoMod.String()), qt.IsNil)
			},
			wantStage: StageAppDeps,
			wantMsg:   `.*read go.mod.*`,
		},
		{
			name: "not_a_go_binary",
			modify: func(c *qt.C, spec *ImageSpec) {
				spec.Manifest.Binary = spec.Files[0].Src
			},
			wantStage: StageAppDeps,
			wantMsg:   `.*read build info of .*`,
		},
		{
			name: "missing_source_file",
			modify: func(c *qt.C, spec *ImageSpec) {
				c.Assert(os.Remove(spec.Files[1].Src.String()), qt.IsNil)
			},
			wantStage: StageFilesCopied,
			wantErr:   ErrMissingSource,
			wantMsg:   `.*entrypoint.sh: missing source file`,
		},
		{
			name: "empty_entrypoint",
			modify: func(c *qt.C, spec *ImageSpec) {
				spec.Entrypoint = nil
			},
			wantStage: StageEntrypointSet,
			wantMsg:   `.*empty entrypoint`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			spec := writeProject(c)
			if tt.modify != nil {
				tt.modify(c, spec)
			}
			base := gitImage(c)
			if tt.base != nil {
				base = tt.base(c)
			}

			var stages []Stage
			img, err := BuildImage(context.Background(), spec, ImageBuildConfig{
				BaseImageOverride: base,
				Observer:          func(s Stage) { stages = append(stages, s) },
			})
			c.Assert(img, qt.IsNil)
			c.Assert(err, qt.ErrorMatches, `build failed at stage `+tt.wantStage.String()+`: `+tt.wantMsg)

			stage, ok := FailedStage(err)
			c.Assert(ok, qt.IsTrue)
			c.Assert(stage, qt.Equals, tt.wantStage)
			if tt.wantErr != nil {
				c.Assert(errors.Is(err, tt.wantErr), qt.IsTrue)
			}

			// No stage after the failing one runs.
			c.Assert(stages[len(stages)-1], qt.Equals, tt.wantStage)
		})
	}
}

func TestBuildImage_Canceled(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := BuildImage(ctx, writeProject(c), ImageBuildConfig{BaseImageOverride: gitImage(c)})
	stage, ok := FailedStage(err)
	c.Assert(ok, qt.IsTrue)
	c.Assert(stage, qt.Equals, StageBase)
	c.Assert(errors.Is(err, context.Canceled), qt.IsTrue)
}

func TestStageString(t *testing.T) {
	c := qt.New(t)
	var names []string
	for _, s := range Stages {
		names = append(names, s.String())
	}
	c.Assert(names, qt.DeepEquals, []string{"base", "system-deps", "app-deps", "files-copied", "permissions-set", "entrypoint-set"})
	c.Assert(Stage(42).String(), qt.Equals, "stage(42)")
}

func TestTarCopier_MkdirAll(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tc := newTarCopier(tw)

	c.Assert(tc.MkdirAll("/a/b/c", 0755), qt.IsNil)
	c.Assert(tc.MkdirAll("/a/b/d", 0755), qt.IsNil)
	c.Assert(tc.WriteFile("/a/b/d/f", 0644, []byte("x")), qt.IsNil)
	c.Assert(tw.Close(), qt.IsNil)

	var names []string
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		c.Assert(err, qt.IsNil)
		names = append(names, hdr.Name)
	}
	c.Assert(names, qt.DeepEquals, []string{"a/", "a/b/", "a/b/c/", "a/b/d/", "a/b/d/f"})
}
