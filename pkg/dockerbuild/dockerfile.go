package dockerbuild

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultBuilderImage is the Go toolchain image used to compile the executable.
	DefaultBuilderImage = "golang:1.25-alpine"

	// DefaultMainPackage is the package compiled into the executable.
	DefaultMainPackage = "./cli/cmd/dday-label"

	// DefaultDockerfileBaseImage is the runtime base of the rendered Dockerfile.
	// Unlike a daemonless build, a docker build can install the system packages,
	// so a plain alpine image is enough.
	DefaultDockerfileBaseImage = "alpine:3.20"
)

type DockerfileOptions struct {
	// ContextDir is the docker build context.
	// Host paths in the spec are made relative to it.
	ContextDir HostPath

	// BuilderImage overrides DefaultBuilderImage.
	BuilderImage string

	// MainPackage overrides DefaultMainPackage.
	MainPackage string
}

// RenderDockerfile renders a Dockerfile producing the image described by spec.
//
// The executable is compiled in a separate toolchain stage. The runtime stage
// then runs the build stages in order: base, system packages, copy with
// permissions, and entrypoint. Files are copied with --chmod so that no shell
// is needed in the runtime image; system packages are installed with apk and
// are rejected on a scratch base.
func RenderDockerfile(spec *ImageSpec, opts DockerfileOptions) ([]byte, error) {
	if len(spec.Entrypoint) == 0 {
		return nil, errors.New("empty entrypoint")
	}
	if opts.BuilderImage == "" {
		opts.BuilderImage = DefaultBuilderImage
	}
	if opts.MainPackage == "" {
		opts.MainPackage = DefaultMainPackage
	}
	workDir := spec.WorkingDir
	if workDir == "" {
		workDir = "/"
	}
	baseImage := spec.BaseImage
	if baseImage == "" {
		baseImage = "scratch"
	}

	rel := func(p HostPath) (string, error) {
		r, err := opts.ContextDir.Rel(p)
		if err != nil || !filepath.IsLocal(r.String()) {
			return "", errors.Newf("%s is outside the build context %s", p, opts.ContextDir)
		}
		return r.ToUnix().String(), nil
	}

	var built *FileSpec
	for i := range spec.Files {
		if !spec.Files[i].Built {
			continue
		}
		if built != nil {
			return nil, errors.New("only one compiled file is supported")
		}
		built = &spec.Files[i]
	}

	var b strings.Builder
	b.WriteString("# Code generated by \"dday-label image dockerfile\". DO NOT EDIT.\n")

	if built != nil {
		goMod, err := rel(spec.Manifest.GoMod)
		if err != nil {
			return nil, err
		}
		goSum, err := rel(spec.Manifest.GoSum)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "\nFROM %s AS build\n", opts.BuilderImage)
		b.WriteString("RUN apk add --no-cache git\n")
		b.WriteString("WORKDIR /src\n")
		// go.sum is optional in the context; -mod=mod records missing sums.
		fmt.Fprintf(&b, "COPY %s %s* ./\n", goMod, goSum)
		b.WriteString("RUN go mod download && go mod verify\n")
		b.WriteString("COPY . .\n")
		fmt.Fprintf(&b, "RUN CGO_ENABLED=0 go build -mod=mod -trimpath -o /out/%s %s\n", built.Dest.Base(), opts.MainPackage)
	}

	fmt.Fprintf(&b, "\nFROM %s\n", baseImage)
	if len(spec.SystemPackages) > 0 {
		names := make([]string, len(spec.SystemPackages))
		for i, pkg := range spec.SystemPackages {
			names[i] = pkg.Name
		}
		if baseImage == "scratch" {
			return nil, errors.Newf("base image scratch cannot install %s", strings.Join(names, ", "))
		}
		fmt.Fprintf(&b, "RUN apk add --no-cache %s\n", strings.Join(names, " "))
	}
	fmt.Fprintf(&b, "WORKDIR %s\n", workDir)
	for _, env := range spec.Env {
		k, v, _ := strings.Cut(env, "=")
		if k == "" || strings.ContainsAny(k, " \t\"'$\\") {
			return nil, errors.Newf("invalid environment variable name %q", k)
		}
		quoted, err := quoteWord(v)
		if err != nil {
			return nil, errors.Wrapf(err, "environment variable %s", k)
		}
		fmt.Fprintf(&b, "ENV %s=%s\n", k, quoted)
	}

	for _, f := range spec.Files {
		dest := workDir.Resolve(f.Dest).String()
		if f.Built {
			fmt.Fprintf(&b, "COPY --from=build --chmod=%04o /out/%s %s\n", ExecutableMode, f.Dest.Base(), dest)
			continue
		}
		src, err := rel(f.Src)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "COPY --chmod=%04o %s %s\n", ExecutableMode, src, dest)
	}

	ep, err := json.Marshal(spec.Entrypoint)
	if err != nil {
		return nil, errors.Wrap(err, "marshal entrypoint")
	}
	fmt.Fprintf(&b, "ENTRYPOINT %s\n", ep)
	return []byte(b.String()), nil
}

var wordEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// quoteWord quotes v as a double-quoted Dockerfile word. Inside double quotes
// the builder expands $ and treats backslash as an escape, so both are escaped.
// Other bytes, including non-ASCII text, are kept verbatim.
func quoteWord(v string) (string, error) {
	if strings.ContainsAny(v, "\r\n") {
		return "", errors.New("value contains a line break")
	}
	return `"` + wordEscaper.Replace(v) + `"`, nil
}
