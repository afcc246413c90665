package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dday-label/dday/cli/cmd/dday-label/cmdutil"
	"github.com/dday-label/dday/internal/version"
	"github.com/dday-label/dday/pkg/dockerbuild"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Builds the container image that runs dday-label",
}

var (
	imgProjectRoot string
	imgBinary      string
	imgBase        string
	dockerfileBase string
	imgPlatform    string
	imgTag         string
	imgOutput      string
	imgPush        bool
	imgDaemon      bool
	dockerfileOut  string
)

var imageBuildCmd = &cobra.Command{
	Use:   "build --binary=<path> [--tag=<tag>] [--output=<file.tar>] [--push] [--daemon]",
	Short: "Builds the image without a docker daemon",
	Long: `Builds the image without a docker daemon.

The build runs these stages in order and stops at the first failure:
base, system-deps, app-deps, files-copied, permissions-set, entrypoint-set.

The binary must be a linux build of this module, for example:
  GOOS=linux CGO_ENABLED=0 go build -o dday-label ./cli/cmd/dday-label`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		spec := describeImage(imgBase)
		if imgOutput == "" && !imgPush && !imgDaemon {
			log.Warn().Msg("no --output, --push or --daemon given; the image is built and discarded")
		}

		ctx, cancel := interruptContext()
		defer cancel()
		ctx = log.Logger.WithContext(ctx)

		img, err := dockerbuild.BuildImage(ctx, spec, dockerbuild.ImageBuildConfig{
			BuildTime: buildTime(),
			Observer: func(s dockerbuild.Stage) {
				log.Info().Stringer("stage", s).Msg("build stage")
			},
		})
		if err != nil {
			cmdutil.Fatal(err)
		}
		digest, err := img.Digest()
		if err != nil {
			cmdutil.Fatal(errors.Wrap(err, "compute image digest"))
		}
		log.Info().Str("digest", digest.String()).Msg("image built")

		err = dockerbuild.Write(ctx, log.Logger, img, dockerbuild.Output{
			Tag:         imgTag,
			TarballPath: imgOutput,
			Daemon:      imgDaemon,
			Push:        imgPush,
		})
		if err != nil {
			cmdutil.Fatal(err)
		}
	},
}

var imageCheckCmd = &cobra.Command{
	Use:   "check [--binary=<path>]",
	Short: "Checks the build context without building",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		spec := describeImage(imgBase)
		if err := dockerbuild.CheckContext(spec); err != nil {
			cmdutil.Fatal(err)
		}
		log.Info().Msg("build context ok")
	},
}

var imageDockerfileCmd = &cobra.Command{
	Use:   "dockerfile [-o <path>]",
	Short: "Renders a Dockerfile building the same image",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		spec := describeImage(dockerfileBase)
		data, err := dockerbuild.RenderDockerfile(spec, dockerbuild.DockerfileOptions{
			ContextDir: dockerbuild.HostPath(imgProjectRoot),
		})
		if err != nil {
			cmdutil.Fatal(err)
		}
		if dockerfileOut == "" || dockerfileOut == "-" {
			_, _ = os.Stdout.Write(data)
			return
		}
		if err := os.WriteFile(dockerfileOut, data, 0644); err != nil {
			cmdutil.Fatalf("write %s: %v", dockerfileOut, err)
		}
	},
}

// describeImage describes the image on top of base from the command line flags.
func describeImage(base string) *dockerbuild.ImageSpec {
	root, err := filepath.Abs(imgProjectRoot)
	if err != nil {
		cmdutil.Fatal(err)
	}
	imgProjectRoot = root

	binary := imgBinary
	if binary == "" {
		binary = filepath.Join(root, dockerbuild.DefaultBinaryName)
	} else if binary, err = filepath.Abs(binary); err != nil {
		cmdutil.Fatal(err)
	}

	goos, goarch, err := parsePlatform(imgPlatform)
	if err != nil {
		cmdutil.Fatal(err)
	}

	spec, err := dockerbuild.Describe(dockerbuild.DescribeConfig{
		ProjectRoot: dockerbuild.HostPath(root),
		Binary:      dockerbuild.HostPath(binary),
		BaseImage:   base,
		OS:          goos,
		Arch:        goarch,
		BuildInfo: dockerbuild.BuildInfo{
			Builder: "dday-label/" + version.Version,
		},
	})
	if err != nil {
		cmdutil.Fatal(err)
	}
	return spec
}

// parsePlatform parses "os/arch".
func parsePlatform(s string) (goos, goarch string, err error) {
	goos, goarch, ok := strings.Cut(s, "/")
	if !ok || goos == "" || goarch == "" {
		return "", "", errors.Newf("invalid platform %q, want os/arch", s)
	}
	return goos, goarch, nil
}

// buildTime honors SOURCE_DATE_EPOCH for reproducible builds.
func buildTime() time.Time {
	s := os.Getenv("SOURCE_DATE_EPOCH")
	if s == "" {
		return time.Now().UTC()
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Warn().Str("SOURCE_DATE_EPOCH", s).Msg("ignoring invalid SOURCE_DATE_EPOCH")
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func init() {
	for _, c := range []*cobra.Command{imageBuildCmd, imageCheckCmd, imageDockerfileCmd} {
		c.Flags().StringVar(&imgProjectRoot, "root", ".", "project root holding go.mod, go.sum and "+dockerbuild.DefaultEntrypointScript)
		c.Flags().StringVar(&imgBinary, "binary", "", "compiled dday-label binary (default <root>/"+dockerbuild.DefaultBinaryName+")")
		c.Flags().StringVar(&imgPlatform, "platform", "linux/amd64", "platform of the base image")
		imageCmd.AddCommand(c)
	}

	// A daemonless build can only verify system packages, so its base must ship them.
	for _, c := range []*cobra.Command{imageBuildCmd, imageCheckCmd} {
		c.Flags().StringVar(&imgBase, "base", dockerbuild.DefaultBaseImage, "base image, which must provide git")
	}
	imageDockerfileCmd.Flags().StringVar(&dockerfileBase, "base", dockerbuild.DefaultDockerfileBaseImage, "runtime base image; git is installed with apk")

	imageBuildCmd.Flags().StringVarP(&imgTag, "tag", "t", dockerbuild.DefaultTag, "image tag")
	imageBuildCmd.Flags().StringVarP(&imgOutput, "output", "o", "", "write the image as a tarball to this path")
	imageBuildCmd.Flags().BoolVar(&imgPush, "push", false, "push the image to the registry named by --tag")
	imageBuildCmd.Flags().BoolVar(&imgDaemon, "daemon", false, "save the image to the local docker daemon")

	imageDockerfileCmd.Flags().StringVarP(&dockerfileOut, "output", "o", "", "write the Dockerfile to this path instead of stdout")

	rootCmd.AddCommand(imageCmd)
}
