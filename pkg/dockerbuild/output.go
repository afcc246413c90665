package dockerbuild

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/rs/zerolog"
)

// DefaultTag is the tag given to built images when none is specified.
const DefaultTag = "dday-label:latest"

// Output describes where a built image goes. Any combination may be set.
type Output struct {
	// Tag names the image. Defaults to DefaultTag.
	Tag string

	// TarballPath writes a `docker load`-compatible tarball.
	TarballPath string

	// Daemon saves the image to the local docker daemon.
	Daemon bool

	// Push pushes the image to the registry named by Tag.
	Push bool
}

// Write sends img to every destination in out.
func Write(ctx context.Context, log zerolog.Logger, img v1.Image, out Output) error {
	tagStr := out.Tag
	if tagStr == "" {
		tagStr = DefaultTag
	}
	tag, err := name.NewTag(tagStr, name.WeakValidation)
	if err != nil {
		return errors.Wrap(err, "invalid image tag")
	}

	if out.TarballPath != "" {
		log.Info().Str("path", out.TarballPath).Msg("writing image tarball")
		if err := tarball.WriteToFile(out.TarballPath, tag, img); err != nil {
			return errors.Wrap(err, "write image tarball")
		}
	}

	if out.Daemon {
		log.Info().Msg("saving image to local docker daemon")
		if _, err := daemon.Write(tag, img, daemon.WithUnbufferedOpener(), daemon.WithContext(ctx)); err != nil {
			return errors.Wrap(err, "unable to save docker image")
		}
		log.Info().Msg("successfully saved local docker image")
	}

	if out.Push {
		log.Info().Str("tag", tag.String()).Msg("pushing docker image to container registry")
		keychain := authn.DefaultKeychain
		if err := remote.Write(tag, img, remote.WithAuthFromKeychain(keychain), remote.WithContext(ctx)); err != nil {
			return errors.Wrap(err, "unable to push docker image")
		}
		log.Info().Msg("successfully pushed docker image")
	}
	return nil
}
