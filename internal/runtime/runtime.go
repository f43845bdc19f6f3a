package runtime

import (
	"context"
	"log/slog"
	"os"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing kiln to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers and images.
}

// Controls how a stage container is created.
type StartOptions struct {
	Image    string        // Reference of a pulled or tagged image in the store.
	ID       string        // Container ID; a stale container with the same ID is replaced.
	Platform string        // OCI platform (e.g., "linux/amd64"). Empty uses the host.
	Mounts   []specs.Mount // Additional mounts (build caches) bound into the container.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Pulls an image by reference and unpacks it for the target platform.
//
// Base images are expected to be digest-pinned, so repeated pulls of the
// same reference always resolve to identical content. An unreachable
// registry is fatal; there is no retry. Returns the normalized reference
// under which the image is stored.
func (rt *Runtime) PullImage(ctx context.Context, ref, platform string) (string, error) {
	p, err := platforms.Parse(normalizePlatform(platform))
	if err != nil {
		return "", wrap(ErrRuntime, err)
	}

	image, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
	if err != nil {
		return "", wrapf(ErrRuntime, "pull %s: %v", ref, err)
	}

	slog.Debug("image pulled", "ref", image.Name(), "platform", platform)
	return image.Name(), nil
}

// Starts a container from an image already present in the store.
//
// The image's layers are unpacked into the snapshotter if a previous pull
// did not already do so, a container is created with a fresh snapshot and
// the requested cache mounts, and a long-running task (sleep infinity) is
// started so that subsequent Exec calls have a running process to attach
// to. Any existing container with the same ID is removed first. Building
// for a platform other than the host requires QEMU / binfmt_misc support
// in the kernel.
func (rt *Runtime) StartContainer(ctx context.Context, opts StartOptions) (*Container, error) {
	platform := normalizePlatform(opts.Platform)

	image, err := rt.resolveImage(ctx, opts.Image, platform)
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	if err := ensureUnpacked(ctx, image); err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	c := &Container{
		client:   rt.client,
		id:       opts.ID,
		platform: platform,
	}

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	ctr, err := c.create(ctx, image, opts.Mounts)
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", opts.ID, "image", opts.Image)

	return c, nil
}

// Records image tags for a committed target descriptor.
//
// Every name points at the same content, so one build can publish both a
// revision tag and a floating alias atomically from its point of view:
// nothing is recorded until the target has been fully committed. Existing
// records are updated in place, which is how the floating alias moves.
func (rt *Runtime) Tag(ctx context.Context, target ocispec.Descriptor, names ...string) error {
	is := rt.client.ImageService()

	for _, name := range names {
		img := images.Image{
			Name:   name,
			Target: target,
		}

		if _, err := is.Create(ctx, img); err != nil {
			if !errdefs.IsAlreadyExists(err) {
				return wrapf(ErrRuntime, "tag %s: %v", name, err)
			}
			if _, err := is.Update(ctx, img, "target"); err != nil {
				return wrapf(ErrRuntime, "retag %s: %v", name, err)
			}
		}

		slog.Debug("image tagged", "tag", name)
	}

	return nil
}

// Writes a committed target to an OCI tar archive at the given path.
//
// The target descriptor is exported directly via [archive.WithManifest]
// rather than looking up an image by name, so ephemeral content (a
// committed manifest that was never tagged) can be exported too. The name
// is attached as the OCI reference annotation on the archive entry.
func (rt *Runtime) Export(ctx context.Context, target ocispec.Descriptor, name, path, platform string) error {
	f, err := os.Create(path)
	if err != nil {
		return wrap(ErrRuntime, err)
	}
	defer f.Close()

	p, err := platforms.Parse(normalizePlatform(platform))
	if err != nil {
		return wrap(ErrRuntime, err)
	}

	if err := rt.client.Export(ctx, f,
		archive.WithManifest(target, name),
		archive.WithPlatform(platforms.Only(p)),
	); err != nil {
		return wrapf(ErrRuntime, "export %s: %v", name, err)
	}

	slog.Info("image exported", "path", path)
	return nil
}

// Looks up an image and selects the manifest for the given platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, ref, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Unpacks an image's layers into the snapshotter when missing.
func ensureUnpacked(ctx context.Context, image containerd.Image) error {
	unpacked, err := image.IsUnpacked(ctx, snapshotter)
	if err != nil {
		return err
	}
	if unpacked {
		return nil
	}
	return image.Unpack(ctx, snapshotter)
}

// Returns the platform, defaulting to the host architecture when empty.
func normalizePlatform(platform string) string {
	if platform != "" {
		return platform
	}
	return DefaultPlatform()
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
