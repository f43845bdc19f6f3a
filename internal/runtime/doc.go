// Package runtime manages build containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and provides image pulls
// and container creation. Base images are pulled by digest-pinned
// reference, unpacked for the target platform, and used to create
// containers with overlayfs snapshots. Stage containers may carry bind
// mounts for persistent build caches.
//
// Each [Container] wraps a running containerd task. Commands can be
// executed inside the container, files can be copied in and out as tar
// streams, and the final filesystem state can be committed as a new
// image target. Committed targets can be recorded under any number of
// tags and exported as OCI archives. When a container is no longer
// needed it should be destroyed to release its snapshot and task
// resources.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "kiln")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ref, err := rt.PullImage(ctx, "docker.io/library/debian@sha256:...", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartContainer(ctx, runtime.StartOptions{Image: ref, ID: "build-1", Platform: "linux/amd64"})
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	target, err := ctr.Commit(ctx, runtime.ConfigMutation{Cmd: []string{"/usr/local/bin/node"}})
//	if err != nil {
//	    return err
//	}
//
//	if err := rt.Tag(ctx, target, "ghcr.io/chainkiln/ledger:indexer-latest"); err != nil {
//	    return err
//	}
package runtime
