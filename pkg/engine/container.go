package engine

import (
	"bufio"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/pkg/errors"
)

// sidecarImage performs artifact copies against the job volume.
const sidecarImage = "debian:stable-slim"

// shellProbe execs the first available shell against the staged init
// script. Runs as the container command.
const shellProbe = `if command -v bash >/dev/null 2>&1; then exec bash %[1]s; ` +
	`elif command -v sh >/dev/null 2>&1; then exec sh %[1]s; ` +
	`elif command -v busybox >/dev/null 2>&1; then exec busybox sh %[1]s; ` +
	`else echo 'shell not found' >&2; exit 1; fi`

type runtime struct {
	cli *client.Client
}

// newRuntime connects to the container daemon. A missing daemon is a fatal
// runtime dependency error.
func newRuntime() (*runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "cannot create container runtime client")
	}
	return &runtime{cli: cli}, nil
}

// ensureImage pulls the image when it is not locally present.
func (r *runtime) ensureImage(ctx context.Context, ref string) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", ref)
	images, err := r.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return errors.Wrapf(err, "cannot list images for %s", ref)
	}
	if len(images) > 0 {
		return nil
	}
	ctx.Logger().Infof("pulling image %s", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "cannot pull image %s", ref)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrapf(err, "cannot pull image %s", ref)
	}
	return nil
}

func (r *runtime) createVolume(ctx context.Context, name string) error {
	if _, err := r.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return errors.Wrapf(err, "cannot create volume %s", name)
	}
	return nil
}

// containerSpec is everything create needs beyond the image.
type containerSpec struct {
	name       string
	image      string
	entrypoint []string
	cmd        []string
	env        []string
	binds      []string
	extraHosts []string
	privileged bool
}

func (r *runtime) create(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{
		Image:     spec.image,
		Cmd:       spec.cmd,
		Env:       spec.env,
		User:      "0:0",
		OpenStdin: true,
	}
	if spec.entrypoint != nil {
		cfg.Entrypoint = spec.entrypoint
	}
	host := &container.HostConfig{
		Binds:      spec.binds,
		ExtraHosts: spec.extraHosts,
		Privileged: spec.privileged,
	}
	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.name)
	if err != nil {
		return "", errors.Wrapf(err, "cannot create container for image %s", spec.image)
	}
	return resp.ID, nil
}

// copyTo streams a tar archive into the container at dst.
func (r *runtime) copyTo(ctx context.Context, id, dst string, archive io.Reader) error {
	if err := r.cli.CopyToContainer(ctx, id, dst, archive, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrapf(err, "cannot copy into container %s", id)
	}
	return nil
}

// startAndStream starts the container, forwards its output line by line
// and returns the exit code.
func (r *runtime) startAndStream(ctx context.Context, id string, onStdout, onStderr func(string)) (int, error) {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, errors.Wrapf(err, "cannot start container %s", id)
	}

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, errors.Wrapf(err, "cannot attach to container %s", id)
	}
	defer logs.Close()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, cerr := stdcopy.StdCopy(outW, errW, logs)
		outW.CloseWithError(cerr)
		errW.CloseWithError(cerr)
	}()
	streamed := make(chan struct{})
	go func() {
		scanInto(outR, onStdout)
		close(streamed)
	}()
	scanInto(errR, onStderr)
	<-streamed

	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case werr := <-errCh:
		if werr != nil {
			return -1, errors.Wrapf(werr, "cannot wait for container %s", id)
		}
		return -1, errors.Errorf("cannot wait for container %s", id)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// run starts the container and waits for it without streaming, for
// sidecars.
func (r *runtime) run(ctx context.Context, id string) (int, error) {
	return r.startAndStream(ctx, id, nil, nil)
}

// copyFromDir extracts the directory at src in the container into hostDst,
// stripping the src directory prefix.
func (r *runtime) copyFromDir(ctx context.Context, id, src, hostDst string) error {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, src)
	if err != nil {
		return errors.Wrapf(err, "cannot copy %s out of container %s", src, id)
	}
	defer rc.Close()
	if err := untar(rc, hostDst, true); err != nil {
		return errors.Wrapf(err, "cannot extract %s from container %s", src, id)
	}
	return nil
}

// remove force-removes a container. Errors are returned for the caller to
// log, cleanup never propagates them.
func (r *runtime) remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return errors.Wrapf(err, "cannot remove container %s", id)
	}
	return nil
}

func (r *runtime) removeVolume(ctx context.Context, name string) error {
	if err := r.cli.VolumeRemove(ctx, name, true); err != nil {
		return errors.Wrapf(err, "cannot remove volume %s", name)
	}
	return nil
}

func scanInto(rd io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if onLine != nil {
			onLine(sc.Text())
		}
	}
}

func probeCommand(scriptPath string) []string {
	return []string{"sh", "-c", fmt.Sprintf(shellProbe, scriptPath)}
}
