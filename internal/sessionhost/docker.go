package sessionhost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const defaultImage = "browserless/chrome:latest"

// dockerSession tracks one partition's container and data directory.
type dockerSession struct {
	partitionKey string
	containerID  string
	dataDir      string
	route        string
	port         string
}

// Docker is a session provider backed by one browser container per
// partition. Each container gets a dedicated user-data directory, so
// clearing a partition is a directory wipe while the container is stopped.
type Docker struct {
	client  *client.Client
	image   string
	dataDir string
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[Handle]*dockerSession
}

var _ Provider = (*Docker)(nil)

// DockerOptions configures the docker-backed provider.
type DockerOptions struct {
	Image   string // browser image, defaults to browserless/chrome:latest
	DataDir string // base directory for per-partition user data
}

// NewDocker creates a docker-backed session provider.
func NewDocker(opts DockerOptions, log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if opts.Image == "" {
		opts.Image = defaultImage
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "tabfence-partitions")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition data directory: %w", err)
	}

	return &Docker{
		client:   cli,
		image:    opts.Image,
		dataDir:  opts.DataDir,
		log:      log,
		sessions: make(map[Handle]*dockerSession),
	}, nil
}

// EnsureImage pulls the browser image if it is not present locally.
func (d *Docker) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) Allocate(ctx context.Context, partitionKey string) (Handle, error) {
	if partitionKey == "" {
		return "", fmt.Errorf("partition key is required")
	}

	dataDir := filepath.Join(d.dataDir, partitionKey)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create partition directory: %w", err)
	}

	sess := &dockerSession{partitionKey: partitionKey, dataDir: dataDir}
	if err := d.launch(ctx, sess); err != nil {
		return "", err
	}

	h := Handle("docker-" + partitionKey)
	d.mu.Lock()
	d.sessions[h] = sess
	d.mu.Unlock()

	d.log.Info("session allocated",
		zap.String("partition", partitionKey),
		zap.String("container", sess.containerID[:12]))
	return h, nil
}

// launch creates and starts the partition's container, honoring the
// session's current route.
func (d *Docker) launch(ctx context.Context, sess *dockerSession) error {
	env := []string{
		"CONNECTION_TIMEOUT=-1",
		"MAX_CONCURRENT_SESSIONS=1",
		"KEEP_ALIVE=true",
	}
	if sess.route != "" && sess.route != "direct://" {
		env = append(env, fmt.Sprintf("DEFAULT_LAUNCH_ARGS=[\"--proxy-server=%s\"]", sess.route))
	}

	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			"partition-key": sess.partitionKey,
			"managed-by":    "tabfence",
		},
		Env: env,
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: sess.dataDir, Target: "/data"},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("partition-%s", sess.partitionKey))
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return fmt.Errorf("container %s has no published port", resp.ID[:12])
	}
	sess.containerID = resp.ID
	sess.port = bindings[0].HostPort

	if err := d.waitForBrowserReady(sess.port); err != nil {
		return fmt.Errorf("browser failed to become ready: %w", err)
	}
	return nil
}

// stop stops and removes the session's container, leaving the data
// directory in place.
func (d *Docker) stop(ctx context.Context, sess *dockerSession) error {
	if sess.containerID == "" {
		return nil
	}
	timeout := 10
	if err := d.client.ContainerStop(ctx, sess.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, sess.containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	sess.containerID = ""
	return nil
}

func (d *Docker) ClearAll(ctx context.Context, h Handle) error {
	sess, err := d.session(h)
	if err != nil {
		return err
	}

	// The browser must not be writing to the partition while it is wiped.
	if err := d.stop(ctx, sess); err != nil {
		return err
	}
	if err := os.RemoveAll(sess.dataDir); err != nil {
		return fmt.Errorf("failed to wipe partition data: %w", err)
	}
	if err := os.MkdirAll(sess.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate partition directory: %w", err)
	}
	return d.launch(ctx, sess)
}

func (d *Docker) SetRoute(ctx context.Context, h Handle, route string) error {
	sess, err := d.session(h)
	if err != nil {
		return err
	}
	if sess.route == route {
		return nil
	}

	// Launch arguments are fixed at container start, so a route change
	// means a container restart. Partition data survives in the bind mount.
	sess.route = route
	if err := d.stop(ctx, sess); err != nil {
		return err
	}
	return d.launch(ctx, sess)
}

func (d *Docker) Release(ctx context.Context, h Handle) error {
	sess, err := d.session(h)
	if err != nil {
		return err
	}

	if err := d.stop(ctx, sess); err != nil {
		d.log.Warn("failed to stop container during release",
			zap.String("partition", sess.partitionKey), zap.Error(err))
	}
	if err := os.RemoveAll(sess.dataDir); err != nil {
		d.log.Warn("failed to remove partition data during release",
			zap.String("partition", sess.partitionKey), zap.Error(err))
	}

	d.mu.Lock()
	delete(d.sessions, h)
	d.mu.Unlock()
	return nil
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) session(h Handle) (*dockerSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[h]
	if !ok {
		return nil, fmt.Errorf("session %s not found", h)
	}
	return sess, nil
}

// waitForBrowserReady polls the devtools version endpoint until the browser
// answers.
func (d *Docker) waitForBrowserReady(port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
