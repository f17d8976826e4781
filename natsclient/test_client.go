package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a throwaway NATS server with the controller-side Client
// already connected. Companion opens further clients standing in for
// device bridges.
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
	timeout   time.Duration
}

// TestOption configures NewTestClient.
type TestOption func(*testServer)

type testServer struct {
	image        string
	timeout      time.Duration
	startTimeout time.Duration
}

// WithNATSVersion selects the nats image tag.
func WithNATSVersion(version string) TestOption {
	return func(s *testServer) { s.image = "nats:" + version }
}

// WithFastStartup shortens connect and container start timeouts.
func WithFastStartup() TestOption {
	return func(s *testServer) {
		s.timeout = 2 * time.Second
		s.startTimeout = 10 * time.Second
	}
}

// NewTestClient starts a NATS container and connects a Client to it. Both are
// torn down by t.Cleanup.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	srv := &testServer{
		image:        "nats:2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(srv)
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        srv.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(srv.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve nats endpoint: %v", err)
	}

	tc := &TestClient{URL: endpoint, container: container, timeout: srv.timeout}
	tc.Client = tc.connect(t, WithName("sensorsync-test"))
	return tc
}

// Companion connects another client to the same server, named after the
// device it bridges.
func (tc *TestClient) Companion(t testing.TB, deviceID string) *Client {
	t.Helper()
	return tc.connect(t, WithName(fmt.Sprintf("companion-%s", deviceID)))
}

func (tc *TestClient) connect(t testing.TB, opts ...ClientOption) *Client {
	t.Helper()

	opts = append(opts, WithTimeout(tc.timeout), WithReconnect(0, 0), WithHealthInterval(0))
	client, err := NewClient(tc.URL, opts...)
	if err != nil {
		t.Fatalf("create nats client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tc.timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to nats: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

// IsReady reports whether the controller-side client is connected.
func (tc *TestClient) IsReady() bool {
	return tc.Client.IsHealthy()
}
