//go:build integration

// Package testutils provides shared test infrastructure for integration tests.
package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// ArchiveFile is one AIS file listed on a year's index page.
type ArchiveFile struct {
	// Name is the anchor text and the stored file name.
	Name string
	// Href defaults to Name.
	Href string
	Data []byte
}

// GenerateFile returns an ArchiveFile with size bytes of deterministic data
// derived from name.
func GenerateFile(name string, size int) ArchiveFile {
	data := make([]byte, size)
	seed := len(name)
	for i := range data {
		data[i] = byte((i + seed) % 251)
	}
	return ArchiveFile{Name: name, Data: data}
}

// ArchiveServer mimics the Marine Cadastre directory listings: every year is
// served at /<year>/index.html with one anchor per file. Hrefs are joined to
// the year directory literally, as the concat join does.
type ArchiveServer struct {
	*httptest.Server
}

// StartArchiveServer serves the given years. Years not listed answer 404.
func StartArchiveServer(t *testing.T, years map[int][]ArchiveFile) *ArchiveServer {
	t.Helper()

	files := make(map[string][]byte)
	pages := make(map[string]string)
	for year, list := range years {
		var page strings.Builder
		page.WriteString("<html><body><h1>Index of /" + strconv.Itoa(year) + "</h1><table>\n")
		for _, f := range list {
			href := f.Href
			if href == "" {
				href = f.Name
			}
			fmt.Fprintf(&page, "<tr><td><a href=%q>%s</a></td><td>%d</td></tr>\n", href, f.Name, len(f.Data))
			files[fmt.Sprintf("/%d/%s", year, href)] = f.Data
		}
		page.WriteString("</table></body></html>\n")
		pages[fmt.Sprintf("/%d/index.html", year)] = page.String()
	}

	s := &ArchiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if page, ok := pages[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, page)
			return
		}
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the base URL template for the server.
func (s *ArchiveServer) BaseURL() string {
	return s.URL + "/{year}/"
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container with an empty bucket and
// points the AWS credential variables at it for the rest of the test.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	networkName := fmt.Sprintf("aisfetch-net-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name: networkName,
		},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Networks:     []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"minio"},
			},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	makeBucket(t, ctx, networkName, accessKey, secretKey, bucketName)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	bucketURL := fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		bucketName,
		endpoint,
	)

	// gocloud's s3blob reads credentials from the environment.
	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: container,
		BucketURL: bucketURL,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// makeBucket creates bucketName with a short-lived minio/mc container.
func makeBucket(t *testing.T, ctx context.Context, networkName, accessKey, secretKey, bucketName string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{
				fmt.Sprintf(
					"/usr/bin/mc alias set local http://minio:9000 %s %s && /usr/bin/mc mb local/%s; exit 0",
					accessKey, secretKey, bucketName,
				),
			},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mc.Terminate(ctx)
}

// RequireObject fails the test unless key in bucket holds exactly want.
func RequireObject(t *testing.T, ctx context.Context, bucket *blob.Bucket, key string, want []byte) {
	t.Helper()

	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		t.Fatalf("open %s: %v", key, err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %d bytes, want %d bytes with matching content", key, len(got), len(want))
	}
}
