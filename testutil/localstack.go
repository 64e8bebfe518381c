package testutil

import (
	"fmt"
	"net/http"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
)

const (
	containerAutoKill = 120 // seconds

	localStackPort = 4566 // LocalStack Edge Port

	LocalStackAccessKey = "test"
	LocalStackSecretKey = "test"
	LocalStackRegion    = "us-east-1"
)

// StartLocalStackS3 starts a LocalStack container with S3 enabled and waits
// for it to accept requests. It returns the endpoint URL and a cleanup
// function.
func StartLocalStackS3(pool *dockertest.Pool) (endpoint string, cleanup func(), err error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "localstack/localstack",
		Tag:        "3",
		Env: []string{
			"SERVICES=s3",
			"DEFAULT_REGION=" + LocalStackRegion,
			"AWS_ACCESS_KEY_ID=" + LocalStackAccessKey,
			"AWS_SECRET_ACCESS_KEY=" + LocalStackSecretKey,
		},
		ExposedPorts: []string{fmt.Sprintf("%d/tcp", localStackPort)},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "could not start LocalStack container")
	}
	_ = resource.Expire(containerAutoKill)

	endpoint = fmt.Sprintf("http://%s", resource.GetHostPort(fmt.Sprintf("%d/tcp", localStackPort)))
	cleanup = func() {
		if err := pool.Purge(resource); err != nil {
			fmt.Printf("Could not purge resource: %s\n", err)
		}
	}

	err = pool.Retry(func() error {
		resp, err := http.Head(endpoint)
		if err != nil {
			return err
		}
		resp.Body.Close()

		// LocalStack returns 404 for HEAD requests on the S3 root
		if resp.StatusCode >= 200 && resp.StatusCode < 500 {
			return nil
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	})
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "LocalStack did not become ready")
	}

	return endpoint, cleanup, nil
}
