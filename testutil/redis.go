package testutil

import (
	"context"
	"fmt"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// StartRedis starts a redis container and returns a connected client and a
// cleanup function.
func StartRedis(pool *dockertest.Pool) (*redis.Client, func(), error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "7-alpine",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not start redis container")
	}
	_ = resource.Expire(containerAutoKill)

	cleanup := func() {
		if err := pool.Purge(resource); err != nil {
			fmt.Printf("Could not purge resource: %s\n", err)
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr: resource.GetHostPort("6379/tcp"),
	})
	err = pool.Retry(func() error {
		return client.Ping(context.Background()).Err()
	})
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "could not connect to redis")
	}

	return client, func() {
		_ = client.Close()
		cleanup()
	}, nil
}
