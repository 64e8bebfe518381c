package test

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	containerName     = "postgres"
	containerVersion  = "16-alpine"
	containerAutoKill = 120 // seconds

	port     = "5432/tcp"
	user     = "iap"
	password = "iap"
	dbName   = "iap"
)

// StartPostgresDB starts a postgres container and returns its connection URL.
func StartPostgresDB(pool *dockertest.Pool) (string, error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", errors.Wrap(err, "could not start postgres container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return "", errors.Wrap(err, "could not set container expiry")
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		user, password, resource.GetHostPort(port), dbName,
	), nil
}

// WaitForConnection retries until the database accepts connections. The
// connection is closed immediately when closeConn is set.
func WaitForConnection(databaseURL string, closeConn bool) (*sql.DB, func(), error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to docker")
	}
	pool.MaxWait = 60 * time.Second

	var db *sql.DB
	err = pool.Retry(func() error {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to postgres")
	}

	disconnect := func() {
		_ = db.Close()
	}
	if closeConn {
		disconnect()
		return nil, func() {}, nil
	}
	return db, disconnect, nil
}
