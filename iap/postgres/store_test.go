//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	postgrestest "github.com/code-payments/flipchat-iap/database/postgres/test"
	"github.com/code-payments/flipchat-iap/iap/tests"

	_ "github.com/jackc/pgx/v4/stdlib"
)

var (
	testPool    *dockertest.Pool
	databaseUrl string
)

func TestMain(m *testing.M) {
	log := logrus.StandardLogger()

	var err error
	testPool, err = dockertest.NewPool("")
	if err != nil {
		log.WithError(err).Error("Error creating docker pool")
		os.Exit(1)
	}

	// Start a postgres container
	databaseUrl, err = postgrestest.StartPostgresDB(testPool)
	if err != nil {
		log.WithError(err).Error("Error starting postgres image")
		os.Exit(1)
	}

	// Wait for the database to be ready
	_, _, err = postgrestest.WaitForConnection(databaseUrl, true)
	if err != nil {
		log.WithError(err).Error("Error waiting for connection")
		os.Exit(1)
	}

	code := m.Run()
	os.Exit(code)
}

func TestIap_PostgresStore(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	require.NoError(t, err)
	defer disconnect()

	testStore, err := NewInPostgres(context.Background(), db)
	require.NoError(t, err)

	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestIap_PostgresCoordinator(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	require.NoError(t, err)
	defer disconnect()

	testStore, err := NewInPostgres(context.Background(), db)
	require.NoError(t, err)

	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunCoordinatorTests(t, testStore, teardown)
}
