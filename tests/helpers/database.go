package helpers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/database"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	Host         = "0.0.0.0"
	User         = "postgres"
	Password     = "postgres"
	MasterDBName = "MIMIC_DB"
	Port         = "5432"

	// IntegrationEnv must be set to '1' for tests which require
	// a real Postgres instance to run.
	IntegrationEnv = "MIMIC_INTEGRATION"
)

var (
	ctx       = context.Background()
	dbManager = newDatabaseManager(MasterDBName)
)

// ProvisionDatabase creates a fresh database for the calling test, templated from
// a master database which has had all migrations applied, and returns a
// connected database.Manager for it. The test is skipped unless
// the MIMIC_INTEGRATION environment variable is set to '1'.
func ProvisionDatabase(t *testing.T) database.Manager {
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("skipping integration test: %s is not set", IntegrationEnv)
	}

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	dbManager.provisionDB(t, name)

	db := database.New()
	if err := db.Connect(configFor(name)); err != nil {
		t.Fatalf("failed to connect to provisioned database '%s': %s", name, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		dbManager.dropDB(t, name)
	})

	return db
}

func configFor(name string) database.DatabaseConfig {
	return database.DatabaseConfig{User: User, Password: Password, Name: name, Host: Host, Port: Port, ConnectAttempts: 3}
}

// databaseManager is an internal test helper which facilitates
// the templating of a single 'master' database in a shared postgresql
// docker instance. This allows tests to use individual databases without
// needing to create multiple instances of docker. This manager will:
//   - automatically spawn the container,
//   - migrate the database,
//   - mark the master database as a template, and,
//   - facilitate provisioning of new databases based off that master database.
type databaseManager struct {
	*sync.Mutex
	masterDatabaseName string
	pgContainer        testcontainers.Container
	connection         *sql.DB
}

func newDatabaseManager(databaseName string) *databaseManager {
	return &databaseManager{
		Mutex:              &sync.Mutex{},
		masterDatabaseName: databaseName,
	}
}

func (manager *databaseManager) provisionDB(t *testing.T, databaseName string) {
	manager.Lock()
	defer manager.Unlock()

	if manager.connection == nil {
		t.Log("Database provisioning request received but manager not started yet. Initializing database management...")
		manager.connect(t)
		manager.markMasterDB(t)
		t.Log("Database management initialised!")
	}

	_, err := manager.connection.Exec(fmt.Sprintf(`CREATE DATABASE "%s" TEMPLATE "%s"`, databaseName, manager.masterDatabaseName))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			t.Logf("Database '%s' already provisioned. Reusing database", databaseName)
			return
		}

		t.Fatalf("failed to provision database '%s' based on template database '%s': (%T) %s", databaseName, manager.masterDatabaseName, err, err)
	}
}

func (manager *databaseManager) dropDB(t *testing.T, databaseName string) {
	manager.Lock()
	defer manager.Unlock()

	if manager.connection == nil {
		return
	}

	if _, err := manager.connection.Exec(fmt.Sprintf(`DROP DATABASE IF EXISTS "%s" WITH (FORCE)`, databaseName)); err != nil {
		t.Logf("WARNING: failed to drop database '%s': %s", databaseName, err)
	}
}

func (manager *databaseManager) connect(t *testing.T) {
	if manager.pgContainer == nil {
		manager.spawnPostgres(t)
	} else if !manager.pgContainer.IsRunning() {
		t.Fatalf("failed to connect database manager, container exists but not running")
	}

	db, err := sql.Open(database.SqlDialect, configFor(MasterDBName).DSN())
	if err != nil {
		t.Fatalf("failed to open postgres connection: %s", err)
	}

	for attempt := 1; ; attempt++ {
		err := db.Ping()
		if err == nil {
			break
		}

		if attempt >= 3 {
			t.Fatalf("all database connection attempts FAILED: %s", err)
		}

		t.Logf("DB connection attempt (%v/3) failed... Retrying in 3s", attempt)
		time.Sleep(3 * time.Second)
	}

	t.Log("Database connection established!")
	manager.connection = db
}

// markMasterDB applies the migrations to the master database, and then
// marks it as a template so that it can be cloned by provisionDB.
func (manager *databaseManager) markMasterDB(t *testing.T) {
	t.Log("Migrating master database...")
	migrator := database.New()
	if err := migrator.Connect(configFor(manager.masterDatabaseName)); err != nil {
		t.Fatalf("failed to migrate master database (%s): %s", manager.masterDatabaseName, err)
	}
	_ = migrator.Close()

	// A template cannot be cloned while other sessions are connected to it
	if _, err := manager.connection.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname=$1 AND pid <> pg_backend_pid()`, manager.masterDatabaseName); err != nil {
		t.Fatalf("failed to close sessions on master database: %s", err)
	}
	_ = manager.connection.Close()

	db, err := sql.Open(database.SqlDialect, configFor("postgres").DSN())
	if err != nil {
		t.Fatalf("failed to open maintenance connection: %s", err)
	}
	manager.connection = db

	if _, err := manager.connection.Exec(fmt.Sprintf(`ALTER DATABASE "%s" WITH is_template TRUE`, manager.masterDatabaseName)); err != nil {
		t.Fatalf("failed to mark master database (%s) as template: %s", manager.masterDatabaseName, err)
	}
}

func (manager *databaseManager) spawnPostgres(t *testing.T) {
	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(MasterDBName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(10*time.Second)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) { hostConfig.NetworkMode = "host" }),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
		return
	}

	manager.pgContainer = postgresC
}
