//go:build integration

package dbexport_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/dbexport"
	"github.com/bamsammich/sitepull/internal/jobstore"
)

// startMySQLContainer starts a throwaway MySQL server and returns a DSN for
// the "site" database.
func startMySQLContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
				"MYSQL_DATABASE":      "site",
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	}

	ctr, err := testcontainers.GenericContainer(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("root:root@tcp(%s:%s)/site", host, port.Port())
}

func TestMySQLExport_EndToEnd(t *testing.T) {
	dsn := startMySQLContainer(t)
	ctx := context.Background()

	db, dialect, err := dbexport.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	var pingErr error
	for range 30 {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, pingErr)

	for _, s := range []string{
		"CREATE TABLE wp_options (option_id BIGINT PRIMARY KEY, option_name VARCHAR(191), option_value LONGTEXT)",
		"INSERT INTO wp_options VALUES (1, 'siteurl', 'https://example.com'), (2, 'blogname', 'It''s\\nhere'), (3, 'empty', NULL)",
		"CREATE TABLE wp_posts (ID BIGINT PRIMARY KEY, post_title TEXT, menu_order INT)",
		"INSERT INTO wp_posts VALUES (10, 'Hello', 0), (11, 'World', -1)",
	} {
		_, err := db.ExecContext(ctx, s)
		require.NoError(t, err, s)
	}

	m := dbexport.NewManager(db, dialect, jobstore.NewMemory(nil), dbexport.Options{Dir: t.TempDir()})

	job, err := m.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_options", "wp_posts"}, job.Tables)

	for !job.Done() {
		job, err = m.Process(ctx, job.ID, 5*time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, api.StateCompleted, job.State, job.Warnings)
	assert.Equal(t, int64(5), job.RowsProcessed)

	path, err := m.DownloadPath(ctx, job.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "DROP TABLE IF EXISTS `wp_options`;")
	assert.Contains(t, out, "CREATE TABLE `wp_posts`")
	assert.Contains(t, out, `(2, 'blogname', 'It\'s\nhere')`)
	assert.Contains(t, out, `(3, 'empty', NULL)`)
	assert.Contains(t, out, `(11, 'World', -1)`)
	assert.True(t, strings.HasSuffix(out, "SET FOREIGN_KEY_CHECKS = 1;\n"))

	require.NoError(t, m.Finish(ctx, job.ID))
	assert.NoFileExists(t, path)
}
