package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nPCPCAST_TEST_A=hello\nPCPCAST_TEST_B=\"quoted\"\n\nbad line\n=nokey\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PCPCAST_TEST_A")
		os.Unsetenv("PCPCAST_TEST_B")
	})

	require.NoError(t, LoadEnvFile(path))
	require.Equal(t, "hello", os.Getenv("PCPCAST_TEST_A"))
	require.Equal(t, "quoted", os.Getenv("PCPCAST_TEST_B"))

	// missing file is fine
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PCPCAST_TEST_BOOL", "yes")
	t.Setenv("PCPCAST_TEST_INT", "42")
	t.Setenv("PCPCAST_TEST_STR", "  padded  ")
	t.Setenv("PCPCAST_TEST_DUR", "1.5")

	require.True(t, EnvBool("PCPCAST_TEST_BOOL", false))
	require.False(t, EnvBool("PCPCAST_TEST_MISSING", false))
	require.Equal(t, 42, EnvInt("PCPCAST_TEST_INT", 7))
	require.Equal(t, 7, EnvInt("PCPCAST_TEST_MISSING", 7))
	require.Equal(t, "padded", EnvString("PCPCAST_TEST_STR", "d"))
	require.Equal(t, 1500*time.Millisecond, EnvDurationSeconds("PCPCAST_TEST_DUR", time.Second))
	require.Equal(t, time.Second, EnvDurationSeconds("PCPCAST_TEST_MISSING", time.Second))

	t.Setenv("PCPCAST_TEST_DUR", "-2")
	require.Equal(t, time.Second, EnvDurationSeconds("PCPCAST_TEST_DUR", time.Second))
}
