package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_PrefersUserConfigOverLocal(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	workdir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workdir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })

	userConfigPath := filepath.Join(home, ".config", "cua-agent", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userConfigPath), 0o755))
	require.NoError(t, os.WriteFile(userConfigPath, []byte("max_steps: 42\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "config.yaml"), []byte("max_steps: 99\n"), 0o600))

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, 42, s.MaxSteps)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MAX_STEPS", "7")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7, s.MaxSteps)
}

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, 80, s.MaxSteps)
	require.Equal(t, 0.985, s.SSIMChangeThreshold)
	require.Equal(t, 1, s.PHashThreshold)
	require.True(t, s.EnableHID)
}

func TestTruthy(t *testing.T) {
	require.True(t, truthy("1"))
	require.True(t, truthy("true"))
	require.True(t, truthy("YES"))
	require.False(t, truthy("0"))
	require.False(t, truthy("false"))
	require.False(t, truthy(""))
	require.False(t, truthy("garbage"))
}

func TestEnsureConfigDir_SeedsDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())

	dir, err := ConfigDir()
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, statErr)
}

func TestResolveMemoryRoot_DefaultsUnderConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s := Defaults()
	root, err := s.ResolveMemoryRoot()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "cua-agent", "memory"), root)
}
