package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a ForgeHost instance.
type InstancePaths struct {
	Home       string // Instance home directory
	ConfigDB   string // SQLite profile store path
	Lock       string // Daemon lock file path
	Logs       string // Logs directory
	WorkerHome string // Home directory handed to the supervised worker
	BinDir     string // Shared binaries directory (~/.forgehost/bin)
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetForgeHostHome(), "instances", instanceName)
	binDir := filepath.Join(GetForgeHostHome(), "bin")

	return InstancePaths{
		Home:       instanceDir,
		ConfigDB:   filepath.Join(instanceDir, "config.db"),
		Lock:       filepath.Join(instanceDir, "daemon.lock"),
		Logs:       filepath.Join(instanceDir, "logs"),
		WorkerHome: filepath.Join(instanceDir, "worker"),
		BinDir:     binDir,
	}
}

// GetForgeHostHome returns the ForgeHost home directory (~/.forgehost).
// FORGEHOST_HOME overrides the default, primarily for tests.
func GetForgeHostHome() string {
	if home := os.Getenv("FORGEHOST_HOME"); home != "" {
		return home
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".forgehost")
}

// WorkerExecutableName returns the platform-specific worker binary name.
func WorkerExecutableName() string {
	if runtime.GOOS == "windows" {
		return "forge-worker.exe"
	}
	return "forge-worker"
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.WorkerHome,
		paths.BinDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
