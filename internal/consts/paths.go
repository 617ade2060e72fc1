package consts

import (
	"os"
	"path/filepath"
)

const (
	OttoDirName    = ".otto"
	ConfigFileName = "config.yaml"

	// SecretsDirName holds operator-private material (API token).
	SecretsDirName = "secrets"
	// InternalAPITokenFile is the control-plane bearer token file name.
	InternalAPITokenFile = "internal-api.token"

	// OutboxDirName is the staging area for outbound media files,
	// relative to the data directory.
	OutboxDirName = "telegram-outbox"
)

// OttoHome returns the runtime home directory. OTTO_HOME overrides the
// default ~/.otto so tests and multi-instance setups can relocate state.
func OttoHome() string {
	if dir := os.Getenv("OTTO_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, OttoDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(OttoHome(), ConfigFileName)
}

func SecretsDir() string {
	return filepath.Join(OttoHome(), SecretsDirName)
}

func InternalAPITokenPath() string {
	return filepath.Join(SecretsDir(), InternalAPITokenFile)
}

func DataDir() string {
	return filepath.Join(OttoHome(), "data")
}

func OutboxDir() string {
	return filepath.Join(DataDir(), OutboxDirName)
}

func DefaultStorePath() string {
	return filepath.Join(DataDir(), "otto.db")
}
