package auth

import (
	"os"

	"github.com/joho/godotenv"
)

// EnvFile persists credentials between runs with upsert semantics: existing
// unrelated keys in the file are preserved on every write.
type EnvFile struct {
	path string
}

func NewEnvFile(path string) *EnvFile {
	if path == "" {
		path = ".env"
	}
	return &EnvFile{path: path}
}

func (e *EnvFile) Path() string { return e.path }

// Reload re-reads the file into the process environment, overriding any
// values already set. A missing file is not an error.
func (e *EnvFile) Reload() error {
	if _, err := os.Stat(e.path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Overload(e.path)
}

// Set upserts a single key and mirrors it into the process environment so
// subsequent reads observe the new value without a reload.
func (e *EnvFile) Set(key, value string) error {
	vars, err := godotenv.Read(e.path)
	if err != nil {
		vars = map[string]string{}
	}
	vars[key] = value
	if err := godotenv.Write(vars, e.path); err != nil {
		return err
	}
	return os.Setenv(key, value)
}
