package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

func TestEnvFileUpsertPreservesOtherKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OTHER_KEY=keepme\nWARP_JWT=old\n"), 0o644); err != nil {
		t.Fatalf("seed env file: %v", err)
	}

	env := NewEnvFile(path)
	if err := env.Set("WARP_JWT", "new-token"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := env.Set("WARP_REFRESH_TOKEN", "rt-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if vars["OTHER_KEY"] != "keepme" {
		t.Fatalf("unrelated key lost: %q", vars["OTHER_KEY"])
	}
	if vars["WARP_JWT"] != "new-token" {
		t.Fatalf("WARP_JWT = %q, want new-token", vars["WARP_JWT"])
	}
	if vars["WARP_REFRESH_TOKEN"] != "rt-1" {
		t.Fatalf("WARP_REFRESH_TOKEN = %q, want rt-1", vars["WARP_REFRESH_TOKEN"])
	}
	if os.Getenv("WARP_JWT") != "new-token" {
		t.Fatal("Set should mirror into process environment")
	}
}

func TestEnvFileSetCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	env := NewEnvFile(path)
	if err := env.Set("WARP_JWT", "tok"); err != nil {
		t.Fatalf("Set on missing file: %v", err)
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if vars["WARP_JWT"] != "tok" {
		t.Fatalf("WARP_JWT = %q, want tok", vars["WARP_JWT"])
	}
}

func TestEnvFileReloadMissingFile(t *testing.T) {
	env := NewEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	if err := env.Reload(); err != nil {
		t.Fatalf("Reload on missing file should be a no-op, got %v", err)
	}
}
