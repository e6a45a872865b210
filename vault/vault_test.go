package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeCreds(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleCreds = `
git-main:
  kind: userpass
  username: ci-bot
  password: s3cret
sonar-token:
  kind: token
  token: squ_abc123
`

func TestResolve_UserPass(t *testing.T) {
	v, err := Load(writeCreds(t, sampleCreds))
	if err != nil {
		t.Fatal(err)
	}

	cred, err := v.Resolve("git-main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Kind != KindUserPass {
		t.Errorf("kind = %s, want userpass", cred.Kind)
	}
	if string(cred.Username) != "ci-bot" || string(cred.Secret) != "s3cret" {
		t.Error("credential values not resolved")
	}
}

func TestResolve_Token(t *testing.T) {
	v, err := Load(writeCreds(t, sampleCreds))
	if err != nil {
		t.Fatal(err)
	}

	cred, err := v.Resolve("sonar-token")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Kind != KindToken || string(cred.Secret) != "squ_abc123" {
		t.Errorf("credential = %+v, want token squ_abc123", cred)
	}
}

func TestResolve_NotFound(t *testing.T) {
	v, err := Load(writeCreds(t, sampleCreds))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Resolve("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_AccessDeniedOutsideScope(t *testing.T) {
	v, err := Load(writeCreds(t, sampleCreds))
	if err != nil {
		t.Fatal(err)
	}
	v.Restrict([]string{"git-main"})

	if _, err := v.Resolve("sonar-token"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
	if _, err := v.Resolve("git-main"); err != nil {
		t.Errorf("in-scope resolve failed: %v", err)
	}
}

func TestResolve_EnvOverride(t *testing.T) {
	v, err := Load(writeCreds(t, sampleCreds))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVEYOR_CRED_GIT_MAIN", "bot:override")

	cred, err := v.Resolve("git-main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(cred.Username) != "bot" || string(cred.Secret) != "override" {
		t.Errorf("credential = %s:%s, want env override", cred.Username, cred.Secret)
	}
}

func TestResolve_EnvOverrideToken(t *testing.T) {
	v, err := Load(writeCreds(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVEYOR_CRED_API_KEY", "tok-xyz")

	cred, err := v.Resolve("api-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Kind != KindToken || string(cred.Secret) != "tok-xyz" {
		t.Errorf("credential = %+v, want bare token", cred)
	}
}

func TestLoad_MissingFileIsEmptyVault(t *testing.T) {
	v, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := v.Resolve("anything"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestScrub_ZeroesValues(t *testing.T) {
	secret := []byte("topsecret")
	cred := &Credential{Ref: "x", Kind: KindToken, Secret: secret}

	cred.Scrub()

	for _, b := range secret {
		if b != 0 {
			t.Fatal("secret bytes not zeroed")
		}
	}
	if cred.Secret != nil {
		t.Error("secret slice should be nil after scrub")
	}
	cred.Scrub() // idempotent
}

func TestString_Redacts(t *testing.T) {
	cred := &Credential{Ref: "registry", Kind: KindUserPass, Secret: []byte("hunter2")}
	if got := cred.String(); got != "credential[registry]" {
		t.Errorf("String() = %q, leaks value", got)
	}
}
