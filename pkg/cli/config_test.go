package cli

import (
	"testing"
	"time"

	"github.com/99designs/keyring"
)

func TestBackendTypeSetRejectsUnknownBackend(t *testing.T) {
	c := NewConfig()
	if err := c.BackendType.Set("not-a-real-backend"); err == nil {
		t.Error("expected an error when setting an unsupported keyring backend")
	}
}

func TestBackendTypeSetAcceptsAvailableBackend(t *testing.T) {
	c := NewConfig()
	available := keyring.AvailableBackends()
	if len(available) == 0 {
		t.Skip("no keyring backends available in this environment")
	}
	if err := c.BackendType.Set(string(available[0])); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.BackendType.String() != string(available[0]) {
		t.Errorf("BackendType = %q, want %q", c.BackendType.String(), available[0])
	}
}

func TestManagerConfigCarriesAllowedNamesAndRetryInterval(t *testing.T) {
	c := NewConfig()
	c.AllowedNames = []stringListFlag{"proxy-1", "proxy-2"}
	c.SPPRetryInterval = 3 * time.Second

	mc := c.ManagerConfig()
	if len(mc.AllowedNames) != 2 || mc.AllowedNames[0] != "proxy-1" || mc.AllowedNames[1] != "proxy-2" {
		t.Errorf("AllowedNames = %v, want [proxy-1 proxy-2]", mc.AllowedNames)
	}
	if mc.SPPRetryInterval != 3*time.Second {
		t.Errorf("SPPRetryInterval = %v, want 3s", mc.SPPRetryInterval)
	}
}

func TestExpandHome(t *testing.T) {
	if got := expandHome("/already/absolute"); got != "/already/absolute" {
		t.Errorf("expandHome changed an absolute path, got %q", got)
	}
	if got := expandHome("~/.carlink/store.json"); got == "~/.carlink/store.json" {
		t.Error("expandHome did not expand a ~/-prefixed path")
	}
}
