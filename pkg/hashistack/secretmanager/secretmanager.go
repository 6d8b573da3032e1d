package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a vault client configured from VAULT_ADDR / VAULT_TOKEN. config.LoadConfig
// picks it up to inject database and redis passwords.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// Enabled reports whether the environment points at a vault server.
func Enabled() bool {
	return os.Getenv("VAULT_ADDR") != ""
}

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}
