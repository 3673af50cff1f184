// Package hashicorp adapts the HashiCorp Vault Transit engine to the custodian's
// KeyManagementService, so the emergency escrow KEK never leaves Vault.
//
// # Setup
//
//	vault secrets enable transit
//
// The token or AppRole used needs:
//
//	path "transit/encrypt/*" { capabilities = ["update"] }
//	path "transit/decrypt/*" { capabilities = ["update"] }
//	path "transit/keys/*"    { capabilities = ["create", "read", "update"] }
//
// # Environment Variables
//
//   - VAULT_ADDR: Vault server address (required)
//   - VAULT_NAMESPACE: namespace for HCP Vault (optional)
//   - VAULT_TOKEN: direct token
//   - VAULT_ROLE_ID / VAULT_SECRET_ID: AppRole credentials, used when no token is set
//   - MEDVAULT_TRANSIT_MOUNT: Transit mount path, "transit" by default
//
// # Rotation
//
// Creating a key that already exists rotates it inside Vault. Ciphertexts carry their
// Transit key version ("vault:v1:..."), so escrows made before a custodian rotation stay
// readable.
package hashicorp
