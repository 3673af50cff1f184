// Package medvault shares encrypted medical records between patients, providers and
// other parties under explicit, auditable consent.
//
// Record content never reaches the ledger. An upload encrypts the document under a
// fresh record key, stores the resulting envelope in a content-addressed blob store and
// catalogs only metadata: the owner, the data type and the record key wrapped for the
// owner and for the emergency custodian. The record id is the SHA-256 of the envelope.
//
// # Consent
//
// A verified party asks the owner for access with Request (one record) or
// RequestBatchAccess (every record the owner has). The owner approves with their
// Keyring, which re-wraps the record key for the requester's registered public key:
//
//	v, _ := medvault.Open(ctx, cfg)
//	req, _ := v.Request(ctx, provider, patient, rec.ID, medvault.KindView, 0)
//	grant, _ := v.Approve(ctx, patientKeyring, req.ID)
//	doc, _ := v.Open(ctx, providerKeyring, rec.ID)
//
// Grants expire after the configured grant duration and owners may revoke them at any
// time. Requests not answered within the request window expire; an incentive held in
// escrow for the request is paid to the owner on approval and refunded otherwise.
//
// # Emergency override
//
// Ambulance crews and designated providers may call EmergencyAccess. The custodian
// recovers each escrowed record key through the configured KMS (local, HashiCorp Vault
// Transit or AWS KMS) and wraps it for the responder. The override is time-boxed, the
// patient can end it early, and every use lands in the hash-chained audit log.
//
// # Errors
//
// Failures wrap the sentinel errors exported by this package. Use errors.Is for a
// specific cause, or the Is*Error helpers to classify: authorization, state conflict,
// crypto, not found, validation and retryable (KMS, ledger or blob store unavailable).
package medvault
