package medvault

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/health"
	"github.com/hengadev/medvault/internal/vaulterr"
)

type (
	HealthReport = health.Report
	HealthResult = health.Result
	HealthStatus = health.Status
)

const (
	HealthHealthy   = health.StatusHealthy
	HealthDegraded  = health.StatusDegraded
	HealthUnhealthy = health.StatusUnhealthy
)

// healthProbeRef names a blob that is never written; reading it exercises the backend.
var healthProbeRef = blob.Ref([]byte("medvault health probe"))

// Health probes the ledger, the blob store and the custodian KMS, and reports the state of
// the circuit breakers in front of the last two. The ledger probe also verifies the audit
// chain, so tampering shows up as an unhealthy node.
func (v *Vault) Health(ctx context.Context) *HealthReport {
	hc := health.NewChecker()
	for _, c := range []health.Check{
		{Name: "ledger", Critical: true, Func: health.Probe(v.pingLedger)},
		{Name: "blob_store", Critical: true, Func: health.Probe(v.pingBlobs)},
		{Name: "kms", Critical: true, Func: health.Probe(v.pingCustodian)},
		{Name: "blob_circuit", Func: health.CircuitBreaker(v.blobGuard.Breaker())},
		{Name: "kms_circuit", Func: health.CircuitBreaker(v.kmsGuard.Breaker())},
	} {
		if err := hc.Register(c); err != nil {
			v.logger.Error("invalid health check", "check", c.Name, "error", err)
		}
	}
	report := hc.Run(ctx)
	if report.Status != health.StatusHealthy {
		v.logger.WarnContext(ctx, "vault not healthy", "status", report.Status)
	}
	return report
}

func (v *Vault) pingLedger(ctx context.Context) error {
	_, err := v.VerifyAuditChain(ctx)
	return err
}

func (v *Vault) pingBlobs(ctx context.Context) error {
	_, err := v.blobs.Get(ctx, healthProbeRef)
	if err == nil || errors.Is(err, vaulterr.ErrNotFound) {
		return nil
	}
	return err
}

// pingCustodian escrows and recovers a throwaway key through the KMS.
func (v *Vault) pingCustodian(ctx context.Context) error {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return err
	}
	escrowed, err := v.custodian.Escrow(ctx, probe)
	if err != nil {
		return err
	}
	recovered, _, err := v.custodian.Recover(ctx, escrowed)
	if err != nil {
		return err
	}
	if !bytes.Equal(probe, recovered) {
		return fmt.Errorf("%w: probe key did not survive escrow", vaulterr.ErrDecryptionFailed)
	}
	return nil
}
