package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/monitoring"
)

// EnvPassphrase seals and opens keyring files. Keys are written in the clear when unset.
const EnvPassphrase = "MEDVAULT_PASSPHRASE"

func loadConfig(nf nodeFlags) (medvault.Config, error) {
	if *nf.config == "" {
		return medvault.LoadConfigFromEnvironment()
	}
	return medvault.LoadConfig(*nf.config)
}

// openVault opens the node described by the flags. The returned function closes the vault
// and writes metrics when requested.
func openVault(ctx context.Context, nf nodeFlags) (*medvault.Vault, medvault.Config, func(), error) {
	cfg, err := loadConfig(nf)
	if err != nil {
		return nil, medvault.Config{}, nil, err
	}
	var hooks []medvault.ObservabilityHook
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logger, err := medvault.NewLogger(cfg, os.Stderr)
		if err != nil {
			return nil, medvault.Config{}, nil, err
		}
		hooks = append(hooks, monitoring.NewLoggingObservabilityHook(logger.With("component", "hooks")))
	}
	registry := prometheus.NewRegistry()
	if *nf.metricsFile != "" {
		hook, err := monitoring.NewPrometheusObservabilityHook(registry)
		if err != nil {
			return nil, medvault.Config{}, nil, err
		}
		hooks = append(hooks, hook)
	}
	var opts []medvault.Option
	if len(hooks) > 0 {
		opts = append(opts, medvault.WithObservabilityHook(monitoring.NewCompositeObservabilityHook(hooks...)))
	}
	v, err := medvault.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, medvault.Config{}, nil, err
	}
	done := func() {
		if *nf.metricsFile != "" {
			if err := prometheus.WriteToTextfile(*nf.metricsFile, registry); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write metrics: %v\n", err)
			}
		}
		if err := v.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close vault: %v\n", err)
		}
	}
	return v, cfg, done, nil
}

func keyPath(cfg medvault.Config, addr string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(addr)
	return cfg.Path(filepath.Join("keyrings", name+".pem"))
}

func loadKeyring(cfg medvault.Config, addr, path string) (*medvault.Keyring, error) {
	if path == "" {
		path = keyPath(cfg, addr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring for '%s': %w", addr, err)
	}
	return medvault.LoadKeyring(medvault.Address(addr), data, []byte(os.Getenv(EnvPassphrase)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("-%s is required", name)
	}
	return nil
}

func initCommand(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", "medvault.yaml", "Path of the configuration file to write")
	authorities := fs.String("authorities", "", "Comma-separated authority addresses")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite", *output)
	}
	cfg := medvault.DefaultConfig()
	for _, a := range strings.Split(*authorities, ",") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.Authorities = append(cfg.Authorities, a)
		}
	}
	if err := medvault.SaveConfig(cfg, *output); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", *output)
	return nil
}

func keygenCommand(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	nf := addNodeFlags(fs)
	addr := fs.String("as", "", "Participant address")
	output := fs.String("output", "", "Key file (default: keyrings/<address>.pem under the data directory)")
	fs.Parse(args)
	if err := requireFlag("as", *addr); err != nil {
		return err
	}

	cfg, err := loadConfig(nf)
	if err != nil {
		return err
	}
	path := *output
	if path == "" {
		path = keyPath(cfg, *addr)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	kr, err := medvault.GenerateKeyring(medvault.Address(*addr))
	if err != nil {
		return err
	}
	sealed, err := kr.ExportPEM([]byte(os.Getenv(EnvPassphrase)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create keyring directory: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	pub, err := kr.PublicKeyPEM()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Keyring written to %s\n", path)
	_, err = os.Stdout.Write(pub)
	return err
}

func registerCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	nf := addNodeFlags(fs)
	addr := fs.String("as", "", "Participant address")
	role := fs.String("role", "patient", "Role to register with")
	key := fs.String("key", "", "Keyring file")
	fs.Parse(args)
	if err := requireFlag("as", *addr); err != nil {
		return err
	}
	r, err := medvault.ParseRole(*role)
	if err != nil {
		return err
	}

	v, cfg, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	kr, err := loadKeyring(cfg, *addr, *key)
	if err != nil {
		return err
	}
	pub, err := kr.PublicKeyPEM()
	if err != nil {
		return err
	}
	u, err := v.Register(ctx, kr.Address(), r, pub)
	if err != nil {
		return err
	}
	return printJSON(u)
}

func verifyCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	nf := addNodeFlags(fs)
	authority := fs.String("as", "", "Authority address")
	emergency := fs.Bool("emergency", false, "Also designate the provider for emergency access")
	fs.Parse(args)
	if err := requireFlag("as", *authority); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: verify -as <authority> <address>")
	}
	addr := medvault.Address(fs.Arg(0))

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	if err := v.Verify(ctx, medvault.Address(*authority), addr); err != nil {
		return err
	}
	if *emergency {
		return v.DesignateEmergencyProvider(ctx, medvault.Address(*authority), addr)
	}
	return nil
}

func uploadCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	nf := addNodeFlags(fs)
	uploader := fs.String("as", "", "Uploader address")
	owner := fs.String("owner", "", "Patient address (default: the uploader)")
	dataType := fs.String("type", "ehr", "Record data type")
	fs.Parse(args)
	if err := requireFlag("as", *uploader); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: upload -as <address> [-owner <patient>] [-type <data type>] <file>")
	}
	if *owner == "" {
		*owner = *uploader
	}
	dt, err := medvault.ParseDataType(*dataType)
	if err != nil {
		return err
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	rec, err := v.Upload(ctx, medvault.Address(*uploader), medvault.Address(*owner), medvault.Document{
		FileName: filepath.Base(path),
		FileType: mime.TypeByExtension(filepath.Ext(path)),
		DataType: dt,
		Content:  content,
	})
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func openCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	nf := addNodeFlags(fs)
	addr := fs.String("as", "", "Reader address")
	key := fs.String("key", "", "Keyring file")
	output := fs.String("output", "", "Write the content here instead of the original file name")
	fs.Parse(args)
	if err := requireFlag("as", *addr); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: open -as <address> <record ref>")
	}

	v, cfg, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	kr, err := loadKeyring(cfg, *addr, *key)
	if err != nil {
		return err
	}
	doc, err := v.Open(ctx, kr, fs.Arg(0))
	if err != nil {
		return err
	}
	path := *output
	if path == "" {
		path = filepath.Base(doc.FileName)
	}
	if err := os.WriteFile(path, doc.Content, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("%s (%s, %s, %d bytes) written to %s\n",
		doc.FileName, doc.DataType, doc.Timestamp.Format(time.RFC3339), len(doc.Content), path)
	return nil
}

func requestCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	nf := addNodeFlags(fs)
	requester := fs.String("as", "", "Requester address")
	owner := fs.String("owner", "", "Patient address")
	ref := fs.String("ref", "", "Record reference; empty asks for every record")
	kind := fs.String("kind", "view", "Request kind")
	incentive := fs.Uint64("incentive", 0, "Amount escrowed and paid on approval")
	fs.Parse(args)
	if err := errors.Join(requireFlag("as", *requester), requireFlag("owner", *owner)); err != nil {
		return err
	}
	k, err := medvault.ParseRequestKind(*kind)
	if err != nil {
		return err
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	var req medvault.PermissionRequest
	if *ref == "" {
		req, err = v.RequestBatchAccess(ctx, medvault.Address(*requester), medvault.Address(*owner), k, *incentive)
	} else {
		req, err = v.Request(ctx, medvault.Address(*requester), medvault.Address(*owner), *ref, k, *incentive)
	}
	if err != nil {
		return err
	}
	return printJSON(req)
}

func pendingCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	nf := addNodeFlags(fs)
	owner := fs.String("as", "", "Patient address")
	fs.Parse(args)
	if err := requireFlag("as", *owner); err != nil {
		return err
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	reqs, err := v.PendingRequests(ctx, medvault.Address(*owner))
	if err != nil {
		return err
	}
	return printJSON(reqs)
}

func approveCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	nf := addNodeFlags(fs)
	owner := fs.String("as", "", "Patient address")
	key := fs.String("key", "", "Keyring file")
	fs.Parse(args)
	if err := requireFlag("as", *owner); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: approve -as <patient> <request id>")
	}
	id := fs.Arg(0)

	v, cfg, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	kr, err := loadKeyring(cfg, *owner, *key)
	if err != nil {
		return err
	}
	req, err := v.GetPermissionRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.IsBatch() {
		grants, err := v.ApproveBatchAccess(ctx, kr, id)
		if err != nil {
			return err
		}
		return printJSON(grants)
	}
	grant, err := v.Approve(ctx, kr, id)
	if err != nil {
		return err
	}
	return printJSON(grant)
}

func rejectCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	nf := addNodeFlags(fs)
	owner := fs.String("as", "", "Patient address")
	fs.Parse(args)
	if err := requireFlag("as", *owner); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: reject -as <patient> <request id>")
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	return v.Reject(ctx, medvault.Address(*owner), fs.Arg(0))
}

func revokeCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	nf := addNodeFlags(fs)
	owner := fs.String("as", "", "Patient address")
	grantee := fs.String("grantee", "", "Grantee address")
	fs.Parse(args)
	if err := errors.Join(requireFlag("as", *owner), requireFlag("grantee", *grantee)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: revoke -as <patient> -grantee <address> <record ref>")
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	return v.Revoke(ctx, medvault.Address(*owner), medvault.Address(*grantee), fs.Arg(0))
}

func emergencyCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("emergency", flag.ExitOnError)
	nf := addNodeFlags(fs)
	responder := fs.String("as", "", "Responder address")
	fs.Parse(args)
	if err := requireFlag("as", *responder); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: emergency -as <responder> <patient>")
	}

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	g, err := v.EmergencyAccess(ctx, medvault.Address(*responder), medvault.Address(fs.Arg(0)))
	if err != nil {
		return err
	}
	return printJSON(g)
}

func auditCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	nf := addNodeFlags(fs)
	key := fs.String("key", "", "Only entries naming this address or reference")
	verify := fs.Bool("verify", false, "Recompute the hash chain instead of printing entries")
	fs.Parse(args)

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	if *verify {
		n, err := v.VerifyAuditChain(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Audit chain intact: %d entries\n", n)
		return nil
	}
	var entries []medvault.AuditEntry
	if *key != "" {
		entries, err = v.AuditTrail(ctx, *key)
	} else {
		entries, err = v.AuditLog(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func rotateCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	nf := addNodeFlags(fs)
	fs.Parse(args)

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	version, err := v.RotateCustodianKey(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Custodian key rotated to version %d\n", version)
	return nil
}

func healthCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	nf := addNodeFlags(fs)
	fs.Parse(args)

	v, _, done, err := openVault(ctx, nf)
	if err != nil {
		return err
	}
	defer done()
	report := v.Health(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Status == medvault.HealthUnhealthy {
		return fmt.Errorf("node is %s", report.Status)
	}
	return nil
}
