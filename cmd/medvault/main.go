package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hengadev/medvault"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands := map[string]func(context.Context, []string) error{
		"init":      initCommand,
		"keygen":    keygenCommand,
		"register":  registerCommand,
		"verify":    verifyCommand,
		"upload":    uploadCommand,
		"open":      openCommand,
		"request":   requestCommand,
		"pending":   pendingCommand,
		"approve":   approveCommand,
		"reject":    rejectCommand,
		"revoke":    revokeCommand,
		"emergency": emergencyCommand,
		"audit":     auditCommand,
		"rotate":    rotateCommand,
		"health":    healthCommand,
	}

	command := os.Args[1]
	if command == "version" {
		fmt.Println(medvault.VersionInfo())
		return
	}
	run, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err := run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  init       Write a default configuration file\n")
	fmt.Fprintf(os.Stderr, "  keygen     Generate a participant keyring\n")
	fmt.Fprintf(os.Stderr, "  register   Register a participant with its public key\n")
	fmt.Fprintf(os.Stderr, "  verify     Verify a participant (authorities only)\n")
	fmt.Fprintf(os.Stderr, "  upload     Encrypt and upload a file for a patient\n")
	fmt.Fprintf(os.Stderr, "  open       Decrypt a record you own or were granted\n")
	fmt.Fprintf(os.Stderr, "  request    Ask a patient for access to one or all records\n")
	fmt.Fprintf(os.Stderr, "  pending    List requests awaiting a patient\n")
	fmt.Fprintf(os.Stderr, "  approve    Approve a request\n")
	fmt.Fprintf(os.Stderr, "  reject     Reject a request\n")
	fmt.Fprintf(os.Stderr, "  revoke     Revoke a grant\n")
	fmt.Fprintf(os.Stderr, "  emergency  Invoke the emergency override for a patient\n")
	fmt.Fprintf(os.Stderr, "  audit      Print or verify the audit chain\n")
	fmt.Fprintf(os.Stderr, "  rotate     Rotate the emergency custodian key\n")
	fmt.Fprintf(os.Stderr, "  health     Probe the ledger, blob store and KMS\n")
	fmt.Fprintf(os.Stderr, "  version    Show version information\n")
	fmt.Fprintf(os.Stderr, "\nRun '%s <command> -h' for help on a specific command.\n", os.Args[0])
}

// nodeFlags are shared by every command that opens the vault.
type nodeFlags struct {
	config      *string
	metricsFile *string
}

func addNodeFlags(fs *flag.FlagSet) nodeFlags {
	return nodeFlags{
		config:      fs.String("config", "", "Path to configuration file; MEDVAULT_* variables and .env apply on top"),
		metricsFile: fs.String("metrics-file", "", "Write Prometheus metrics to this file on exit"),
	}
}
