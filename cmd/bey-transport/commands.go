package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/bey-transport/pkg/policy"
	"github.com/polisai/bey-transport/pkg/transport"
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <addr>",
		Short: "Open a policy-checked connection to a peer",
		Long: `Connect to a peer through the full transport path: policy check,
mTLS configuration and a pooled connection. With --message the payload is
sent and one reply is read back.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}
	cmd.Flags().String("message", "", "Payload to send after connecting")
	cmd.Flags().Duration("timeout", 10*time.Second, "Overall deadline for the exchange")
	cmd.Flags().String("policies", "", "Policy bundle to apply before connecting")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	flags, cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	message, _ := cmd.Flags().GetString("message")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	bundlePath, _ := cmd.Flags().GetString("policies")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to open certificate authority: %w", err)
	}
	tr, err := transport.New(*cfg, flags.DeviceID, provider,
		transport.WithLogger(logger),
		transport.WithoutBackgroundLoops(),
	)
	if err != nil {
		return err
	}
	defer tr.Close() //nolint:errcheck // process is exiting

	if bundlePath != "" {
		if _, err := applyBundle(tr.Policies(), bundlePath); err != nil {
			return err
		}
	}

	addr := args[0]
	conn, err := tr.Connect(ctx, addr)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connected to %s (connection %s, decision %s)\n", addr, conn.ID(), conn.Decision().Action)

	if message != "" {
		reply, err := exchange(ctx, conn, message)
		if err != nil {
			conn.MarkFailed()
			_ = tr.Disconnect(ctx, addr)
			return err
		}
		fmt.Fprintf(out, "reply: %s\n", reply)
	}
	return tr.Disconnect(ctx, addr)
}

// exchange writes message and reads a single reply of at most the same size.
func exchange(ctx context.Context, conn *transport.Connection, message string) (string, error) {
	c := conn.Conn()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(deadline); err != nil {
			return "", err
		}
		defer c.SetDeadline(time.Time{}) //nolint:errcheck // connection goes back to the pool
	}
	if _, err := io.WriteString(c, message); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	buf := make([]byte, len(message))
	if _, err := io.ReadFull(c, buf); err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}
	return string(buf), nil
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and evaluate policy bundles",
	}

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a request context against a policy bundle",
		Long: `Evaluate a request context against a bundle and print the decision as JSON.

The context is inline JSON or @path to a JSON file:
  bey-transport policy eval --bundle ./policies \
    --context '{"requester_id":"bey-laptop","resource":"10.0.0.5:7000","operation":"connect","fields":{"ip":"10.0.0.5"}}'`,
		Args: cobra.NoArgs,
		RunE: runPolicyEval,
	}
	evalCmd.Flags().String("bundle", "", "Policy bundle file or directory")
	evalCmd.Flags().String("context", "{}", "Request context as JSON, or @file")
	_ = evalCmd.MarkFlagRequired("bundle")

	cmd.AddCommand(evalCmd)
	return cmd
}

func runPolicyEval(cmd *cobra.Command, _ []string) error {
	_, cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	bundlePath, _ := cmd.Flags().GetString("bundle")
	rawContext, _ := cmd.Flags().GetString("context")

	pc, err := parsePolicyContext(rawContext)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return err
	}
	if _, err := applyBundle(engine, bundlePath); err != nil {
		return err
	}

	decision, err := engine.Evaluate(pc)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}

func applyBundle(engine *policy.Engine, path string) ([]string, error) {
	bundle, err := policy.LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return bundle.Apply(engine)
}

// parsePolicyContext decodes inline JSON, or the file named after a leading @.
func parsePolicyContext(raw string) (policy.Context, error) {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		//nolint:gosec // path supplied by the operator
		data, err = os.ReadFile(path)
		if err != nil {
			return policy.Context{}, fmt.Errorf("failed to read context file: %w", err)
		}
	}

	pc := policy.NewContext("", "", "")
	if err := json.Unmarshal(data, &pc); err != nil {
		return policy.Context{}, fmt.Errorf("failed to parse context: %w", err)
	}
	if pc.Fields == nil {
		pc.Fields = make(map[string]any)
	}
	if pc.Timestamp.IsZero() {
		pc.Timestamp = time.Now()
	}
	return pc, nil
}

func newCertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage device certificates",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a device certificate from the local CA",
		Long: `Issue a certificate for --device from the local CA and write it as
<identity>.crt and <identity>.key into the certificates directory.`,
		Args: cobra.NoArgs,
		RunE: runCertsIssue,
	}
	issueCmd.Flags().String("out", "", "Output directory (overrides mtls.certificates_dir)")

	cmd.AddCommand(issueCmd)
	return cmd
}

func runCertsIssue(cmd *cobra.Command, _ []string) error {
	flags, cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		cfg.Mtls.CertificatesDir = out
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to open certificate authority: %w", err)
	}

	identity := cfg.Mtls.LocalIdentity(flags.DeviceID)
	cert, err := provider.Issue(cmd.Context(), identity)
	if err != nil {
		return err
	}
	logger.Info("Certificate issued", "identity", identity, "serial", cert.Leaf.SerialNumber.String())

	fmt.Fprintf(cmd.OutOrStdout(), "issued %s\n  certificate: %s\n  expires:     %s\n",
		identity,
		filepath.Join(cfg.Mtls.CertificatesDir, identity+".crt"),
		cert.Leaf.NotAfter.Format(time.RFC3339),
	)
	return nil
}
