// Command ans is the command-line interface for the Agent Name Service.
// It registers agents, resolves names, manages certificate lifecycle, and
// inspects the audit log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruvnet/agent-name-service/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	registryURL string
	cfgFile     string
	jsonOutput  bool
	insecure    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ans",
	Short: "Agent Name Service CLI",
	Long: `ans is the command-line interface for the Agent Name Service.

It registers agents with an ANS registry, resolves agent names to their
endpoints and certificate standing, and manages registered identities.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".ans"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registryURL == "" {
			registryURL = viper.GetString("registry_url")
		}
		if registryURL == "" {
			registryURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ans/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "ANS registry URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output raw JSON instead of tables")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (development only)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(cardCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(registryURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regDescription  string
	regProvider     string
	regEndpoint     string
	regCapabilities []string
	regKeyOut       string
)

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent with the registry",
	Long: `Register submits an agent name and metadata for admission.

The registry validates the name, scores the submission for threats, and on
acceptance issues an identity certificate. The private key is delivered
exactly once; use --key-out to write it to a file:

  ans register weather-agent --endpoint https://weather.example.com \
      --capability http-fetch --key-out weather-agent.key`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&regDescription, "description", "", "agent description")
	registerCmd.Flags().StringVar(&regProvider, "provider", "", "agent provider or vendor")
	registerCmd.Flags().StringVar(&regEndpoint, "endpoint", "", "agent transport endpoint URL")
	registerCmd.Flags().StringSliceVar(&regCapabilities, "capability", nil, "declared capability (repeatable)")
	registerCmd.Flags().StringVar(&regKeyOut, "key-out", "", "write the private key to this file instead of stdout")
}

func runRegister(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	result, err := c.Register(context.Background(), args[0], client.Metadata{
		Description:  regDescription,
		Provider:     regProvider,
		Endpoint:     regEndpoint,
		Capabilities: regCapabilities,
	})
	if err != nil {
		return err
	}

	if regKeyOut != "" {
		if err := os.WriteFile(regKeyOut, []byte(result.PrivateKey), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		result.PrivateKey = "(written to " + regKeyOut + ")"
	}

	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("registered %s\n", result.Agent.Name)
	fmt.Printf("  status:       %s\n", result.Agent.Status)
	fmt.Printf("  cert serial:  %s\n", result.Agent.CertSerial)
	fmt.Printf("  threat score: %d (%s)\n", result.Agent.ThreatScore, result.Agent.ThreatSeverity)
	if result.AgentCard != nil {
		fmt.Printf("  fingerprint:  %s\n", result.AgentCard.CertFingerprint)
	}
	if regKeyOut == "" {
		fmt.Printf("\n%s\n", result.PrivateKey)
		fmt.Fprintln(os.Stderr, "the private key above is shown once and not retained in plaintext; store it now")
	}
	return nil
}

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve <name> [<name>...]",
	Short: "Resolve agent names to endpoints and certificate standing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if jsonOutput {
			results := make([]*client.Resolution, 0, len(args))
			for _, name := range args {
				res, err := c.Resolve(ctx, name)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			return printJSON(results)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tENDPOINT\tCERT\tFINGERPRINT")
		for _, name := range args {
			res, err := c.Resolve(ctx, name)
			if err != nil {
				fmt.Fprintf(w, "%s\terror\t%s\t\t\n", name, err)
				continue
			}
			certState := "invalid"
			if res.CertValid {
				certState = "valid"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Name, res.Status, res.Endpoint, certState, short(res.Fingerprint))
		}
		return w.Flush()
	},
}

// short truncates a fingerprint for table display.
func short(s string) string {
	if len(s) > 16 {
		return s[:16] + "…"
	}
	return s
}

// ── get / card / certs ──────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Fetch the full agent record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		agent, err := c.GetAgent(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(agent)
	},
}

var cardCmd = &cobra.Command{
	Use:   "card <name>",
	Short: "Fetch the agent's identity card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		card, err := c.GetCard(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(card)
	},
}

var certsCmd = &cobra.Command{
	Use:   "certs <name>",
	Short: "List the agent's certificate history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		certs, err := c.CertificateHistory(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(certs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tSTATUS\tVALID FROM\tVALID TO\tROTATED FROM")
		for _, cert := range certs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				cert.SerialNumber, cert.Status,
				cert.ValidFrom.Format(time.RFC3339), cert.ValidTo.Format(time.RFC3339),
				cert.RotatedFrom,
			)
		}
		return w.Flush()
	},
}

// ── lifecycle ────────────────────────────────────────────────────────────────

var rotateKeyOut string

var rotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Rotate the agent's certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		result, err := c.Rotate(context.Background(), args[0])
		if err != nil {
			return err
		}

		if rotateKeyOut != "" {
			if err := os.WriteFile(rotateKeyOut, []byte(result.PrivateKey), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			result.PrivateKey = "(written to " + rotateKeyOut + ")"
		}
		if jsonOutput {
			return printJSON(result)
		}

		fmt.Printf("rotated %s: %s -> %s\n", args[0], result.OldSerial, result.NewSerial)
		if rotateKeyOut == "" {
			fmt.Printf("\n%s\n", result.PrivateKey)
		}
		return nil
	},
}

func init() {
	rotateCmd.Flags().StringVar(&rotateKeyOut, "key-out", "", "write the replacement private key to this file")
}

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Revoke an agent permanently",
	Long: `Revoke retires an agent. Its certificate stops validating and the name
stays claimed forever; it can never be re-registered by anyone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if revokeReason == "" {
			return fmt.Errorf("--reason is required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Revoke(context.Background(), args[0], revokeReason); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

func init() {
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "revocation reason (required)")
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Suspend an agent (reversible)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Suspend(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("suspended %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a suspended agent to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Restore(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("restored %s\n", args[0])
		return nil
	},
}

// ── events / audit ───────────────────────────────────────────────────────────

var (
	eventsType        string
	eventsMinSeverity string
	eventsTarget      string
	eventsLimit       int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the registry's security event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.Events(context.Background(), client.EventsQuery{
			Type:        eventsType,
			MinSeverity: eventsMinSeverity,
			Target:      eventsTarget,
			Limit:       eventsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(events)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tTARGET\tDESCRIPTION")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Severity, ev.Target, ev.Description)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsCmd.Flags().StringVar(&eventsMinSeverity, "min-severity", "", "filter by minimum severity (info, low, medium, high, critical)")
	eventsCmd.Flags().StringVar(&eventsTarget, "target", "", "filter by target agent name")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to return")
}

var auditCmd = &cobra.Command{
	Use:   "audit-verify",
	Short: "Ask the registry to verify its audit chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		valid, reason, err := c.VerifyAudit(context.Background())
		if err != nil {
			return err
		}
		if !valid {
			fmt.Printf("audit chain BROKEN: %s\n", reason)
			os.Exit(1)
		}
		fmt.Println("audit chain intact")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ans", version)
	},
}
