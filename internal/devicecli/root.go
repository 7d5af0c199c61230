package devicecli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Options holds the persistent flags shared by every subcommand. Each flag
// can also be set through a WALLETSIM_ prefixed environment variable.
type Options struct {
	v *viper.Viper
}

func (o *Options) dbPath() string     { return o.v.GetString("db") }
func (o *Options) seed() string       { return o.v.GetString("seed") }
func (o *Options) keyID() string      { return o.v.GetString("key-id") }
func (o *Options) keyVersion() int    { return o.v.GetInt("key-version") }
func (o *Options) accountID() string  { return o.v.GetString("account") }
func (o *Options) deviceID() string   { return o.v.GetString("device") }
func (o *Options) policyPath() string { return o.v.GetString("policy") }
func (o *Options) logLevel() string   { return o.v.GetString("log-level") }

// NewRootCommand builds the walletsim command tree.
func NewRootCommand() *cobra.Command {
	opts := &Options{v: viper.New()}
	opts.v.SetEnvPrefix("WALLETSIM")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "walletsim",
		Short: "Simulate a payer or merchant device",
		Long: `Simulate one device of the offline payment handshake.

QR payloads are printed to stdout and passed between two walletsim
processes by hand, each with its own --db.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if opts.seed() == "" {
				return fmt.Errorf("a device seed is required (--seed or WALLETSIM_SEED)")
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("db", "walletsim.db", "SQLite file holding the device's local transactions")
	flags.String("seed", "", "hex device seed, at least 32 bytes")
	flags.String("key-id", "device", "label the signing key is derived from")
	flags.Int("key-version", 1, "signing key version")
	flags.String("account", "", "account id of this device's owner")
	flags.String("device", "", "device id issued at registration")
	flags.String("policy", "", "YAML risk policy file, refreshed by sync")
	flags.String("log-level", "warn", "log level")

	cmd.AddCommand(newPubKeyCommand(opts))
	cmd.AddCommand(newIntentCommand(opts))
	cmd.AddCommand(newAuthorizeCommand(opts))
	cmd.AddCommand(newAcceptCommand(opts))
	cmd.AddCommand(newReceiptCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))

	return cmd
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
