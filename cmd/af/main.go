package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"autoflow/internal/app"
	"autoflow/internal/config"
	"autoflow/internal/db"
	"autoflow/internal/domain"
	"autoflow/internal/engine"
	"autoflow/internal/ledger"
	"autoflow/internal/migrate"
	"autoflow/internal/repo"
	"autoflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "Autoflow CLI",
	Long: `Autoflow runs published workflow graphs and settles their fees.
- Workspace: the .autoflow directory holding the database.
- Balances: per-user signed balances; charges may push them into debt up to a per-denom cap.
- Workflows: published action graphs; instances are one user's cursor through a graph.
- Actions: resolve parameter templates into delegated contract calls, gated by a whitelist.
- Fees: execution and creator fees accumulate and are distributed or claimed.
- Event log: every state change, view with 'af log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("sender", "local-user", "sender address for gated operations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("sender", rootCmd.PersistentFlags().Lookup("sender"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(feesCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, chainID, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&chainID, "chain-id", "localnet", "chain identifier")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage chain config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show chain config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetChainConfig(ctx, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import chain config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.ImportConfig(ctx, r, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func balanceCmd() *cobra.Command {
	bal := &cobra.Command{Use: "balance", Short: "Manage user balances"}
	bal.AddCommand(balanceDepositCmd())
	bal.AddCommand(balanceWithdrawCmd())
	bal.AddCommand(balanceShowCmd())
	bal.AddCommand(balanceDebtCmd())
	return bal
}

func parseCoins(args []string) ([]domain.Coin, error) {
	coins := make([]domain.Coin, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid coin %q, want amount:denom", arg)
		}
		amount, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in %q: %w", arg, err)
		}
		coins = append(coins, domain.Coin{Denom: parts[1], Amount: amount})
	}
	return coins, nil
}

func balanceDepositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount:denom> [amount:denom...]",
		Short: "Deposit funds into the sender's balance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coins, err := parseCoins(args)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				balances, err := led.Deposit(ctx, viper.GetString("sender"), coins)
				if err != nil {
					return err
				}
				return printBalances(viper.GetString("sender"), balances)
			})
		},
	}
}

func balanceWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <amount:denom>",
		Short: "Withdraw from the sender's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coins, err := parseCoins(args)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				newBalance, err := led.Withdraw(ctx, viper.GetString("sender"), coins[0].Denom, coins[0].Amount)
				if err != nil {
					return err
				}
				fmt.Printf("withdrew %d%s, new balance %d\n", coins[0].Amount, coins[0].Denom, newBalance)
				return nil
			})
		},
	}
}

func balanceShowCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show balances across all accepted denoms",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("sender")
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				balances, err := led.UserBalances(ctx, user)
				if err != nil {
					return err
				}
				return printBalances(user, balances)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user address (defaults to sender)")
	return cmd
}

func balanceDebtCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "debt-limit",
		Short: "Whether the user exceeded any denom's debt cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("sender")
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				exceeded, err := led.HasExceededDebtLimit(ctx, user)
				if err != nil {
					return err
				}
				fmt.Printf("%s exceeded debt limit: %v\n", user, exceeded)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user address (defaults to sender)")
	return cmd
}

func feesCmd() *cobra.Command {
	fees := &cobra.Command{Use: "fees", Short: "Fee accumulators and distribution"}
	fees.AddCommand(feesChargeCmd())
	fees.AddCommand(feesClaimCmd())
	fees.AddCommand(feesDistributeCmd())
	fees.AddCommand(feesSubscribeCmd())
	fees.AddCommand(feesShowCmd())
	return fees
}

func readBatchFile(path string) ([]domain.UserFees, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch []domain.UserFees
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	return batch, nil
}

func feesChargeCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Charge a fee batch against user balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatchFile(filePath)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				below, err := led.ChargeFeesFromUserBalance(ctx, viper.GetString("sender"), batch)
				if err != nil {
					return err
				}
				for _, b := range below {
					fmt.Printf("below threshold: %s %s\n", b.User, b.Denom)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON fee batch")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func feesClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim the sender's accrued creator fees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				claimed, err := led.ClaimCreatorFees(ctx, viper.GetString("sender"))
				if err != nil {
					return err
				}
				return printJSONOrTable(claimed)
			})
		},
	}
}

func feesDistributeCmd() *cobra.Command {
	var creator bool
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Distribute accumulated fees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				if creator {
					return led.DistributeCreatorFees(ctx, viper.GetString("sender"))
				}
				return led.DistributeNonCreatorFees(ctx, viper.GetString("sender"))
			})
		},
	}
	cmd.Flags().BoolVar(&creator, "creator", false, "distribute creator fees instead of execution/distribution fees")
	return cmd
}

func feesSubscribeCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Opt the sender in or out of creator fee distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				if off {
					return led.DisableCreatorFeeDistribution(ctx, viper.GetString("sender"))
				}
				return led.EnableCreatorFeeDistribution(ctx, viper.GetString("sender"))
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unsubscribe")
	return cmd
}

func feesShowCmd() *cobra.Command {
	var creator string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show fee accumulators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led ledger.Ledger) error {
				if creator != "" {
					fees, err := led.CreatorFees(ctx, creator)
					if err != nil {
						return err
					}
					return printJSONOrTable(fees)
				}
				fees, err := led.GetNonCreatorFees(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(fees)
			})
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "show one creator's fees")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowPublishCmd())
	wf.AddCommand(workflowShowCmd())
	return wf
}

func workflowPublishCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a workflow from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var payload struct {
				domain.Workflow
				Actions []domain.Action `json:"actions"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse workflow file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.PublishWorkflow(ctx, viper.GetString("sender"), payload.Workflow, payload.Actions)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON workflow")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, actions, err := e.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"workflow": w, "actions": actions})
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	in := &cobra.Command{Use: "instance", Short: "Manage workflow instances"}
	in.AddCommand(instanceExecuteCmd())
	in.AddCommand(instanceListCmd())
	in.AddCommand(instanceShowCmd())
	in.AddCommand(instanceTransitionCmd("cancel", "Cancel a running or paused instance", func(e engine.Engine) func(context.Context, string, uint64) error {
		return e.CancelInstance
	}))
	in.AddCommand(instanceTransitionCmd("pause", "Pause a running instance", func(e engine.Engine) func(context.Context, string, uint64) error {
		return e.PauseInstance
	}))
	in.AddCommand(instanceTransitionCmd("resume", "Resume a paused instance", func(e engine.Engine) func(context.Context, string, uint64) error {
		return e.ResumeInstance
	}))
	return in
}

func instanceExecuteCmd() *cobra.Command {
	var workflowID, executionType, expiration string
	var params []string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Create a running instance of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			onchain, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.ExecuteInstance(ctx, viper.GetString("sender"), engine.ExecuteInstanceOptions{
					WorkflowID:     workflowID,
					ExecutionType:  executionType,
					ExpirationTime: expiration,
					OnchainParams:  onchain,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&executionType, "type", domain.ExecutionOneShot, "one_shot or recurrent")
	cmd.Flags().StringVar(&expiration, "expires", time.Now().UTC().Add(24*time.Hour).Format(time.RFC3339), "expiration time (RFC3339)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "onchain parameter key=value")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the sender's instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx, viper.GetString("sender"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Workflow", "State", "Type", "Cursor", "Expires"})
				for _, in := range items {
					cursor := ""
					if in.LastExecutedAction != nil {
						cursor = *in.LastExecutedAction
					}
					t.AppendRow(table.Row{in.ID, in.WorkflowID, in.State, in.ExecutionType, cursor, in.ExpirationTime})
				}
				t.Render()
				return nil
			})
		},
	}
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show one of the sender's instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid instance id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInstance(ctx, viper.GetString("sender"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
}

func instanceTransitionCmd(verb, short string, pick func(engine.Engine) func(context.Context, string, uint64) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid instance id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return pick(e)(ctx, viper.GetString("sender"), id)
			})
		},
	}
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Execute workflow actions"}
	act.AddCommand(actionExecuteCmd())
	return act
}

func parseKeyValues(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func actionExecuteCmd() *cobra.Command {
	var user, actionID, templateID string
	var instanceID uint64
	var params []string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Advance an instance through one action",
		RunE: func(cmd *cobra.Command, args []string) error {
			callParams, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ExecuteAction(ctx, viper.GetString("sender"), engine.ExecuteActionOptions{
					UserAddress: user,
					InstanceID:  instanceID,
					ActionID:    actionID,
					TemplateID:  templateID,
					CallParams:  callParams,
				})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "instance owner address")
	cmd.Flags().Uint64Var(&instanceID, "instance", 0, "instance id")
	cmd.Flags().StringVar(&actionID, "action", "", "action id")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringArrayVar(&params, "param", nil, "call parameter key=value")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func chargeCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Submit and settle a manager-side charge batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatchFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				led := ledger.New(e.DB)
				correlationID, err := e.ChargeFees(ctx, viper.GetString("sender"), led, batch)
				if err != nil {
					return err
				}
				fmt.Printf("charge settled, correlation id %s\n", correlationID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON fee batch")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func adminCmd() *cobra.Command {
	adm := &cobra.Command{Use: "admin", Short: "Owner-only operations"}
	adm.AddCommand(adminRolesCmd())
	adm.AddCommand(adminPaymentCmd())
	adm.AddCommand(adminFinishCmd())
	adm.AddCommand(adminPurgeCmd())
	adm.AddCommand(adminResetCmd())
	return adm
}

func adminRolesCmd() *cobra.Command {
	var owner, crank string
	var publishers, executors []string
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Update role addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sender := viper.GetString("sender")
				if crank != "" {
					if err := e.SetCrankAddress(ctx, sender, crank); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("publisher") {
					if err := e.SetAllowedPublishers(ctx, sender, publishers); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("executor") {
					if err := e.SetAllowedActionExecutors(ctx, sender, executors); err != nil {
						return err
					}
				}
				if owner != "" {
					if err := e.SetOwner(ctx, sender, owner); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "new owner address")
	cmd.Flags().StringVar(&crank, "crank", "", "new crank address")
	cmd.Flags().StringArrayVar(&publishers, "publisher", nil, "allowed publisher (repeatable)")
	cmd.Flags().StringArrayVar(&executors, "executor", nil, "allowed action executor (repeatable)")
	return cmd
}

func adminPaymentCmd() *cobra.Command {
	var user, source string
	var allowance uint64
	var remove bool
	cmd := &cobra.Command{
		Use:   "payment-config",
		Short: "Install or remove a user's charging allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sender := viper.GetString("sender")
				if remove {
					return e.RemoveUserPaymentConfig(ctx, sender, user)
				}
				return e.SetUserPaymentConfig(ctx, sender, domain.PaymentConfig{
					User:      user,
					Allowance: allowance,
					Source:    source,
				})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user address")
	cmd.Flags().Uint64Var(&allowance, "allowance", 0, "allowance in fee units")
	cmd.Flags().StringVar(&source, "source", domain.PaymentSourcePrepaid, "wallet or prepaid")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the config")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func adminFinishCmd() *cobra.Command {
	var requester string
	cmd := &cobra.Command{
		Use:   "finish <instance-id> [instance-id...]",
		Short: "Force instances to finished",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]engine.InstanceRef, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid instance id %q: %w", arg, err)
				}
				refs = append(refs, engine.InstanceRef{Requester: requester, ID: id})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.FinishInstances(ctx, viper.GetString("sender"), refs)
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "instance owner address")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func adminPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete cancelled and finished instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeInstances(ctx, viper.GetString("sender"))
				if err != nil {
					return err
				}
				fmt.Printf("purged %d instances\n", n)
				return nil
			})
		},
	}
}

func adminResetCmd() *cobra.Command {
	var requester string
	var id uint64
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear an instance's cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ResetInstance(ctx, viper.GetString("sender"), requester, id)
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "instance owner address")
	cmd.Flags().Uint64Var(&id, "id", 0, "instance id")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var address, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Address:   address,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key created (shown once): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "bound on-chain address")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logRoot.AddCommand(logTailCmd())
	logRoot.AddCommand(logTransfersCmd())
	logRoot.AddCommand(logCallsCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				latest, err := r.LatestEventID(ctx)
				if err != nil {
					return err
				}
				after := latest - int64(n)
				if after < 0 {
					after = 0
				}
				events, err := r.ListEvents(ctx, after, n)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := events[:0]
					for _, e := range events {
						if e.Type == evtType {
							filtered = append(filtered, e)
						}
					}
					events = filtered
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Attributes"})
				for _, e := range events {
					parts := make([]string, 0, len(e.Attributes))
					for _, a := range e.Attributes {
						parts = append(parts, a.Key+"="+a.Value)
					}
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, strings.Join(parts, " ")})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func logTransfersCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List outbound transfer instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTransfers(ctx, 0, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of transfers")
	return cmd
}

func logCallsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List outbound delegated contract calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContractCalls(ctx, 0, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of calls")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), "", r)
			if err != nil {
				return err
			}
			e := engine.New(conn)
			led := ledger.New(conn)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("AUTOFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AUTOFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Ledger: led, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Autoflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withConn(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, engine.New(conn))
	})
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	return withConn(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, ledger.New(conn))
	})
}

func withConn(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	if _, err := app.ResolveConfig(ctx, "", repo.Repo{DB: conn}); err != nil {
		return err
	}
	return fn(ctx, conn)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBalances(user string, balances []domain.Balance) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"user": user, "balances": balances})
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"User", "Denom", "Balance"})
	for _, b := range balances {
		t.AppendRow(table.Row{user, b.Denom, b.Amount})
	}
	t.Render()
	return nil
}
