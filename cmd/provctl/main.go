package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var rootCmd = &cobra.Command{
	Use:   "provctl",
	Short: "Secret provisioning CLI",
	Long:  "A CLI for provisioning application environments, their tokens and their secrets.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(envCmd())
	rootCmd.AddCommand(propCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hashTokenCmd())
}

// run prints the result of a call or its error.
func run(result any, err error) error {
	if err != nil {
		printError(err.Error())
		return nil
	}
	printResult(result)
	return nil
}

// --- app ---

func appCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "app", Short: "Manage applications"}

	createCmd := &cobra.Command{
		Use:   "create <code>",
		Short: "Create an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return run(newClient().post("/v1/applications", map[string]any{"code": args[0], "name": name}))
		},
	}
	createCmd.Flags().String("name", "", "Display name (default: the code)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/applications"))
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/applications/" + args[0]))
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <id> <code>",
		Short: "Change an application's name or code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return run(newClient().put("/v1/applications/"+args[0], map[string]any{"code": args[1], "name": name}))
		},
	}
	updateCmd.Flags().String("name", "", "New display name (default: unchanged)")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an application and every environment below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/applications/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted application " + args[0])
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, updateCmd, deleteCmd)
	return cmd
}

// --- env ---

func envCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "env", Short: "Provision environments"}

	createCmd := &cobra.Command{
		Use:   "create <app-id> <type>",
		Short: "Create an environment, its policy and its token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/applications/"+args[0]+"/environments", map[string]any{"type": args[1]})
			if err == nil {
				fmt.Fprintln(os.Stderr, "The client token is shown once and cannot be retrieved again.")
			}
			return run(result, err)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <app-id>",
		Short: "List the environments of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/applications/" + args[0] + "/environments"))
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <env-id>",
		Short: "Show an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/environments/" + args[0]))
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <env-id> <new-code>",
		Short: "Rename an environment; keys are copied to the new path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().put("/v1/environments/"+args[0], map[string]any{"code": args[1]}))
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <env-id>",
		Short: "Delete an environment with its secrets, policy and token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/environments/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted environment " + args[0])
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <env-id>",
		Short: "Revoke the environment token and issue a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().post("/v1/environments/"+args[0]+"/token", nil))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <env-id>",
		Short: "Compare an environment with the secret backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/environments/" + args[0] + "/status"))
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, renameCmd, deleteCmd, tokenCmd, statusCmd)
	return cmd
}

// --- prop ---

func propPath(envID, key string) string {
	return "/v1/environments/" + envID + "/properties/" + url.PathEscape(key)
}

func propCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prop", Short: "Manage environment secrets"}

	putCmd := &cobra.Command{
		Use:   "put <env-id> <key>=<value>",
		Short: "Write a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[1], "=")
			if !ok {
				return fmt.Errorf("invalid key=value pair: %s", args[1])
			}
			return run(newClient().post("/v1/environments/"+args[0]+"/properties", map[string]any{"key": key, "value": value}))
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <env-id> <key>=<value>",
		Short: "Replace the value of a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[1], "=")
			if !ok {
				return fmt.Errorf("invalid key=value pair: %s", args[1])
			}
			return run(newClient().put(propPath(args[0], key), map[string]any{"value": value}))
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <env-id> <key>",
		Short: "Read a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get(propPath(args[0], args[1])))
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <env-id>",
		Short: "List the secrets of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(newClient().get("/v1/environments/" + args[0] + "/properties"))
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <env-id> <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(propPath(args[0], args[1])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted " + args[1])
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <env-id>",
		Short: "Print the secrets of an environment as a .env file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			doc, err := newClient().getText("/v1/environments/" + args[0] + "/properties.env")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if out == "" {
				fmt.Print(doc)
				return nil
			}
			if err := os.WriteFile(out, []byte(doc), 0600); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Wrote " + out)
			return nil
		},
	}
	exportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	cmd.AddCommand(putCmd, updateCmd, getCmd, listCmd, deleteCmd, exportCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the provisioning journal"}

	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "List journaled provisioning steps, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("env"); v != "" {
				q.Set("environment_id", v)
			}
			if v, _ := cmd.Flags().GetString("operation"); v != "" {
				q.Set("operation", v)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			q.Set("limit", fmt.Sprint(limit))
			q.Set("offset", fmt.Sprint(offset))
			return run(newClient().get("/v1/audit/steps?" + q.Encode()))
		},
	}
	stepsCmd.Flags().String("env", "", "Only steps of this environment id")
	stepsCmd.Flags().String("operation", "", "Only steps of this operation (create, rename, delete, regenerate_token)")
	stepsCmd.Flags().Int("limit", 100, "Maximum number of steps")
	stepsCmd.Flags().Int("offset", 0, "Steps to skip")

	cmd.AddCommand(stepsCmd)
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the server address and admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Address, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("admin-token") {
				cfg.AdminToken, _ = cmd.Flags().GetString("admin-token")
			}
			if cmd.Flags().Changed("ca-cert") {
				cfg.TLSCACert, _ = cmd.Flags().GetString("ca-cert")
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Saved " + configPath())
			return nil
		},
	}
	setCmd.Flags().String("addr", "", "Server address")
	setCmd.Flags().String("admin-token", "", "Admin token sent as X-Admin-Token")
	setCmd.Flags().String("ca-cert", "", "CA certificate for TLS")

	cmd.AddCommand(setCmd)
	return cmd
}

// --- hash-token ---

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash to configure as admin_token_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok string
			if len(args) > 0 {
				tok = args[0]
			} else {
				fmt.Fprint(os.Stderr, "Admin token: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				tok = strings.TrimSpace(scanner.Text())
			}
			if tok == "" {
				return fmt.Errorf("token must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}
}
