package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shipworks/ship/internal/bootstrap"
	"github.com/shipworks/ship/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Run: func(cmd *cobra.Command, args []string) {
		runInit()
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit() {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Fprintf(os.Stderr, "%s already exists (use --force to overwrite)\n", path)
		os.Exit(1)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", path)

	created, err := bootstrap.SeedSkills(cfg.SkillsDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed skills: %v\n", err)
	}
	for _, f := range created {
		fmt.Printf("Wrote %s\n", f)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set an API key: providers.anthropic.apiKey, or export SHIP_ANTHROPIC_API_KEY")
	fmt.Println("  2. Add a channel: egress.telegram.token, or export SHIP_TELEGRAM_TOKEN")
	fmt.Println("  3. Run `ship` to start the daemon")
}
