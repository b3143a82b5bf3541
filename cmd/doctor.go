package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/shipworks/ship/internal/config"
	"github.com/shipworks/ship/internal/memory"
	"github.com/shipworks/ship/internal/skills"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local setup",
	Long:  "doctor inspects the config, credentials, state directories and required binaries and reports what a running daemon would use.",
	Run: func(cmd *cobra.Command, args []string) {
		runDoctor()
	},
}

func runDoctor() {
	fmt.Printf("ship %s on %s/%s (%s)\n\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Printf("Config:    %s (not found, running on defaults)\n", cfgPath)
	} else {
		fmt.Printf("Config:    %s\n", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nProviders:")
	checkProvider("anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("openai", cfg.Providers.OpenAI.APIKey)
	fmt.Printf("  default: %s\n", cfg.Agent.Provider)

	fmt.Println("\nEgress:")
	checkChannel("telegram", cfg.Egress.Telegram != nil && cfg.Egress.Telegram.Token != "")
	checkChannel("feishu", cfg.Egress.Feishu != nil && cfg.Egress.Feishu.AppID != "")
	checkChannel("qq", cfg.Egress.QQ != nil && cfg.Egress.QQ.AppID != "")

	fmt.Println("\nState:")
	root := cfg.StateRoot()
	checkDir("root", root)
	checkDir("workspace", cfg.WorkspacePath())
	skillsDir := cfg.SkillsDir()
	lib := skills.NewLibrary(skillsDir)
	if err := lib.Load(); err != nil {
		fmt.Printf("  ✗ skills: %s (%v)\n", skillsDir, err)
	} else {
		fmt.Printf("  ✓ skills: %s (%d loaded)\n", skillsDir, len(lib.List()))
	}
	if cfg.Memory.IsEnabled() {
		path := config.ExpandHome(cfg.Memory.Path)
		if path == "" {
			path = memory.DefaultPath(root)
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("  - memory: %s (created on first run)\n", path)
		} else {
			fmt.Printf("  ✓ memory: %s\n", path)
		}
	} else {
		fmt.Println("  - memory: disabled")
	}

	if len(cfg.Tasks) > 0 {
		fmt.Println("\nTasks:")
		gron := gronx.New()
		for _, t := range cfg.Tasks {
			if gron.IsValid(t.Schedule) {
				fmt.Printf("  ✓ %s (%s)\n", t.ID, t.Schedule)
			} else {
				fmt.Printf("  ✗ %s: invalid schedule %q\n", t.ID, t.Schedule)
			}
		}
	}

	fmt.Println("\nBinaries:")
	checkBinary("sh")
	checkBinary("git")

	if len(cfg.MCPServers) > 0 {
		fmt.Println("\nMCP servers:")
		for name, sc := range cfg.MCPServers {
			switch {
			case sc.Disabled:
				fmt.Printf("  - %s: disabled\n", name)
			case sc.Command != "":
				checkBinaryNamed(name, sc.Command)
			default:
				fmt.Printf("  ✓ %s: %s\n", name, sc.URL)
			}
		}
	}
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("  - %s: no API key\n", name)
		return
	}
	fmt.Printf("  ✓ %s: %s\n", name, maskKey(apiKey))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, configured bool) {
	if configured {
		fmt.Printf("  ✓ %s\n", name)
	} else {
		fmt.Printf("  - %s: not configured\n", name)
	}
}

func checkDir(label, path string) {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Printf("  - %s: %s (missing)\n", label, path)
	case !info.IsDir():
		fmt.Printf("  ✗ %s: %s is not a directory\n", label, path)
	default:
		fmt.Printf("  ✓ %s: %s\n", label, path)
	}
}

func checkBinary(name string) {
	checkBinaryNamed(name, name)
}

func checkBinaryNamed(label, bin string) {
	if path, err := exec.LookPath(bin); err != nil {
		fmt.Printf("  ✗ %s: %s not found in PATH\n", label, bin)
	} else {
		fmt.Printf("  ✓ %s: %s\n", label, path)
	}
}
