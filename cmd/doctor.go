package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/thebenlamm/nanobot/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanobot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	if w := config.CheckPermissions(cfgPath); w != "" {
		fmt.Printf("            WARNING: %s\n", w)
	}

	snap, err := config.NewResolver(cfgPath).Resolve()
	if err != nil {
		fmt.Printf("  %s\n", err)
		fmt.Println()
		fmt.Println("Doctor check failed.")
		os.Exit(1)
	}
	cfg := snap.Config()
	if ov := snap.Overrides(); len(ov) > 0 {
		fmt.Printf("  Env overrides: %d\n", len(ov))
		for _, name := range ov {
			fmt.Printf("    %s\n", name)
		}
	}

	fmt.Println()
	fmt.Println("  Provider:")
	key, _ := snap.Secret("providers." + cfg.Agent.Provider + ".api_key")
	checkProvider(cfg.Agent.Provider, key)
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Agent.Model)

	fmt.Println()
	fmt.Println("  Channels:")
	ch := cfg.Channels
	checkChannel("WhatsApp", ch.WhatsApp.Enabled, ch.WhatsApp.BridgeURL != "")
	checkChannel("Telegram", ch.Telegram.Enabled, ch.Telegram.Token.IsSet())
	checkChannel("Discord", ch.Discord.Enabled, ch.Discord.Token.IsSet())
	checkChannel("Slack", ch.Slack.Enabled, ch.Slack.BotToken.IsSet() && ch.Slack.AppToken.IsSet())
	checkChannel("Email", ch.Email.Enabled, ch.Email.IMAPConfigured() && ch.Email.SMTPHost != "")
	if ch.Email.Enabled && !ch.Email.ConsentGranted {
		fmt.Println("                 consent_granted is false, the mailbox will not be opened")
	}

	fmt.Println()
	fmt.Println("  Tools:")
	checkChannel("exec", cfg.Tools.Exec.Enabled, true)
	checkChannel("web_fetch", cfg.Tools.WebFetch.Enabled, true)
	checkChannel("email_fetch", cfg.Tools.EmailFetch.Enabled, ch.Email.IMAPConfigured())

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("sh")
	checkBinary("git")
	checkBinary("curl")

	fmt.Println()
	ws := config.ExpandHome(cfg.Agent.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Sessions:  %s", cfg.Sessions.Backend)
	if cfg.Sessions.Backend == "sqlite" {
		fmt.Printf(" (%s)", filepath.Join(ws, "sessions.db"))
	}
	fmt.Println()

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name string, apiKey config.SecretHandle) {
	if apiKey.IsSet() {
		fmt.Printf("    %-12s %s (key set)\n", "Name:", name)
	} else {
		fmt.Printf("    %-12s %s (no API key)\n", "Name:", name)
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
