package tools

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/thebenlamm/nanobot/internal/config"
)

// ShellPolicy decides whether a shell command may run.
type ShellPolicy interface {
	Evaluate(command string) Decision
}

// DenyRule is one named entry of a deny-list policy. Pattern and Name are
// internal; only Category and Reason reach the model.
type DenyRule struct {
	Name     string
	Category string
	Reason   string
	Pattern  *regexp.Regexp
}

func rule(name, category, reason, pattern string) DenyRule {
	return DenyRule{Name: name, Category: category, Reason: reason, Pattern: regexp.MustCompile(pattern)}
}

// Built-in rules. These are a best-effort filter for an agent that runs on
// the owner's machine, not a sandbox.
var defaultDenyRules = []DenyRule{
	// destructive file operations
	rule("rm-recursive", CategoryDestructiveFS, "recursive or forced file deletion",
		`\brm\s+(-[a-zA-Z]*[rRf]|.*--(recursive|force)\b)`),
	rule("shred", CategoryDestructiveFS, "irreversible file wiping", `\b(shred|wipefs|srm)\b`),
	rule("find-delete", CategoryDestructiveFS, "bulk deletion via find", `\bfind\b.*\s-(delete|exec\s+rm)\b`),
	rule("windows-delete", CategoryDestructiveFS, "recursive or forced file deletion", `(?i)\b(del\s+/[fqs]|rmdir\s+/s)\b`),
	rule("truncate-device", CategoryDestructiveFS, "overwrite of a block device",
		`>\s*/dev/(sd[a-z]|nvme\d|hd[a-z]|vd[a-z]|xvd[a-z]|mmcblk\d|disk\d)`),

	// disk formatting
	rule("mkfs", CategoryDiskFormat, "filesystem creation or partitioning",
		`\b(mkfs(\.\w+)?|mke2fs|diskpart|fdisk|sfdisk|parted|gdisk)\b|(?i)\bformat\s+[a-z]:`),
	rule("dd", CategoryDiskFormat, "raw disk copy", `\bdd\s+(.*\s)?(if|of)=`),

	// fork bombs
	rule("fork-bomb", CategoryForkBomb, "fork bomb", `:\(\)\s*\{.*\};\s*:`),
	rule("fork-bomb-function", CategoryForkBomb, "self-replicating function",
		`\w*\(\)\s*\{[^}]*\|[^}]*&\s*\}\s*;`),

	// privilege escalation
	rule("sudo", CategoryPrivilege, "privilege escalation", `\b(sudo|doas|pkexec)\b`),
	rule("su", CategoryPrivilege, "privilege escalation", `\bsu(\s+-|\s+root\b|\s*$|\s*;|\s*&)`),
	rule("namespaces", CategoryPrivilege, "namespace or mount manipulation", `\b(nsenter|unshare|mount|umount|chroot)\b`),
	rule("capabilities", CategoryPrivilege, "capability manipulation", `\b(capsh|setcap|getcap)\b`),
	rule("setuid", CategoryPrivilege, "setuid or system-wide permission change",
		`\bchmod\s+(-R\s+)?([ugoa]*\+s|[0-7]?[4267][0-7]{3}\b)|\bchmod\s+(-R\s+)?[0-7]{3,4}\s+/|\bchown\b.*\s/`),
	rule("system-accounts", CategoryPrivilege, "write to system account files",
		`(>|\btee\b).*?/etc/(sudoers|shadow|passwd|group)\b|\b(useradd|usermod|passwd|visudo)\b`),

	// remote code execution
	rule("pipe-to-shell", CategoryRemoteExec, "downloaded code piped into a shell",
		`\b(curl|wget|fetch)\b.*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b|\b(ba|z)?sh\s+<\(\s*(curl|wget)\b`),
	rule("decode-to-shell", CategoryRemoteExec, "decoded payload piped into a shell",
		`\b(base64|xxd|openssl)\b.*\|\s*(ba|z)?sh\b`),
	rule("eval-variable", CategoryRemoteExec, "evaluation of dynamic input", `\beval\s*["']?\$`),
	rule("interpreter-bypass", CategoryRemoteExec, "command execution through a tool flag",
		`\bsed\b.*['"]/e\b|\bsort\b.*--compress-program|\bgit\b.*(--upload-pack|--receive-pack|--exec)=|\b(rg|grep)\b.*--pre=|\$\{[^}]*@[PpEeAaKk]\}`),

	// reverse shells
	rule("dev-tcp", CategoryReverseShell, "raw socket redirection", `/dev/(tcp|udp)/`),
	rule("netcat", CategoryReverseShell, "listener or shell over netcat", `\b(nc|ncat|netcat)\b.*\s-[a-zA-Z]*[elc]`),
	rule("socat", CategoryReverseShell, "socket relay", `\b(socat|mkfifo)\b|\bopenssl\b.*s_client`),
	rule("script-socket", CategoryReverseShell, "interpreter opening a network socket",
		`\bpython[23]?\b.*\b(socket|pty\.spawn)\b|\bperl\b.*\bSocket\b|\bruby\b.*\bTCPSocket\b|\bnode\b.*\b(net\.connect|child_process)\b|\bawk\b.*/inet/`),

	// secret exposure
	rule("env-dump", CategorySecretExposure, "environment dump",
		`^\s*env\s*($|\||>)|\bprintenv\b|^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)|\bcompgen\s+-e\b|/proc/(self|\d+)/environ`),
	rule("credential-files", CategorySecretExposure, "read of a credential file",
		`\.ssh/id_(rsa|ed25519|ecdsa|dsa)\b|\.aws/credentials|\.netrc\b|\.nanobot/config\.json|\.git-credentials|/etc/shadow`),
	rule("post-data", CategorySecretExposure, "upload of local data",
		`\bcurl\b.*\s(-d|-F|-T|--data(-\w+)?|--upload-file|--form)\b|\bwget\b.*--post-(data|file)`),

	// environment injection
	rule("loader-injection", CategoryEnvInjection, "dynamic loader injection",
		`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES)\s*=|/etc/ld\.so\.preload`),
	rule("shell-init-injection", CategoryEnvInjection, "shell or git hook injection",
		`\b(BASH_ENV|GIT_EXTERNAL_DIFF|GIT_DIFF_OPTS)\s*=|\bENV\s*=.*\bsh\b`),

	// persistence
	rule("crontab", CategoryPersistence, "scheduled job installation", `\b(crontab|at\s+now)\b`),
	rule("shell-rc", CategoryPersistence, "shell startup file modification",
		`(>|\btee\b).*\.(bashrc|bash_profile|profile|zshrc|zprofile)\b`),
	rule("services", CategoryPersistence, "service installation", `\bsystemctl\s+(enable|link)\b|\blaunchctl\s+load\b`),

	// system control
	rule("power", CategorySystemControl, "host shutdown or reboot", `\b(shutdown|reboot|poweroff|halt)\b|\binit\s+[06]\b`),
	rule("kill-all", CategorySystemControl, "mass process termination",
		`\bkill\s+-9\s|\bkill\s+(-\w+\s+)?-1\b|\b(killall|pkill)\b`),
	rule("service-stop", CategorySystemControl, "service shutdown", `\bsystemctl\s+(stop|disable|mask|kill)\b`),

	// container escape
	rule("docker-socket", CategoryContainerEscape, "container runtime socket access", `docker\.(sock|socket)\b`),
	rule("kernel-tunables", CategoryContainerEscape, "kernel or sysfs manipulation", `/proc/sys/(kernel|fs|net)/|/sys/(kernel|fs|class|devices)/`),

	// network abuse
	rule("scanners", CategoryNetworkAbuse, "network scanning", `\b(nmap|masscan|zmap|rustscan)\b`),
	rule("tunnels", CategoryNetworkAbuse, "tunnel to an external host", `\b(chisel|frpc|ngrok|cloudflared|bore|localtunnel)\b`),
	rule("miners", CategoryNetworkAbuse, "cryptocurrency miner",
		`\b(xmrig|cpuminer|minerd|cgminer|bfgminer|ethminer|nbminer|phoenixminer|lolminer)\b|stratum\+(tcp|ssl)://`),
}

// DefaultDenyRules returns a copy of the built-in rules.
func DefaultDenyRules() []DenyRule { return slices.Clone(defaultDenyRules) }

// DenyListPolicy denies any command matching one of its rules, in order.
type DenyListPolicy struct {
	rules []DenyRule
}

// NewDenyListPolicy builds a policy from rules, evaluated in order.
func NewDenyListPolicy(rules []DenyRule) *DenyListPolicy {
	return &DenyListPolicy{rules: slices.Clone(rules)}
}

// PolicyFromConfig starts from the built-in rules, drops the ones named in
// DisableRules and appends the configured extras.
func PolicyFromConfig(cfg config.ExecToolConfig) (*DenyListPolicy, error) {
	rules := make([]DenyRule, 0, len(defaultDenyRules)+len(cfg.DenyRules))
	for _, r := range defaultDenyRules {
		if !slices.Contains(cfg.DisableRules, r.Name) {
			rules = append(rules, r)
		}
	}
	for _, rc := range cfg.DenyRules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", rc.Name, err)
		}
		cat := rc.Category
		if cat == "" {
			cat = CategoryCustom
		}
		reason := rc.Reason
		if reason == "" {
			reason = "blocked by local policy"
		}
		rules = append(rules, DenyRule{Name: rc.Name, Category: cat, Reason: reason, Pattern: re})
	}
	return NewDenyListPolicy(rules), nil
}

// Rules returns the active rules.
func (p *DenyListPolicy) Rules() []DenyRule { return slices.Clone(p.rules) }

// Evaluate checks command and its unquoted form against every rule.
func (p *DenyListPolicy) Evaluate(command string) Decision {
	if strings.TrimSpace(command) == "" {
		return deny("exec", CategoryMalformed, "empty command")
	}
	if strings.ContainsRune(command, 0) {
		return deny("exec", CategoryMalformed, "command contains a NUL byte")
	}

	forms := []string{command}
	if alt := unquote(command); alt != command {
		forms = append(forms, alt)
	}
	for _, r := range p.rules {
		for _, f := range forms {
			if r.Pattern.MatchString(f) {
				d := deny("exec", r.Category, r.Reason)
				d.Rule = r.Name
				return d
			}
		}
	}
	return Decision{Verdict: Allow, Tool: "exec", command: command}
}

var ifsExpansion = regexp.MustCompile(`\$\{?IFS\}?`)

// unquote removes quoting tricks such as r''m or r\m and $IFS separators so
// that obfuscated commands match the same rules as plain ones.
func unquote(s string) string {
	s = ifsExpansion.ReplaceAllString(s, " ")
	return strings.NewReplacer(`''`, "", `""`, "", `\`, "").Replace(s)
}
