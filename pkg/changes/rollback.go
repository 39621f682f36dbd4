package changes

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Supported rollback platforms.
const (
	PlatformLinux   = "linux"
	PlatformDarwin  = "darwin"
	PlatformWindows = "windows"
)

// PackageKind classifies the target of a package_installed change.
type PackageKind string

const (
	PackageKindProductCode PackageKind = "product_code"
	PackageKindMSI         PackageKind = "msi"
	PackageKindAppx        PackageKind = "appx"
	PackageKindExe         PackageKind = "exe"
	PackageKindName        PackageKind = "name"
)

var productCodePattern = regexp.MustCompile(`^\{[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}\}$`)

// ClassifyPackageTarget decides how an installed package is identified by its target string.
func ClassifyPackageTarget(target string) PackageKind {
	target = strings.TrimSpace(target)
	if productCodePattern.MatchString(target) {
		return PackageKindProductCode
	}

	switch strings.ToLower(filepath.Ext(target)) {
	case ".msi":
		return PackageKindMSI
	case ".appx", ".msix":
		return PackageKindAppx
	case ".exe":
		return PackageKindExe
	default:
		return PackageKindName
	}
}

// RollbackScriptBuilder synthesizes a platform-specific script that undoes
// recorded changes, newest first.
type RollbackScriptBuilder struct {
	platform string
}

// NewRollbackScriptBuilder creates a builder for platform. An empty platform
// means the host platform.
func NewRollbackScriptBuilder(platform string) *RollbackScriptBuilder {
	if platform == "" {
		platform = runtime.GOOS
	}
	return &RollbackScriptBuilder{platform: platform}
}

// Platform returns the target platform of generated scripts.
func (b *RollbackScriptBuilder) Platform() string {
	return b.platform
}

// ScriptExtension returns the file extension the generated script must be saved with.
func (b *RollbackScriptBuilder) ScriptExtension() string {
	if b.windows() {
		return ".ps1"
	}
	return ".sh"
}

func (b *RollbackScriptBuilder) windows() bool {
	return b.platform == PlatformWindows
}

// Build renders the rollback script for changes. Changes are undone in the
// reverse of their emission order; a failed undo step does not stop the others
// but makes the script exit non-zero.
func (b *RollbackScriptBuilder) Build(changes []Change) string {
	var sb strings.Builder

	if b.windows() {
		sb.WriteString("# autoflow rollback script\n")
		sb.WriteString("$ErrorActionPreference = 'Continue'\n")
		sb.WriteString("$rollbackFailed = $false\n\n")
	} else {
		sb.WriteString("#!/bin/sh\n")
		sb.WriteString("# autoflow rollback script\n")
		sb.WriteString("rollback_failed=0\n\n")
	}

	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		cmd, ok := b.UndoCommand(c)
		if !ok {
			fmt.Fprintf(&sb, "# skipped %s %s: %s\n\n", c.Type, sanitizeComment(c.Target), cmd)
			continue
		}

		fmt.Fprintf(&sb, "# undo %s %s\n", c.Type, sanitizeComment(c.Target))
		if b.windows() {
			fmt.Fprintf(&sb, "try {\n%s\n} catch {\n    Write-Error $_\n    $rollbackFailed = $true\n}\n\n", indent(cmd))
		} else {
			fmt.Fprintf(&sb, "{\n%s\n} || rollback_failed=1\n\n", indent(cmd))
		}
	}

	if b.windows() {
		sb.WriteString("if ($rollbackFailed) { exit 1 }\nexit 0\n")
	} else {
		sb.WriteString("exit $rollback_failed\n")
	}
	return sb.String()
}

// BuildRollbackScript renders the rollback script for everything recorded in l.
func (b *RollbackScriptBuilder) BuildRollbackScript(l *Ledger) string {
	return b.Build(l.Changes())
}

// UndoCommand returns the command that reverts c. When c cannot be reverted,
// ok is false and the returned string explains why.
func (b *RollbackScriptBuilder) UndoCommand(c Change) (cmd string, ok bool) {
	if strings.TrimSpace(c.RevertCommand) != "" {
		return c.RevertCommand, true
	}
	if !c.Revertible {
		return "change is not revertible", false
	}
	if c.Target == "" {
		return "change has no target", false
	}

	if b.windows() {
		return b.windowsUndo(c)
	}
	return b.unixUndo(c)
}

func (b *RollbackScriptBuilder) unixUndo(c Change) (string, bool) {
	t := shQuote(c.Target)

	switch c.Type {
	case TypeFileCreated, TypeSymlinkCreated:
		return "rm -f -- " + t, true
	case TypeDirectoryCreated:
		return "rm -rf -- " + t, true
	case TypeFileModified, TypeFileDeleted:
		if c.BackupFile == nil || *c.BackupFile == "" {
			return "no backup file recorded", false
		}
		return fmt.Sprintf("cp -p -- %s %s", shQuote(*c.BackupFile), t), true
	case TypeServiceStarted:
		return fmt.Sprintf("if command -v systemctl >/dev/null 2>&1; then systemctl stop %s; else service %s stop; fi", t, t), true
	case TypeServiceEnabled:
		return fmt.Sprintf("if command -v systemctl >/dev/null 2>&1; then systemctl disable %s; else update-rc.d %s remove; fi", t, t), true
	case TypeUserCreated:
		if b.platform == PlatformDarwin {
			return "sysadminctl -deleteUser " + t, true
		}
		return "userdel -r " + t, true
	case TypeEnvVarSet:
		return fmt.Sprintf("sed -i.bak '/^%s=/d' /etc/environment", sedEscape(c.Target)), true
	case TypePackageInstalled:
		return b.unixPackageUndo(c.Target)
	case TypeRegistryKeyCreated:
		return "registry keys only exist on windows", false
	default:
		return "unknown change type", false
	}
}

// unixPackageUndo tries each package manager in turn, skipping absent ones.
func (b *RollbackScriptBuilder) unixPackageUndo(target string) (string, bool) {
	if kind := ClassifyPackageTarget(target); kind != PackageKindName {
		return fmt.Sprintf("%s package target cannot be removed on %s", kind, b.platform), false
	}

	t := shQuote(target)
	lines := []string{
		fmt.Sprintf("if command -v snap >/dev/null 2>&1 && snap list %s >/dev/null 2>&1; then snap remove %s", t, t),
		fmt.Sprintf("elif command -v apt-get >/dev/null 2>&1; then apt-get remove -y %s", t),
		fmt.Sprintf("elif command -v yum >/dev/null 2>&1; then yum remove -y %s", t),
		fmt.Sprintf("elif command -v dnf >/dev/null 2>&1; then dnf remove -y %s", t),
		fmt.Sprintf("elif command -v zypper >/dev/null 2>&1; then zypper --non-interactive remove %s", t),
		fmt.Sprintf("elif command -v pacman >/dev/null 2>&1; then pacman -R --noconfirm %s", t),
	}
	if b.platform == PlatformDarwin {
		lines = append(lines, fmt.Sprintf("elif command -v brew >/dev/null 2>&1; then brew uninstall %s", t))
	}
	lines = append(lines,
		fmt.Sprintf("else printf 'no package manager found to remove %%s\\n' %s >&2; false", t),
		"fi",
	)
	return strings.Join(lines, "\n"), true
}

func (b *RollbackScriptBuilder) windowsUndo(c Change) (string, bool) {
	t := psQuote(c.Target)

	switch c.Type {
	case TypeFileCreated, TypeSymlinkCreated:
		return fmt.Sprintf("Remove-Item -LiteralPath %s -Force -ErrorAction Stop", t), true
	case TypeDirectoryCreated:
		return fmt.Sprintf("Remove-Item -LiteralPath %s -Recurse -Force -ErrorAction Stop", t), true
	case TypeFileModified, TypeFileDeleted:
		if c.BackupFile == nil || *c.BackupFile == "" {
			return "no backup file recorded", false
		}
		return fmt.Sprintf("Copy-Item -LiteralPath %s -Destination %s -Force -ErrorAction Stop", psQuote(*c.BackupFile), t), true
	case TypeServiceStarted:
		return fmt.Sprintf("Stop-Service -Name %s -Force -ErrorAction Stop", t), true
	case TypeServiceEnabled:
		return fmt.Sprintf("Set-Service -Name %s -StartupType Disabled -ErrorAction Stop", t), true
	case TypeUserCreated:
		return fmt.Sprintf("Remove-LocalUser -Name %s -ErrorAction Stop", t), true
	case TypeEnvVarSet:
		return fmt.Sprintf("[Environment]::SetEnvironmentVariable(%s, $null, 'Machine')", t), true
	case TypeRegistryKeyCreated:
		return fmt.Sprintf("Remove-Item -Path %s -Recurse -Force -ErrorAction Stop", t), true
	case TypePackageInstalled:
		return windowsPackageUndo(c.Target), true
	default:
		return "unknown change type", false
	}
}

// windowsPackageUndo picks the uninstaller from the shape of the target.
func windowsPackageUndo(target string) string {
	t := psQuote(target)

	switch ClassifyPackageTarget(target) {
	case PackageKindProductCode:
		return fmt.Sprintf("Start-Process -FilePath 'msiexec.exe' -ArgumentList '/x', %s, '/qn', '/norestart' -Wait -NoNewWindow", t)
	case PackageKindMSI:
		return fmt.Sprintf("Start-Process -FilePath 'msiexec.exe' -ArgumentList '/x', %s, '/qn', '/norestart' -Wait -NoNewWindow", t)
	case PackageKindAppx:
		name := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
		return fmt.Sprintf("Get-AppxPackage | Where-Object { $_.PackageFullName -like %s } | Remove-AppxPackage -ErrorAction Stop",
			psQuote("*"+name+"*"))
	case PackageKindExe:
		return fmt.Sprintf("Start-Process -FilePath %s -ArgumentList '/uninstall', '/quiet' -Wait -NoNewWindow", t)
	default:
		return strings.Join([]string{
			"if (Get-Command choco -ErrorAction SilentlyContinue) {",
			fmt.Sprintf("    choco uninstall %s -y", t),
			"} elseif (Get-Command winget -ErrorAction SilentlyContinue) {",
			fmt.Sprintf("    winget uninstall --id %s --silent --accept-source-agreements", t),
			"} else {",
			fmt.Sprintf("    Get-CimInstance -ClassName Win32_Product -Filter \"Name = '%s'\" | Invoke-CimMethod -MethodName Uninstall", strings.ReplaceAll(target, "'", "''")),
			"}",
		}, "\n")
	}
}

// shQuote quotes s for POSIX sh.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote quotes s as a PowerShell single-quoted string.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sedEscape(s string) string {
	r := strings.NewReplacer(`/`, `\/`, `'`, `'\''`, `.`, `\.`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `^`, `\^`, `$`, `\$`)
	return r.Replace(s)
}

// sanitizeComment keeps targets on a single line in generated comments and messages.
func sanitizeComment(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ", `"`, "'").Replace(s)
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
