package policy

// Built-in policy names.
const (
	PolicyDestructiveCommands = "destructive-commands"
	PolicyRemotePipeToShell   = "remote-pipe-to-shell"
	PolicyPrivilegedRemove    = "privileged-remove"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		remotePipeToShellPolicy(),
		privilegedRemovePolicy(),
	}
}

// destructiveCommandsPolicy blocks commands that wipe filesystems or devices.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        PolicyDestructiveCommands,
		Description: "Blocks scripts that wipe the root filesystem, format disks, or write raw devices",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package autoflow.policies.destructive

import rego.v1

patterns := [
	"rm\\s+-[a-zA-Z]*[rR][a-zA-Z]*\\s+(--no-preserve-root\\s+)?/\\*?(\\s|;|$)",
	"rm\\s+-[a-zA-Z]*\\s+-[a-zA-Z]*\\s+/\\*?(\\s|;|$)",
	"mkfs(\\.[a-z0-9]+)?\\s+/dev/",
	"dd\\s+.*of=/dev/(sd|hd|vd|xvd|nvme|mmcblk)",
	">\\s*/dev/(sd|hd|vd|xvd|nvme)[a-z0-9]*",
	":\\(\\)\\s*\\{\\s*:\\s*\\|\\s*:\\s*&\\s*\\}\\s*;\\s*:",
	"(?i)format-volume\\s",
	"(?i)remove-item\\s+.*-recurse.*\\s[a-z]:\\\\?\\s*$",
]

deny contains violation if {
	some line in input.script.lines
	trimmed := trim_space(line)
	not startswith(trimmed, "#")
	some pattern in patterns
	regex.match(pattern, trimmed)
	violation := {
		"message": sprintf("destructive command: %s", [trimmed]),
		"severity": "error",
		"line": trimmed,
	}
}
`,
	}
}

// remotePipeToShellPolicy warns about executing downloaded content directly.
func remotePipeToShellPolicy() Policy {
	return Policy{
		Name:        PolicyRemotePipeToShell,
		Description: "Warns when downloaded content is piped straight into a shell",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"supply-chain"},
		Rego: `package autoflow.policies.pipe

import rego.v1

patterns := [
	"(curl|wget)\\s[^|]*\\|\\s*(sudo\\s+)?(ba|z|da)?sh(\\s|$)",
	"(?i)(iwr|invoke-webrequest|irm|invoke-restmethod)\\s[^|]*\\|\\s*(iex|invoke-expression)",
]

deny contains violation if {
	some line in input.script.lines
	trimmed := trim_space(line)
	not startswith(trimmed, "#")
	some pattern in patterns
	regex.match(pattern, trimmed)
	violation := {
		"message": sprintf("downloaded content piped into a shell: %s", [trimmed]),
		"severity": "warning",
		"line": trimmed,
	}
}
`,
	}
}

// privilegedRemovePolicy warns about host-level removal without least privilege.
func privilegedRemovePolicy() Policy {
	return Policy{
		Name:        PolicyPrivilegedRemove,
		Description: "Warns when a remove operation runs directly on the host without least privilege",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"privilege"},
		Rego: `package autoflow.policies.privilege

import rego.v1

deny contains violation if {
	input.operation == "remove"
	input.backend == "direct"
	not input.least_privilege
	violation := {
		"message": sprintf("step %s removes software on the host without least privilege", [input.step]),
		"severity": "warning",
	}
}
`,
	}
}
