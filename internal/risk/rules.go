package risk

// The rule table is data, not branching code: adding a pattern is an
// addition here, not a logic change. Groups are evaluated top-down from
// Critical to Safe and the first match wins, so a command that looks both
// dangerous and routine lands on the dangerous tier.

var compiledGroups = []group{
	compile(TierCritical, []ruleSpec{
		{
			pattern: `/system\b.*\breset-configuration\b`,
			impact:  "wipes the entire configuration and reboots to factory defaults",
			warnings: []string{
				"irreversible data loss: all configuration is erased",
				"device reboots and comes back with default credentials",
			},
		},
		{
			pattern: `/system[/ ]package\b.*\bdowngrade\b`,
			impact:  "downgrades RouterOS packages and reboots",
			warnings: []string{
				"downgrade may drop features the current configuration depends on",
				"device reboots during the downgrade",
			},
		},
		{
			pattern: `/partitions?\b.*\b(repartition|restore|save)\b`,
			impact:  "rewrites flash partitions",
			warnings: []string{
				"irreversible data loss possible: partition contents are rewritten",
			},
		},
		{
			pattern: `/system[/ ]backup\b.*\bload\b`,
			impact:  "replaces the running configuration with a backup image and reboots",
			warnings: []string{
				"current configuration is overwritten entirely",
				"device reboots to apply the backup",
			},
		},
	}),
	compile(TierHigh, []ruleSpec{
		{
			pattern: `/system\b.*\breboot\b`,
			impact:  "reboots the device; all traffic through it is interrupted",
			warnings: []string{
				"connectivity drops until the device finishes booting",
			},
		},
		{
			pattern: `/system\b.*\bshutdown\b`,
			impact:  "powers the device off; physical access may be needed to recover",
			warnings: []string{
				"device stays down until manually powered on",
			},
		},
		{
			pattern: `/system[/ ]package[/ ]update\b.*\binstall\b`,
			impact:  "installs a RouterOS upgrade and reboots",
			warnings: []string{
				"device reboots during the upgrade",
			},
		},
		{
			pattern: `\bremove\b`,
			impact:  "permanently removes configuration entries",
			warnings: []string{
				"removed entries cannot be restored without a backup or export",
			},
		},
		{
			pattern: `\bdisable\b`,
			impact:  "disables configuration entries; dependent services stop",
			warnings: []string{
				"disabling interfaces or firewall rules can cut remote access",
			},
		},
		{
			pattern: `/import\b|\bimport\b.*\.rsc\b`,
			impact:  "replays a script against the running configuration",
			warnings: []string{
				"scripted changes apply without further per-command review",
			},
		},
	}),
	compile(TierMedium, []ruleSpec{
		{
			pattern: `\b(add|set|edit|enable|move|comment|unset)\b`,
			impact:  "modifies the running configuration",
		},
		{
			pattern: `\breset\b`,
			impact:  "resets counters or sub-system state",
		},
	}),
	compile(TierLow, []ruleSpec{
		{
			pattern: `\bexport\b`,
			impact:  "reads the configuration out as a script",
			warnings: []string{
				"export output can contain secrets; handle accordingly",
			},
		},
		{
			pattern: `/system[/ ]backup\b.*\bsave\b`,
			impact:  "writes a backup file on the device",
		},
		{
			pattern: `\b(ping|traceroute|bandwidth-test)\b`,
			impact:  "generates test traffic from the device",
		},
	}),
	compile(TierSafe, []ruleSpec{
		{
			pattern: `\b(print|find|get|monitor)\b`,
			impact:  "read-only query",
		},
	}),
}

// defaultSensitiveKeywords force confirmation on Medium commands that touch
// account or security material even though their base tier stays Medium.
var defaultSensitiveKeywords = []string{
	"/user",
	"password",
	"/certificate",
	"/radius",
	"/snmp community",
	"private-key",
	"secret",
}
