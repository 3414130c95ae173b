package config

// defaultCategories are the built-in suspicious-pattern categories. Patterns
// are matched against the normalized command text (lowercase, collapsed
// whitespace, program basenames).
var defaultCategories = map[string]CategoryConfig{
	"privilege_escalation": {
		Weight: 0.65,
		Patterns: []string{
			"sudo", "su", "sudo -i", "chmod +s", "chmod u+s", "chmod 4755",
			"chown root", "passwd", "chpasswd", "visudo", "usermod",
			"/etc/sudoers", "setcap", "pkexec", "doas",
		},
	},
	"reconnaissance": {
		Weight: 0.6,
		Patterns: []string{
			"cat /etc/passwd", "cat /etc/group", "uname -a", "cat /proc/cpuinfo",
			"cat /proc/mounts", "cat /etc/issue", "cat /etc/os-release", "lscpu",
			"ps aux", "ps -ef", "netstat", "ss -tuln", "ss -antp", "lsof",
			"ifconfig", "ip addr", "arp -a", "getent passwd", "find / -perm",
		},
	},
	"discovery": {
		Weight: 0.3,
		Patterns: []string{
			"whoami", "id", "w", "who", "last", "hostname", "uptime", "uname",
		},
	},
	"credential_access": {
		Weight: 0.8,
		Patterns: []string{
			"/etc/shadow", "/etc/gshadow", ".ssh/id_rsa", ".ssh/id_ed25519",
			".bash_history", "/root/.ssh", "mimipenguin", "hashcat", "unshadow",
		},
	},
	"defense_evasion": {
		Weight: 0.8,
		Patterns: []string{
			"history -c", "unset histfile", "histfile=/dev/null", "histsize=0",
			"shred", "chattr +i", "chattr -i", "rm -rf /var/log", "> /var/log/",
			"truncate -s 0 /var/log", "auditctl -d", "auditctl -e 0",
			"setenforce 0", "systemctl stop auditd", "service auditd stop",
		},
	},
	"exfiltration": {
		Weight: 0.55,
		Patterns: []string{
			"scp", "rsync", "nc", "ncat", "netcat", "socat", "wget", "curl",
			"ftp", "sftp", "/dev/tcp/", "base64 -w0", "python -m http.server",
			"python3 -m http.server",
		},
	},
	"persistence": {
		Weight: 0.6,
		Patterns: []string{
			"crontab", "systemctl enable", "rc.local", "/etc/init.d",
			"authorized_keys", ".bashrc", ".profile", "useradd", "adduser",
			"/etc/cron", "ld.so.preload",
		},
	},
}
