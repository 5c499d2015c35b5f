package service

// Defaults is the built-in service table used when the config file declares
// no services.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Name:           "md-server",
			DisplayName:    "Markdown Server",
			Description:    "Serves repository markdown documents",
			PreferredPort:  3001,
			Command:        "node scripts/md-server.js",
			ProcessPattern: "md-server.js",
			PortEnv:        "MD_SERVER_PORT",
		},
		{
			Name:           "script-server",
			DisplayName:    "Script Server",
			Description:    "Browses and runs repository scripts",
			PreferredPort:  3002,
			Command:        "node scripts/script-server.js",
			ProcessPattern: "script-server.js",
			PortEnv:        "SCRIPT_SERVER_PORT",
		},
		{
			Name:           "docs-archive",
			DisplayName:    "Docs Archive Server",
			Description:    "Serves archived documentation",
			PreferredPort:  3003,
			Command:        "node scripts/docs-archive-server.js",
			ProcessPattern: "docs-archive-server.js",
			PortEnv:        "DOCS_ARCHIVE_PORT",
		},
		{
			Name:           "git-server",
			DisplayName:    "Git Server",
			Description:    "Exposes local git status over HTTP",
			PreferredPort:  3005,
			Command:        "node scripts/git-server.js",
			ProcessPattern: "git-server.js",
			PortEnv:        "GIT_SERVER_PORT",
		},
		{
			Name:           "continuous-docs",
			DisplayName:    "Continuous Docs Server",
			Description:    "Watches and rebuilds living documentation",
			PreferredPort:  3008,
			Command:        "node scripts/continuous-docs-server.js",
			ProcessPattern: "continuous-docs-server.js",
			PortEnv:        "CONTINUOUS_DOCS_PORT",
		},
	}
}
