// Package config provides configuration management for the snapchain CLI.
//
// Settings are read with Viper from config.yaml, config.yml or config.toml,
// searched first in the working directory and then in the XDG config
// directory (~/.config/snapchain). Every key can be overridden through an
// environment variable prefixed with SNAPCHAIN_, for example
// SNAPCHAIN_OUTPUT=/srv/backups.
//
// # Configuration File
//
//	version: 1
//	roots:
//	  - ~/documents
//	  - ~/photos
//	exclude:
//	  - ~/documents/cache
//	exclude_regex:
//	  - '\.tmp$'
//	exclude_glob:
//	  - '**/node_modules'
//	output: ~/.local/share/snapchain/archives
//	incremental: true
//	level: 3
//	threads: 8
//	strictness: metadata # or checksum
//	conflict: fail       # or overwrite, skip
//
// # Loading Configuration
//
//	config.Init()
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Resolve(); err != nil {
//	    return err
//	}
//	rules, err := cfg.Rules()
//
// An explicit path that does not exist is an error marked with
// errors.ErrNotFound. An implicit search that finds nothing falls back to
// [Default].
//
// # Validation
//
//	for _, e := range config.Validate(cfg) {
//	    fmt.Println(e)
//	}
package config
