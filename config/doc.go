// Package config provides hierarchical configuration resolution.
//
// Values are layered with clear precedence (highest first):
//  1. Command-line flags (ResolveWithFlags)
//  2. Environment variables (EnvPrefix + upper-cased key)
//  3. An explicitly named file (ResolverConfig.File)
//  4. Local config (.logsift.yaml in the git root)
//  5. Global config (~/.config/logsift/config.yaml)
//  6. Built-in defaults
//
// Every value is kept as a string together with its Source; typed accessors
// (Int, Bytes, Duration, Bool) convert on demand and report the offending
// source on failure:
//
//	r := config.NewResolver(config.ResolverConfig{
//	    EnvPrefix:       "LOGSIFT_",
//	    GlobalConfigDir: "logsift",
//	    LocalConfigName: ".logsift.yaml",
//	    Defaults:        map[string]string{"memory_ceiling_bytes": "256MiB"},
//	})
//	resolved, err := r.Resolve()
//	ceiling, err := resolved.Bytes("memory_ceiling_bytes")
package config
