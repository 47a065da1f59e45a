// Package config provides centralized configuration management for the
// bazaard runtime. It loads a single JSON file at startup, applies
// defaults for unset fields and resolves relative paths against the
// directory of the configuration file.
package config
