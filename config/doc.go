// Package config loads agentmesh configuration from defaults, an optional
// YAML file, and AGENTMESH_* environment variables, in that order of
// precedence.
package config
