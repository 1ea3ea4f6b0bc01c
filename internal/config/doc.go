// Package config loads process configuration for the zg0g CLI from an
// optional YAML/JSON file overlaid with A0G_* environment variables. Library
// callers of pkg/zg do not need it: adapters take their credential and
// sampling parameters explicitly.
package config
