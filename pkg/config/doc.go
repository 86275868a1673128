// Package config loads and validates the monitor configuration file.
package config
