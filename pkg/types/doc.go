// Package types contains shared data structures used across Vigil packages.
package types
