// Package control executes mutating commands against the fleet. Every
// command is authorized, validated, and serialized: one restart per
// service and one compose action globally may run at a time.
package control
