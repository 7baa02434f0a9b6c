// Package model holds the domain types of dockerit: image references for the
// data image, workload container specs, pull strategies and the CLIError type
// that carries process exit codes.
//
// The types here have no behaviour that touches Docker. Conversion to Docker
// API structs happens in the session package.
package model
