// Package setup holds host preflight checks and the default locations of
// configuration and storage.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
