//go:build tools
// +build tools

// Package tools pins the code generators run by go generate.
package chatline

import (
	_ "go.uber.org/mock/mockgen"
)
