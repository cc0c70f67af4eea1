//go:build tools

// Package tools pins the binaries used to lint and test kvwire.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/onsi/ginkgo/ginkgo"
)
