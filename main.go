// Package main is the entry point for the remedy service: an
// event-driven remediation agent for merchants migrating onto the
// platform. It watches operational signals, reasons about root causes,
// and executes or escalates remediations with a full audit trail.
package main

import (
	"github.com/storefront-ops/remedy/cli"
)

func main() {
	cli.Execute()
}
