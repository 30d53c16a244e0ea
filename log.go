// Package vtxotree is the client core of an Ark style batching protocol:
// tapscript closures, vtxo scripts, settlement tree construction, validation
// and MuSig2 tree signing.
package vtxotree

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/vtxotree/offchain"
	"github.com/lightninglabs/vtxotree/txtree"
	"github.com/lightninglabs/vtxotree/vtxoscript"
)

// subLoggers maps each subsystem identifier to the function installing its
// package level logger.
var subLoggers = map[string]func(btclog.Logger){
	vtxoscript.Subsystem: vtxoscript.UseLogger,
	txtree.Subsystem:     txtree.UseLogger,
	offchain.Subsystem:   offchain.UseLogger,
}

// UseLoggers installs loggers for every subsystem of the library, created by
// the given factory. Logging is disabled until this is called.
func UseLoggers(genLogger func(subsystem string) btclog.Logger) {
	for subsystem, useLogger := range subLoggers {
		useLogger(genLogger(subsystem))
	}
}

// DisableLogs reverts every subsystem of the library back to its silent
// default logger.
func DisableLogs() {
	vtxoscript.DisableLog()
	txtree.DisableLog()
	offchain.DisableLog()
}

// SubSystems returns the identifiers of all logging subsystems of the
// library.
func SubSystems() []string {
	subsystems := make([]string, 0, len(subLoggers))
	for subsystem := range subLoggers {
		subsystems = append(subsystems, subsystem)
	}
	return subsystems
}
