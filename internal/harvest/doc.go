// Package harvest holds the vocabulary of the harvester: jobs and their
// state machine, results, assets, snapshots, the error taxonomy that drives
// retry decisions, and the interfaces implemented by storage, transport and
// rendering adapters.
package harvest
