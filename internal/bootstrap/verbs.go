package bootstrap

import "github.com/devrev/ringkv/internal/transport"

// Verbs of the bootstrap protocol.
//
//   - bootstrapToken asks the most-loaded node what token to use to split
//     its range in two.
//   - bootstrapMetadata tells source nodes which ranges to send to which
//     newcomers.
//   - Source nodes send bootstrapInitiate to a newcomer to say "get ready
//     to receive data"; an empty file list tells the newcomer there is
//     nothing to send.
//   - When the newcomer has set everything up, it replies with
//     bootstrapInitiateDone and the source starts streaming.
//   - Each file rides in a bootstrapStreamFile message.
//   - Per file, the newcomer sends bootstrapTerminate with the verdict so
//     the source can clean up or re-stream.
const (
	VerbBootstrapToken        transport.Verb = "bootstrapToken"
	VerbBootstrapMetadata     transport.Verb = "bootstrapMetadata"
	VerbBootstrapInitiate     transport.Verb = "bootstrapInitiate"
	VerbBootstrapInitiateDone transport.Verb = "bootstrapInitiateDone"
	VerbBootstrapStreamFile   transport.Verb = "bootstrapStreamFile"
	VerbBootstrapTerminate    transport.Verb = "bootstrapTerminate"
)
