// Package msgcore implements the client-side lifecycle of end-to-end
// encrypted chat messages.
//
// The transport layer delivers decrypted messages, return receipts and
// remote edit, delete and reaction requests. The engine orders them inside
// their discussion, links replies, tracks per-recipient delivery progress,
// keeps requests whose target has not arrived yet, and expires ephemeral
// messages. Every change is persisted in one unit of work and announced on
// an event bus once committed.
//
// # Getting Started
//
// Create an engine from options and subscribe to its events:
//
//	options := msgcore.NewOptions()
//	options.OwnedIdentity = "alice"
//
//	engine, err := msgcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	sub := engine.Subscribe(0, events.MessageCreated, events.SentStatusChanged)
//	defer sub.Close()
//
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Core Types
//
//   - [Engine]: facade over the store, ordering, replies, receipts, deferred
//     requests and retention
//   - [Options]: settings for creating an Engine, see also [OptionsFromConfig]
//   - [IncomingMessage], [OutgoingMessage], [RemoteRequest]: wire payloads
//
// # Receiving
//
// [Engine.ReceiveMessage] inserts a message delivered by the transport. The
// sort index keeps the sequence order of each sender-thread even when the
// server timestamps disagree, a reply to an unknown message waits in a
// placeholder, and edits or deletes that arrived first are replayed.
//
//	res, err := engine.ReceiveMessage(ctx, incoming)
//	if res.DeliveredReceipt != nil {
//	    transport.SendReceipt(*res.DeliveredReceipt)
//	}
//
// # Sending
//
// [Engine.ComposeMessage] creates a sent message on this device's thread.
// The transport then reports progress through [Engine.SetTransportIdentifier],
// [Engine.MarkMessageSent] and [Engine.ProcessReceipts]; the sent status is
// derived from the per-recipient timestamps and only moves forward.
//
// # Configuration
//
// Settings can be loaded from YAML, an optional .env file and MSGCORE_*
// environment variables with the config package:
//
//	cfg, err := config.Load("msgcore.yaml", ".env")
//	engine, err := msgcore.New(msgcore.OptionsFromConfig(cfg))
//
// # Metrics
//
// Each engine owns a Prometheus registry. [Engine.MetricsHandler] serves it;
// the host application decides where to mount the handler.
package msgcore
