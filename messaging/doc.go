// Package messaging holds the message model and the two status engines that
// own message state.
//
// # Overview
//
// A [Message] is a closed tagged union: its [Kind] selects exactly one of
// the [SentPart] and [ReceivedPart] payloads. Everything that mutates a
// message lives here as plain functions over *Message, so the same code
// runs against a stored message, a candidate copy made with
// [Message.Clone], or a test fixture.
//
// # Sent Messages
//
// A sent message carries one [RecipientInfo] per addressed contact. The
// aggregate [SentStatus] is never set directly; it is re-derived by
// [RefreshStatus] from the recipient counts after every recipient mutation:
//
//	N == 0                 -> has_no_recipient
//	f > 0                  -> could_not_be_sent
//	n == 0                 -> unprocessed
//	Ts < n                 -> processing
//	all delivered, all read  -> fully_delivered_fully_read
//	...
//
// Recipient timestamps follow "no later than" semantics: once set they only
// move earlier. This makes receipt application commutative and idempotent.
//
// Messages composed on another device of the owned identity get
// [SentStatusSentFromAnotherOwnedDevice] at creation. That status is sticky;
// any attempt to change it is reported through [ReportViolation].
//
// # Received Messages
//
// Received messages move new -> unread -> read when reading requires a user
// action (read-once or limited visibility), and new -> read otherwise. See
// [MarkAsNotNew] and [MarkAsRead]. [UpdateMissedCounts] maintains the
// per-sender-thread missed-message counts, redistributing a gap when a late
// message fills part of it.
//
// # Contract Violations
//
// Operations return an [Outcome]. Refused operations are reported through
// [ReportViolation], which logs and returns [OutcomeViolation], or panics
// when [SetStrictContracts] is enabled:
//
//	messaging.SetStrictContracts(true) // tests and development builds
//
// # Legacy Values
//
// The raw integer values of [SentStatus], [ReceivedStatus] and
// [AggregateReceptionStatus] are persisted and must never change.
package messaging
