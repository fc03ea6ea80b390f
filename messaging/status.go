package messaging

import "fmt"

// SentStatus is the aggregate status of a sent message. The raw values are
// persisted and exchanged with older clients and must never change.
type SentStatus int

const (
	SentStatusUnprocessed                        SentStatus = 0
	SentStatusProcessing                         SentStatus = 1
	SentStatusSent                               SentStatus = 2
	SentStatusFullyDeliveredAndNotRead           SentStatus = 3
	SentStatusFullyDeliveredAndFullyRead         SentStatus = 4
	SentStatusCouldNotBeSent                     SentStatus = 5
	SentStatusHasNoRecipient                     SentStatus = 6
	SentStatusSentFromAnotherOwnedDevice         SentStatus = 7
	SentStatusFullyDeliveredAndPartiallyRead     SentStatus = 8
	SentStatusPartiallyDeliveredAndPartiallyRead SentStatus = 9
	SentStatusPartiallyDeliveredNotRead          SentStatus = 10
)

// String returns a readable status name.
func (s SentStatus) String() string {
	switch s {
	case SentStatusUnprocessed:
		return "unprocessed"
	case SentStatusProcessing:
		return "processing"
	case SentStatusSent:
		return "sent"
	case SentStatusFullyDeliveredAndNotRead:
		return "fully_delivered_not_read"
	case SentStatusFullyDeliveredAndFullyRead:
		return "fully_delivered_fully_read"
	case SentStatusCouldNotBeSent:
		return "could_not_be_sent"
	case SentStatusHasNoRecipient:
		return "has_no_recipient"
	case SentStatusSentFromAnotherOwnedDevice:
		return "sent_from_another_owned_device"
	case SentStatusFullyDeliveredAndPartiallyRead:
		return "fully_delivered_partially_read"
	case SentStatusPartiallyDeliveredAndPartiallyRead:
		return "partially_delivered_partially_read"
	case SentStatusPartiallyDeliveredNotRead:
		return "partially_delivered_not_read"
	default:
		return fmt.Sprintf("sent_status(%d)", int(s))
	}
}

// ReceivedStatus is the status of a received message. Raw values are persisted.
type ReceivedStatus int

const (
	ReceivedStatusNew    ReceivedStatus = 0
	ReceivedStatusRead   ReceivedStatus = 1
	ReceivedStatusUnread ReceivedStatus = 2
)

// String returns a readable status name.
func (s ReceivedStatus) String() string {
	switch s {
	case ReceivedStatusNew:
		return "new"
	case ReceivedStatusRead:
		return "read"
	case ReceivedStatusUnread:
		return "unread"
	default:
		return fmt.Sprintf("received_status(%d)", int(s))
	}
}

// AttachmentStatus is the upload progress of an attachment on this device.
type AttachmentStatus int

const (
	AttachmentStatusUploadable AttachmentStatus = 0
	AttachmentStatusUploading  AttachmentStatus = 1
	AttachmentStatusComplete   AttachmentStatus = 2
)

// AttachmentReceptionStatus is the per-recipient progress of one attachment.
// Values are ordered and only ever increase.
type AttachmentReceptionStatus int

const (
	AttachmentReceptionUploadable AttachmentReceptionStatus = 0
	AttachmentReceptionUploading  AttachmentReceptionStatus = 1
	AttachmentReceptionComplete   AttachmentReceptionStatus = 2
	AttachmentReceptionDelivered  AttachmentReceptionStatus = 3
	AttachmentReceptionRead       AttachmentReceptionStatus = 4
)

// String returns a readable status name.
func (s AttachmentReceptionStatus) String() string {
	switch s {
	case AttachmentReceptionUploadable:
		return "uploadable"
	case AttachmentReceptionUploading:
		return "uploading"
	case AttachmentReceptionComplete:
		return "complete"
	case AttachmentReceptionDelivered:
		return "delivered"
	case AttachmentReceptionRead:
		return "read"
	default:
		return fmt.Sprintf("attachment_reception(%d)", int(s))
	}
}

// AggregateReceptionStatus summarizes the reception of one attachment over
// all recipients. The raw values are legacy and not ordered; use Rank.
type AggregateReceptionStatus int

const (
	AggregateReceptionNone                               AggregateReceptionStatus = 0
	AggregateReceptionFullyDeliveredAndNotRead           AggregateReceptionStatus = 1
	AggregateReceptionFullyDeliveredAndFullyRead         AggregateReceptionStatus = 2
	AggregateReceptionFullyDeliveredAndPartiallyRead     AggregateReceptionStatus = 3
	AggregateReceptionPartiallyDeliveredAndPartiallyRead AggregateReceptionStatus = 4
	AggregateReceptionPartiallyDeliveredNotRead          AggregateReceptionStatus = 5
)

// Rank orders aggregate statuses by progress.
func (s AggregateReceptionStatus) Rank() int {
	switch s {
	case AggregateReceptionPartiallyDeliveredNotRead:
		return 1
	case AggregateReceptionPartiallyDeliveredAndPartiallyRead:
		return 2
	case AggregateReceptionFullyDeliveredAndNotRead:
		return 3
	case AggregateReceptionFullyDeliveredAndPartiallyRead:
		return 4
	case AggregateReceptionFullyDeliveredAndFullyRead:
		return 5
	default:
		return 0
	}
}

// String returns a readable status name.
func (s AggregateReceptionStatus) String() string {
	switch s {
	case AggregateReceptionNone:
		return "none"
	case AggregateReceptionFullyDeliveredAndNotRead:
		return "fully_delivered_not_read"
	case AggregateReceptionFullyDeliveredAndFullyRead:
		return "fully_delivered_fully_read"
	case AggregateReceptionFullyDeliveredAndPartiallyRead:
		return "fully_delivered_partially_read"
	case AggregateReceptionPartiallyDeliveredAndPartiallyRead:
		return "partially_delivered_partially_read"
	case AggregateReceptionPartiallyDeliveredNotRead:
		return "partially_delivered_not_read"
	default:
		return fmt.Sprintf("aggregate_reception(%d)", int(s))
	}
}
