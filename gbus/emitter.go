package gbus

import "context"

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *OutboxRecord // record related to the delivery
	Error   error         // error during the delivery if any
	Details string        // more information about the delivery
}

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker. When it returns nil exactly one report must be written to the
	// channel; when it returns an error no report is written.
	Emit(ctx context.Context, o *OutboxRecord, dc chan *DeliveryReport) error
}
