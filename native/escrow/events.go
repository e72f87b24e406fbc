package escrow

import (
	"strconv"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

const (
	EventTypeProjectCreated     = "escrow.project.created"
	EventTypeMilestoneFunded    = "escrow.milestone.funded"
	EventTypeMilestoneSubmitted = "escrow.milestone.submitted"
	EventTypeMilestoneReleased  = "escrow.milestone.released"
)

// ledgerEvent adapts a types.Event to the events.Event interface consumed by
// emitters.
type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// NewProjectCreatedEvent returns the canonical payload for a newly created
// project.
func NewProjectCreatedEvent(p *Project, caller [20]byte) *types.Event {
	attrs := projectAttributes(p, caller)
	if p != nil {
		attrs["milestones"] = strconv.Itoa(len(p.Milestones))
		attrs["totalAmount"] = p.TotalAmount().String()
	}
	return &types.Event{Type: EventTypeProjectCreated, Attributes: attrs}
}

// NewMilestoneFundedEvent returns the payload emitted when the client funds a
// milestone.
func NewMilestoneFundedEvent(p *Project, index uint32, caller [20]byte) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneFunded, p, index, caller)
}

// NewMilestoneSubmittedEvent returns the payload emitted when the freelancer
// submits work for a milestone.
func NewMilestoneSubmittedEvent(p *Project, index uint32, caller [20]byte) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneSubmitted, p, index, caller)
}

// NewMilestoneReleasedEvent returns the payload emitted when the client
// releases a milestone payment.
func NewMilestoneReleasedEvent(p *Project, index uint32, caller [20]byte) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneReleased, p, index, caller)
}

func newMilestoneEvent(eventType string, p *Project, index uint32, caller [20]byte) *types.Event {
	attrs := projectAttributes(p, caller)
	attrs["milestone"] = strconv.FormatUint(uint64(index), 10)
	if m := p.Milestone(index); m != nil {
		attrs["amount"] = cloneBigInt(m.Amount).String()
		attrs["status"] = m.Status.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func projectAttributes(p *Project, caller [20]byte) map[string]string {
	attrs := make(map[string]string)
	if p == nil {
		return attrs
	}
	attrs["projectId"] = strconv.FormatUint(p.ID, 10)
	attrs["client"] = crypto.FormatAccount(p.Client)
	attrs["freelancer"] = crypto.FormatAccount(p.Freelancer)
	attrs["totalFunded"] = cloneBigInt(p.TotalFunded).String()
	attrs["totalReleased"] = cloneBigInt(p.TotalReleased).String()
	if caller != ([20]byte{}) {
		attrs["caller"] = crypto.FormatAccount(caller)
	}
	return attrs
}
