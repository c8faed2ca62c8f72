package event

import "sort"

// Type names an event kind. The set is closed and versioned with the code.
type Type string

const (
	TypeLeadCreated         Type = "lead.created"
	TypeDealCreated         Type = "deal.created"
	TypeDealStageChanged    Type = "deal.stage_changed"
	TypeConversationLogged  Type = "conversation.logged"
	TypeInteractionCaptured Type = "interaction.captured"
	TypeTaskCompleted       Type = "task.completed"
	TypeContactDue          Type = "person.contact_due"
)

// Category groups event types for querying and reporting.
type Category string

const (
	CategoryLead         Category = "lead"
	CategoryDeal         Category = "deal"
	CategoryInteraction  Category = "interaction"
	CategoryTask         Category = "task"
	CategoryRelationship Category = "relationship"
)

type subjectRule int

const (
	subjectOptional subjectRule = iota
	subjectPerson
	subjectDeal
)

type descriptor struct {
	category Category
	subject  subjectRule
	decode   func(raw []byte) (Payload, error)
}

var catalog = map[Type]descriptor{
	TypeLeadCreated:         {CategoryLead, subjectPerson, decodeAs[LeadCreated]},
	TypeDealCreated:         {CategoryDeal, subjectDeal, decodeAs[DealCreated]},
	TypeDealStageChanged:    {CategoryDeal, subjectDeal, decodeAs[DealStageChanged]},
	TypeConversationLogged:  {CategoryInteraction, subjectPerson, decodeAs[ConversationLogged]},
	TypeInteractionCaptured: {CategoryInteraction, subjectOptional, decodeAs[InteractionCaptured]},
	TypeTaskCompleted:       {CategoryTask, subjectPerson, decodeAs[TaskCompleted]},
	TypeContactDue:          {CategoryRelationship, subjectPerson, decodeAs[ContactDue]},
}

// Known reports whether t belongs to the closed event-type set.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

// Category returns the category registered for t.
func (t Type) Category() (Category, bool) {
	d, ok := catalog[t]
	return d.category, ok
}

// Types lists every known event type in lexical order.
func Types() []Type {
	out := make([]Type, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
