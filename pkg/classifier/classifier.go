// Package classifier declares the classify/route/plan stages the Pipeline
// Orchestrator runs on a flushed turn: a Classifier buckets the turn's
// aggregated text into a category, a Router decides where that category
// goes and with what confidence, and a Planner turns the decision into one
// or more outbound payloads.
package classifier

import "github.com/kumonrecept/turnpipe/pkg/gateway"

// Category is a coarse intent bucket.
type Category string

const (
	CategoryGreeting          Category = "greeting"
	CategoryHandoffToHuman    Category = "handoff_to_human"
	CategorySchedulingInquiry Category = "scheduling_inquiry"
	CategoryPricingInquiry    Category = "pricing_inquiry"
	CategoryFallback          Category = "fallback"
)

// Classification is a Classifier's verdict on a turn's aggregated text.
type Classification struct {
	Category   Category
	Confidence float64
}

// Classifier buckets text into a Classification. Implementations must be
// pure functions of their input.
type Classifier interface {
	Classify(text string) Classification
}

// Action is what the Router decided to do with a classified turn.
type Action string

const (
	ActionRespond  Action = "respond"
	ActionEscalate Action = "escalate"
)

// Routing is a Router's decision for a classified turn.
type Routing struct {
	TargetNode      string
	Action          Action
	FinalConfidence float64
}

// Router maps a Classification to a Routing. Implementations must be pure
// functions of their input.
type Router interface {
	Route(c Classification) Routing
}

// Plan is the Planner's output: zero or more outbound payloads to send for
// one turn.
type Plan struct {
	Payloads []gateway.OutboundPayload
}

// TurnInput is the subset of a flushed turn the Planner needs.
type TurnInput struct {
	TurnID         string
	ConversationID string
	Phone          string
	AggregatedText string
}

// Planner builds a Plan from a turn plus its classification and routing.
// Implementations must be pure functions of their input.
type Planner interface {
	Plan(turn TurnInput, c Classification, r Routing) Plan
}
