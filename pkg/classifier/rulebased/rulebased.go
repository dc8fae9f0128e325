// Package rulebased is the default Classifier/Router/Planner
// implementation: keyword/regex buckets instead of an external NLU call,
// good enough to exercise the pipeline end-to-end without a model
// dependency.
package rulebased

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"

	"github.com/kumonrecept/turnpipe/pkg/classifier"
	"github.com/kumonrecept/turnpipe/pkg/gateway"
)

type bucket struct {
	category classifier.Category
	pattern  *regexp.Regexp
}

// buckets is checked in order; the first match wins. Order matters:
// greeting phrases ("oi, tudo bem, queria saber o preço") should not be
// shadowed by a later, broader bucket.
var buckets = []bucket{
	{classifier.CategoryGreeting, regexp.MustCompile(`(?i)\b(oi|ol[aá]|bom dia|boa tarde|boa noite|hello)\b`)},
	{classifier.CategoryHandoffToHuman, regexp.MustCompile(`(?i)\b(falar com (um )?atendente|quero (um )?humano|atendimento humano|falar com (a )?pessoa)\b`)},
	{classifier.CategorySchedulingInquiry, regexp.MustCompile(`(?i)\b(agendar|marcar|consulta|hor[aá]rio|disponibilidade|tem vaga)\b`)},
	{classifier.CategoryPricingInquiry, regexp.MustCompile(`(?i)\b(quanto custa|pre[cç]o|valor|mensalidade)\b`)},
}

// Classifier buckets text by matching, in order, a fixed set of keyword
// regexes; no match falls back to classifier.CategoryFallback with zero
// confidence.
type Classifier struct{}

func New() *Classifier {
	return &Classifier{}
}

func (c *Classifier) Classify(text string) classifier.Classification {
	for _, b := range buckets {
		if b.pattern.MatchString(text) {
			return classifier.Classification{Category: b.category, Confidence: 1.0}
		}
	}
	return classifier.Classification{Category: classifier.CategoryFallback, Confidence: 0}
}

// Router maps a Classification to a Routing, escalating to a human when
// confidence falls below Threshold or the category is explicitly a
// handoff request.
type Router struct {
	Threshold float64
}

func NewRouter(threshold float64) *Router {
	return &Router{Threshold: threshold}
}

func (r *Router) Route(c classifier.Classification) classifier.Routing {
	if c.Category == classifier.CategoryHandoffToHuman {
		return classifier.Routing{TargetNode: "human_handoff", Action: classifier.ActionEscalate, FinalConfidence: c.Confidence}
	}
	if c.Confidence < r.Threshold {
		return classifier.Routing{TargetNode: "human_handoff", Action: classifier.ActionEscalate, FinalConfidence: c.Confidence}
	}

	var targetNode string
	switch c.Category {
	case classifier.CategoryGreeting:
		targetNode = "greeting_reply"
	case classifier.CategorySchedulingInquiry:
		targetNode = "scheduling_reply"
	case classifier.CategoryPricingInquiry:
		targetNode = "pricing_reply"
	default:
		targetNode = "fallback_reply"
	}

	return classifier.Routing{TargetNode: targetNode, Action: classifier.ActionRespond, FinalConfidence: c.Confidence}
}

var replies = map[string]string{
	"greeting_reply":   "Olá! Como posso ajudar você hoje?",
	"scheduling_reply": "Claro, posso ajudar a agendar. Qual o melhor dia e horário para você?",
	"pricing_reply":    "Os valores variam conforme a unidade e o plano. Posso te passar para um atendente com os detalhes?",
	"fallback_reply":   "Entendi. Vou te passar para um atendente para continuar o atendimento.",
	"human_handoff":    "Vou te conectar com um atendente humano agora.",
}

// Planner builds one OutboundPayload per turn from the routing's target
// node, stamping a deterministic idempotency key so re-planning the same
// turn never produces a duplicate send.
type Planner struct{}

func NewPlanner() *Planner {
	return &Planner{}
}

func (p *Planner) Plan(turn classifier.TurnInput, _ classifier.Classification, r classifier.Routing) classifier.Plan {
	text, ok := replies[r.TargetNode]
	if !ok {
		text = replies["fallback_reply"]
	}

	payload := gateway.OutboundPayload{
		To:             turn.Phone,
		Text:           text,
		ConversationID: turn.ConversationID,
		TurnID:         turn.TurnID,
		IdempotencyKey: idempotencyKey(turn.TurnID, 0, text),
	}

	return classifier.Plan{Payloads: []gateway.OutboundPayload{payload}}
}

func idempotencyKey(turnID string, itemIndex int, text string) string {
	textSum := sha256.Sum256([]byte(text))
	textHash := hex.EncodeToString(textSum[:])

	sum := sha256.Sum256([]byte(turnID + ":" + strconv.Itoa(itemIndex) + ":" + textHash))
	full := hex.EncodeToString(sum[:])
	return full[:24]
}
