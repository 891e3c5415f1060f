package ledger

// Field keys recognized by the ledger. Claims may carry other keys, but the
// pipeline and review surfaces only ever read these.
const (
	FieldFactoryCandidate      = "factory_candidate"
	FieldDocumentExtracted     = "document_extracted"
	FieldFactoryRuleFlags      = "factory_rule_flags"
	FieldFactoryAIExplanation  = "factory_ai_explanation"
	FieldExecutionPlan         = "execution_plan"
	FieldExecutionCostPreview  = "execution_cost_preview"
	FieldExecutionAction       = "execution_action"
	FieldExecutionActionResult = "execution_action_result"
	FieldAutomationEligibility = "automation_eligibility"
)

// ReviewFieldKeys is the order the internal review surface groups claims in.
var ReviewFieldKeys = []string{
	FieldFactoryCandidate,
	FieldDocumentExtracted,
	FieldFactoryRuleFlags,
	FieldFactoryAIExplanation,
	FieldExecutionPlan,
	FieldExecutionCostPreview,
	FieldExecutionAction,
	FieldExecutionActionResult,
}

// verifiedSystemFieldKeys are the only field keys the system actor may append
// to a VERIFIED project.
var verifiedSystemFieldKeys = map[string]bool{
	FieldExecutionPlan:         true,
	FieldExecutionCostPreview:  true,
	FieldExecutionAction:       true,
	FieldAutomationEligibility: true,
}
