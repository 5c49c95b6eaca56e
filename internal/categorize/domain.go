package categorize

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AssignmentState enumerates the category assignment state machine.
type AssignmentState string

const (
	// StateUncategorized is the initial state for every product.
	StateUncategorized AssignmentState = "uncategorized"
	// StateAIPending marks a product queued for classification.
	StateAIPending AssignmentState = "ai_pending"
	// StateAICompleted marks a product with an applied machine assignment.
	StateAICompleted AssignmentState = "ai_completed"
	// StateProposed marks a product linked to a pending category proposal.
	StateProposed AssignmentState = "proposed"
	// StateManual marks a human-set assignment, which always wins.
	StateManual AssignmentState = "manual"
)

// validTransitions encodes the legal state machine edges. Manual is terminal
// except for another manual override.
var validTransitions = map[AssignmentState][]AssignmentState{
	StateUncategorized: {StateAIPending, StateManual},
	StateAIPending:     {StateAICompleted, StateProposed, StateUncategorized, StateManual},
	StateAICompleted:   {StateAIPending, StateManual},
	StateProposed:      {StateAICompleted, StateUncategorized, StateManual},
	StateManual:        {StateManual},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to AssignmentState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssignmentSource tags who produced an assignment.
type AssignmentSource string

const (
	SourceAI       AssignmentSource = "ai"
	SourceProposal AssignmentSource = "proposal"
	SourceManual   AssignmentSource = "manual"
)

// Category is a curated category products are assigned to.
type Category struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Assignment is the category state of one supplier product.
type Assignment struct {
	SupplierProductID uuid.UUID
	CategoryID        *uuid.UUID
	State             AssignmentState
	Confidence        float64
	Source            AssignmentSource
	UpdatedAt         time.Time
}

// ProposalStatus enumerates the proposal review lifecycle.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApplied  ProposalStatus = "applied"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a machine-suggested category awaiting human review. Repeated
// suggestions with the same normalised name reuse the pending proposal and
// bump its suggestion count.
type Proposal struct {
	ID              uuid.UUID
	DisplayName     string
	NormalizedName  string
	Status          ProposalStatus
	SuggestionCount int
	Confidence      float64
	LastProvider    string
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       string
}

// LinkStatus tracks what happened to a proposal link when its proposal was
// decided.
type LinkStatus string

const (
	LinkPending  LinkStatus = "pending"
	LinkApplied  LinkStatus = "applied"
	LinkRejected LinkStatus = "rejected"
)

// ProposalLink ties a proposal to a product it would categorise, together
// with the classifier's reasoning for suggesting it.
type ProposalLink struct {
	ProposalID        uuid.UUID
	SupplierProductID uuid.UUID
	Confidence        float64
	Status            LinkStatus
	Reasoning         string
	Provider          string
}

// BatchResult summarises a categorization batch run.
type BatchResult struct {
	Processed   int `json:"processed"`
	AutoApplied int `json:"auto_applied"`
	Proposed    int `json:"proposed"`
	Skipped     int `json:"skipped"`
}

// ListProposalsFilter narrows proposal listings.
type ListProposalsFilter struct {
	Status  ProposalStatus
	Page    int
	PerPage int
}

var (
	// ErrInvalidTransition indicates an illegal state machine edge.
	ErrInvalidTransition = errors.New("categorize: invalid state transition")
	// ErrProposalNotFound indicates the proposal does not exist.
	ErrProposalNotFound = errors.New("categorize: proposal not found")
	// ErrProposalNotPending indicates the proposal was already decided.
	ErrProposalNotPending = errors.New("categorize: proposal already decided")
	// ErrCategoryNotFound indicates the category does not exist.
	ErrCategoryNotFound = errors.New("categorize: category not found")
	// ErrAssignmentNotFound indicates the product has no assignment record.
	ErrAssignmentNotFound = errors.New("categorize: assignment not found")
	// ErrProductNotFound indicates the supplier product does not exist.
	ErrProductNotFound = errors.New("categorize: supplier product not found")
)
