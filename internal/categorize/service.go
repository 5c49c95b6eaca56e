package categorize

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListCategories(ctx context.Context) ([]Category, error)
	GetAssignment(ctx context.Context, productID uuid.UUID) (Assignment, error)
	GetItem(ctx context.Context, productID uuid.UUID) (Item, error)
	Candidates(ctx context.Context, supplierID uuid.UUID, limit int) ([]Item, error)
	ListProposals(ctx context.Context, filter ListProposalsFilter) ([]Proposal, int, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts proposal activity.
type MetricsPort interface {
	ObserveProposal(status string)
}

// ServiceConfig groups classification thresholds.
type ServiceConfig struct {
	// AutoApplyThreshold is the confidence at or above which an
	// existing-category match is applied without review.
	AutoApplyThreshold float64
	// ConfidenceFloor is the minimum confidence for a suggestion to become
	// a proposal instead of being skipped.
	ConfidenceFloor float64
}

// Service runs the categorization state machine, the proposal workflow and
// manual overrides.
type Service struct {
	repo       RepositoryPort
	classifier Classifier
	audit      AuditPort
	metrics    MetricsPort
	cfg        ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, classifier Classifier, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	return &Service{
		repo:       repo,
		classifier: classifier,
		audit:      audit,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// BatchInput scopes a categorization run.
type BatchInput struct {
	SupplierID uuid.UUID
	Limit      int
	ActorID    string
}

// CategorizeProducts classifies uncategorized products. Confident matches
// against existing categories are applied directly; weaker matches and unseen
// category names become proposals for review; products with no usable signal
// revert to uncategorized.
func (s *Service) CategorizeProducts(ctx context.Context, input BatchInput) (BatchResult, error) {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	items, err := s.repo.Candidates(ctx, input.SupplierID, input.Limit)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, item := range items {
		if err := s.categorizeOne(ctx, item, categories, &result); err != nil {
			return result, fmt.Errorf("categorize product %s: %w", item.SupplierProductID, err)
		}
		result.Processed++
	}

	if s.audit != nil && result.Processed > 0 {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "categorize:batch",
			Entity:   "supplier_product",
			EntityID: input.SupplierID.String(),
			Meta: map[string]any{
				"processed":    result.Processed,
				"auto_applied": result.AutoApplied,
				"proposed":     result.Proposed,
				"skipped":      result.Skipped,
			},
		})
	}
	return result, nil
}

// CategorizeProduct runs the classifier for a single product and returns the
// resulting assignment. Products in a state the classifier may not touch, such
// as manual assignments, are left alone and their current assignment is
// returned.
func (s *Service) CategorizeProduct(ctx context.Context, productID uuid.UUID, actorID string) (Assignment, error) {
	item, err := s.repo.GetItem(ctx, productID)
	if err != nil {
		return Assignment{}, err
	}
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return Assignment{}, err
	}

	var result BatchResult
	if err := s.categorizeOne(ctx, item, categories, &result); err != nil {
		return Assignment{}, fmt.Errorf("categorize product %s: %w", productID, err)
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "categorize:product",
			Entity:   "supplier_product",
			EntityID: productID.String(),
			Meta: map[string]any{
				"auto_applied": result.AutoApplied,
				"proposed":     result.Proposed,
				"skipped":      result.Skipped,
			},
		})
	}
	return s.GetAssignment(ctx, productID)
}

func (s *Service) categorizeOne(ctx context.Context, item Item, categories []Category, result *BatchResult) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAssignment(ctx, item.SupplierProductID)
		if errors.Is(err, ErrAssignmentNotFound) {
			current = Assignment{SupplierProductID: item.SupplierProductID, State: StateUncategorized}
		} else if err != nil {
			return err
		}
		if !CanTransition(current.State, StateAIPending) {
			result.Skipped++
			return nil
		}
		if err := tx.SetAssignment(ctx, Assignment{
			SupplierProductID: item.SupplierProductID,
			State:             StateAIPending,
			Source:            SourceAI,
		}); err != nil {
			return err
		}

		suggestion, err := s.classifier.Classify(ctx, item, categories)
		if err != nil {
			return err
		}

		switch {
		case suggestion.CategoryID != nil && suggestion.Confidence >= s.cfg.AutoApplyThreshold:
			result.AutoApplied++
			return tx.SetAssignment(ctx, Assignment{
				SupplierProductID: item.SupplierProductID,
				CategoryID:        suggestion.CategoryID,
				State:             StateAICompleted,
				Confidence:        suggestion.Confidence,
				Source:            SourceAI,
			})

		case suggestion.IsNew || suggestion.Confidence >= s.cfg.ConfidenceFloor:
			if err := s.proposeCategory(ctx, tx, item, suggestion); err != nil {
				return err
			}
			result.Proposed++
			return tx.SetAssignment(ctx, Assignment{
				SupplierProductID: item.SupplierProductID,
				State:             StateProposed,
				Confidence:        suggestion.Confidence,
				Source:            SourceAI,
			})

		default:
			// No usable signal. Leave the product uncategorized so a
			// later run with more categories can try again.
			result.Skipped++
			return tx.SetAssignment(ctx, Assignment{
				SupplierProductID: item.SupplierProductID,
				State:             StateUncategorized,
				Source:            SourceAI,
			})
		}
	})
}

// proposeCategory reuses the pending proposal with the same normalised name
// when one exists, bumping its suggestion count instead of creating a twin.
func (s *Service) proposeCategory(ctx context.Context, tx TxRepository, item Item, suggestion Suggestion) error {
	name := suggestion.CategoryName
	normalized := NormalizeName(name)

	proposal, err := tx.FindPendingProposalByName(ctx, normalized)
	switch {
	case errors.Is(err, ErrProposalNotFound):
		proposal = Proposal{
			ID:              uuid.New(),
			DisplayName:     name,
			NormalizedName:  normalized,
			Status:          ProposalPending,
			SuggestionCount: 1,
			Confidence:      suggestion.Confidence,
			LastProvider:    suggestion.Provider,
		}
		if err := tx.CreateProposal(ctx, proposal); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveProposal("created")
		}
	case err != nil:
		return err
	default:
		if err := tx.IncrementSuggestion(ctx, proposal.ID, suggestion.Confidence, suggestion.Provider); err != nil {
			return err
		}
	}

	return tx.LinkProposal(ctx, ProposalLink{
		ProposalID:        proposal.ID,
		SupplierProductID: item.SupplierProductID,
		Confidence:        suggestion.Confidence,
		Status:            LinkPending,
		Reasoning:         suggestion.Reasoning,
		Provider:          suggestion.Provider,
	})
}

// ApproveProposal creates the proposed category (or reuses an existing one
// with the same normalised name) and applies it to every linked product that
// is still waiting on the proposal. Manual assignments are never overwritten.
// It returns the category and how many products were assigned to it.
func (s *Service) ApproveProposal(ctx context.Context, proposalID uuid.UUID, actorID string) (Category, int, error) {
	var category Category
	applied := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		proposal, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if proposal.Status != ProposalPending {
			return fmt.Errorf("%w: status %s", ErrProposalNotPending, proposal.Status)
		}

		category, err = tx.GetOrCreateCategory(ctx, proposal.DisplayName)
		if err != nil {
			return err
		}

		links, err := tx.ListProposalLinks(ctx, proposalID)
		if err != nil {
			return err
		}
		for _, link := range links {
			assignment, err := tx.GetAssignment(ctx, link.SupplierProductID)
			if errors.Is(err, ErrAssignmentNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !CanTransition(assignment.State, StateAICompleted) {
				continue
			}
			id := category.ID
			if err := tx.SetAssignment(ctx, Assignment{
				SupplierProductID: link.SupplierProductID,
				CategoryID:        &id,
				State:             StateAICompleted,
				Confidence:        link.Confidence,
				Source:            SourceProposal,
			}); err != nil {
				return err
			}
			applied++
		}

		if err := tx.ResolveProposalLinks(ctx, proposalID, LinkApplied); err != nil {
			return err
		}
		return tx.SetProposalStatus(ctx, proposalID, ProposalApplied, actorID)
	})
	if err != nil {
		return Category{}, 0, err
	}

	if s.metrics != nil {
		s.metrics.ObserveProposal("applied")
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "categorize:approve_proposal",
			Entity:   "category_proposal",
			EntityID: proposalID.String(),
			Meta: map[string]any{
				"category_id":      category.ID.String(),
				"category":         category.Name,
				"products_updated": applied,
			},
		})
	}
	return category, applied, nil
}

// RejectProposal marks a pending proposal rejected and reverts its linked
// products to uncategorized so a later run can try again.
func (s *Service) RejectProposal(ctx context.Context, proposalID uuid.UUID, actorID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		proposal, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if proposal.Status != ProposalPending {
			return fmt.Errorf("%w: status %s", ErrProposalNotPending, proposal.Status)
		}

		links, err := tx.ListProposalLinks(ctx, proposalID)
		if err != nil {
			return err
		}
		for _, link := range links {
			assignment, err := tx.GetAssignment(ctx, link.SupplierProductID)
			if errors.Is(err, ErrAssignmentNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !CanTransition(assignment.State, StateUncategorized) {
				continue
			}
			if err := tx.SetAssignment(ctx, Assignment{
				SupplierProductID: link.SupplierProductID,
				State:             StateUncategorized,
				Source:            SourceAI,
			}); err != nil {
				return err
			}
		}

		if err := tx.ResolveProposalLinks(ctx, proposalID, LinkRejected); err != nil {
			return err
		}
		return tx.SetProposalStatus(ctx, proposalID, ProposalRejected, actorID)
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ObserveProposal("rejected")
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "categorize:reject_proposal",
			Entity:   "category_proposal",
			EntityID: proposalID.String(),
		})
	}
	return nil
}

// SetManualCategory records a human assignment. Manual overrides are allowed
// from every state and cannot be displaced by the classifier afterwards.
func (s *Service) SetManualCategory(ctx context.Context, productID, categoryID uuid.UUID, actorID string) (Assignment, error) {
	var assignment Assignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAssignment(ctx, productID)
		if errors.Is(err, ErrAssignmentNotFound) {
			current = Assignment{SupplierProductID: productID, State: StateUncategorized}
		} else if err != nil {
			return err
		}
		if !CanTransition(current.State, StateManual) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.State, StateManual)
		}
		assignment = Assignment{
			SupplierProductID: productID,
			CategoryID:        &categoryID,
			State:             StateManual,
			Confidence:        1,
			Source:            SourceManual,
		}
		return tx.SetAssignment(ctx, assignment)
	})
	if err != nil {
		return Assignment{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "categorize:manual_assign",
			Entity:   "supplier_product",
			EntityID: productID.String(),
			Meta:     map[string]any{"category_id": categoryID.String()},
		})
	}
	return assignment, nil
}

// GetAssignment returns a product's assignment. Products never touched by the
// pipeline report the uncategorized default.
func (s *Service) GetAssignment(ctx context.Context, productID uuid.UUID) (Assignment, error) {
	assignment, err := s.repo.GetAssignment(ctx, productID)
	if errors.Is(err, ErrAssignmentNotFound) {
		return Assignment{SupplierProductID: productID, State: StateUncategorized}, nil
	}
	return assignment, err
}

// ListCategories lists curated categories.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.repo.ListCategories(ctx)
}

// ListProposals lists proposals with pagination.
func (s *Service) ListProposals(ctx context.Context, filter ListProposalsFilter) ([]Proposal, shared.Pagination, error) {
	proposals, total, err := s.repo.ListProposals(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return proposals, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}
