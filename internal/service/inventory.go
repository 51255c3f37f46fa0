package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/uow"
	"ferrepos/backend/internal/xid"
)

// stockChange describes one stock mutation. Fields are read when the step
// runs, so a sale can fill in the reason once its invoice number is known.
type stockChange struct {
	productID string
	delta     int
	kind      domain.MovementKind
	reason    string
	actorID   string

	movement *domain.InventoryMovement
	stock    int
}

// stockSteps is the only way stock changes: a conditional delta on the
// product paired with exactly one ledger row.
func (s *Service) stockSteps(change *stockChange) []uow.Step {
	return []uow.Step{
		{
			Name: "apply stock delta " + change.productID,
			Apply: func(ctx context.Context) error {
				var stock int
				err := s.write(ctx, func(ctx context.Context) error {
					var err error
					stock, err = s.repo.ApplyStockDelta(ctx, change.productID, change.delta)
					return err
				})
				if errors.Is(err, store.ErrInsufficientStock) {
					return apperror.NewInsufficientStock(change.productID, -change.delta, stock)
				}
				if err != nil {
					return mapStoreErr(err, "product", change.productID)
				}
				change.stock = stock
				return nil
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.repo.ApplyStockDelta(ctx, change.productID, -change.delta)
				return err
			},
		},
		{
			Name: "append movement " + change.productID,
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					saved, err := s.repo.AppendMovement(ctx, domain.InventoryMovement{
						ID:        xid.New("mov"),
						ProductID: change.productID,
						Kind:      change.kind,
						Quantity:  change.delta,
						Reason:    change.reason,
						ActorID:   change.actorID,
						CreatedAt: s.now(),
					})
					if err != nil {
						return err
					}
					change.movement = saved
					return nil
				})
			},
			Compensate: func(ctx context.Context) error {
				if change.movement == nil {
					return nil
				}
				return s.repo.DeleteMovement(ctx, change.movement.ID)
			},
		},
	}
}

// runFailure converts a failed unit of work into the error returned to the
// caller, raising an integrity alert when compensation could not finish.
func (s *Service) runFailure(ctx context.Context, err error, kind string, entityType string, entityID string) error {
	if uow.IsCompensationFailure(err) {
		return s.raiseIntegrityAlert(ctx, kind, entityType, entityID, err)
	}
	return mapStoreErr(err, entityType, entityID)
}

func movementDelta(kind domain.MovementKind, qty int) (int, error) {
	switch kind {
	case domain.MovementIn, domain.MovementOut:
		if qty <= 0 {
			return 0, apperror.NewInvalidQuantity("quantity must be positive for in and out movements")
		}
		if kind == domain.MovementOut {
			return -qty, nil
		}
		return qty, nil
	case domain.MovementAdjustment:
		if qty == 0 {
			return 0, apperror.NewInvalidQuantity("adjustment quantity must not be zero")
		}
		return qty, nil
	default:
		return 0, apperror.NewInvalidInput("movement kind must be in, out or adjustment").
			WithDetail("kind", kind)
	}
}

// AdjustStock records a manual stock change. Out and negative adjustments
// fail with InsufficientStock rather than driving stock below zero.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResponse, error) {
	actor, err := requireActor(ctx, domain.RoleWarehouse, domain.RoleAdmin)
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" {
		return domain.StockAdjustmentResponse{}, apperror.NewInvalidInput("product_id is required")
	}
	if req.Reason == "" {
		return domain.StockAdjustmentResponse{}, apperror.NewInvalidInput("reason is required")
	}
	delta, err := movementDelta(req.Kind, req.Quantity)
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}

	if _, err := read(ctx, s, func(ctx context.Context) (*domain.Product, error) {
		return s.repo.GetProduct(ctx, req.ProductID)
	}); err != nil {
		return domain.StockAdjustmentResponse{}, mapStoreErr(err, "product", req.ProductID)
	}

	change := &stockChange{
		productID: req.ProductID,
		delta:     delta,
		kind:      req.Kind,
		reason:    req.Reason,
		actorID:   actor.ID,
	}
	if err := s.runner.Run(ctx, s.stockSteps(change)...); err != nil {
		return domain.StockAdjustmentResponse{}, s.runFailure(ctx, err, "stock_adjustment_compensation", "product", req.ProductID)
	}

	metrics.IncStockAdjustment(string(req.Kind))
	s.logAudit(ctx, "stock_adjust", "product", req.ProductID,
		fmt.Sprintf("kind=%s delta=%d stock=%d reason=%s", req.Kind, delta, change.stock, req.Reason))

	return domain.StockAdjustmentResponse{Movement: *change.movement, Stock: change.stock}, nil
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	if _, err := requireActor(ctx, domain.RoleWarehouse, domain.RoleAdmin, domain.RoleAccounting); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	movements, err := read(ctx, s, func(ctx context.Context) ([]domain.InventoryMovement, error) {
		return s.repo.ListMovements(ctx, filter)
	})
	if err != nil {
		return nil, mapStoreErr(err, "movement", filter.ProductID)
	}
	return movements, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	products, err := read(ctx, s, s.repo.ListProducts)
	if err != nil {
		return nil, mapStoreErr(err, "product", "")
	}
	return products, nil
}
