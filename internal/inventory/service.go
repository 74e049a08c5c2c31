package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

const (
	auditModule      = "inventory"
	subjectMovement  = "stock_movement"
	importModule     = "inventory.import"
	defaultBatchSize = 200
	defaultListLimit = 500
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, variantID, warehouseID int64) (Balance, error)
	ListBalances(ctx context.Context, variantID int64) ([]Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	SumMovements(ctx context.Context, variantID int64) (map[BalanceKey]int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	// GetBalanceForUpdate locks the row, creating an empty one when missing.
	GetBalanceForUpdate(ctx context.Context, variantID, warehouseID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, mv *Movement) error
	GetMovementForUpdate(ctx context.Context, id int64) (Movement, error)
	ReversalOf(ctx context.Context, id int64) (int64, bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Append(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
}

// IdempotencyPort records processed import keys inside the batch transaction.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// Recorder receives ledger counters; nil disables metrics.
type Recorder interface {
	MovementRecorded(kind string)
	MovementRejected(reason string)
}

// ReservedStock reports the pending quantity of active reservations for a key.
type ReservedStock interface {
	SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error)
}

// ServiceConfig groups optional settings. A nil Reserved lets outflows take reserved stock.
type ServiceConfig struct {
	ImportBatchSize int
	Reserved        ReservedStock
}

// Service is the stock ledger: the only writer of movements and balances.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     Recorder
	reserved    ReservedStock
	logger      *slog.Logger
	batchSize   int
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, metrics Recorder, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.ImportBatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, reserved: cfg.Reserved, logger: logger, batchSize: size, now: time.Now}
}

// RecordMovement validates and appends a movement, updating balances in the same unit of work.
func (s *Service) RecordMovement(ctx context.Context, input MovementInput) (Movement, error) {
	mv, err := s.buildMovement(input)
	if err != nil {
		s.rejected(err)
		return Movement{}, err
	}
	var out Movement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, err := s.post(ctx, tx, mv)
		out = posted
		return err
	})
	if err != nil {
		s.rejected(err)
		return Movement{}, err
	}
	s.recorded(out.Kind)
	return out, nil
}

// ReverseMovement appends an estorno that undoes the movement in full. Movements
// correlated to a reservation or a consignment are refused; their owner undoes them.
func (s *Service) ReverseMovement(ctx context.Context, input ReverseInput) (Movement, error) {
	return s.reverse(ctx, input, false)
}

// CompensateMovement reverses a movement on behalf of the component that owns it,
// such as an order cancellation undoing a delivery made from a reservation.
func (s *Service) CompensateMovement(ctx context.Context, input ReverseInput) (Movement, error) {
	return s.reverse(ctx, input, true)
}

func (s *Service) reverse(ctx context.Context, input ReverseInput, owner bool) (Movement, error) {
	if input.MovementID <= 0 {
		return Movement{}, fmt.Errorf("%w: movement id required", ErrInvalidMovement)
	}
	if input.ActorID == 0 {
		return Movement{}, shared.ErrActorRequired
	}
	var out Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orig, err := tx.GetMovementForUpdate(ctx, input.MovementID)
		if err != nil {
			return err
		}
		if orig.Kind == KindEstorno {
			return fmt.Errorf("%w: movement %d is a reversal", ErrNotReversible, orig.ID)
		}
		if !owner {
			if id := orig.Correlation.ReservationID; id != 0 {
				return fmt.Errorf("%w: movement %d belongs to reservation %d", ErrNotReversible, orig.ID, id)
			}
			if id := orig.Correlation.ConsignmentID; id != 0 {
				return fmt.Errorf("%w: movement %d belongs to consignment %d", ErrNotReversible, orig.ID, id)
			}
		}
		if revID, ok, err := tx.ReversalOf(ctx, orig.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: movement %d already reversed by %d", ErrNotReversible, orig.ID, revID)
		}
		at := input.OccurredAt
		if at.IsZero() {
			at = s.now()
		}
		rev := Movement{
			Kind:              KindEstorno,
			VariantID:         orig.VariantID,
			OriginWarehouseID: orig.DestWarehouseID,
			DestWarehouseID:   orig.OriginWarehouseID,
			Quantity:          orig.Quantity,
			OccurredAt:        at.UTC(),
			ActorID:           input.ActorID,
			Correlation:       orig.Correlation,
			ReversesID:        orig.ID,
			Note:              input.Note,
		}
		posted, err := s.post(ctx, tx, rev)
		out = posted
		return err
	})
	if err != nil {
		s.rejected(err)
		return Movement{}, err
	}
	s.recorded(out.Kind)
	return out, nil
}

// LockBalance row-locks a balance inside the caller's unit of work.
func (s *Service) LockBalance(ctx context.Context, variantID, warehouseID int64) (Balance, error) {
	if db.UnitFrom(ctx) == nil {
		return Balance{}, fmt.Errorf("inventory: lock balance: %w", db.ErrNoUnit)
	}
	var bal Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		bal, err = tx.GetBalanceForUpdate(ctx, variantID, warehouseID)
		return err
	})
	return bal, err
}

// BalanceOf returns the materialized quantity; zero when the key never moved.
func (s *Service) BalanceOf(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	bal, err := s.repo.GetBalance(ctx, variantID, warehouseID)
	if errors.Is(err, ErrBalanceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal.Quantity, nil
}

// TotalBalance sums the variant over all warehouses.
func (s *Service) TotalBalance(ctx context.Context, variantID int64) (int64, error) {
	balances, err := s.repo.ListBalances(ctx, variantID)
	if err != nil {
		return 0, fmt.Errorf("list balances: %w", err)
	}
	var total int64
	for _, b := range balances {
		total += b.Quantity
	}
	return total, nil
}

// Balances lists the variant's balances per warehouse.
func (s *Service) Balances(ctx context.Context, variantID int64) ([]Balance, error) {
	if variantID <= 0 {
		return nil, fmt.Errorf("%w: variant required", ErrInvalidMovement)
	}
	return s.repo.ListBalances(ctx, variantID)
}

// Movements lists the stock card for the filter, oldest first.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.VariantID == 0 && filter.OrderID == 0 {
		return nil, fmt.Errorf("%w: variant or order required", ErrInvalidMovement)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListMovements(ctx, filter)
}

// Reconcile replays the movement log and reports every key whose balance disagrees.
// variantID zero checks every variant.
func (s *Service) Reconcile(ctx context.Context, variantID int64) ([]Discrepancy, error) {
	balances, err := s.repo.ListBalances(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	sums, err := s.repo.SumMovements(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("sum movements: %w", err)
	}
	var out []Discrepancy
	seen := make(map[BalanceKey]bool, len(balances))
	for _, b := range balances {
		key := BalanceKey{VariantID: b.VariantID, WarehouseID: b.WarehouseID}
		seen[key] = true
		if replayed := sums[key]; replayed != b.Quantity {
			out = append(out, Discrepancy{VariantID: b.VariantID, WarehouseID: b.WarehouseID, Materialized: b.Quantity, Replayed: replayed})
		}
	}
	for key, replayed := range sums {
		if !seen[key] && replayed != 0 {
			out = append(out, Discrepancy{VariantID: key.VariantID, WarehouseID: key.WarehouseID, Replayed: replayed})
		}
	}
	out, err = s.confirmDiscrepancies(ctx, out)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		s.logger.Warn("stock ledger discrepancies", slog.Int64("variant_id", variantID), slog.Int("count", len(out)))
	}
	return out, nil
}

// confirmDiscrepancies re-reads each candidate with its balance row locked, so a
// movement committed between the two unlocked reads is not reported.
func (s *Service) confirmDiscrepancies(ctx context.Context, candidates []Discrepancy) ([]Discrepancy, error) {
	var confirmed []Discrepancy
	for _, c := range candidates {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			bal, err := tx.GetBalanceForUpdate(ctx, c.VariantID, c.WarehouseID)
			if err != nil {
				return err
			}
			sums, err := s.repo.SumMovements(ctx, c.VariantID)
			if err != nil {
				return err
			}
			key := BalanceKey{VariantID: c.VariantID, WarehouseID: c.WarehouseID}
			if sums[key] != bal.Quantity {
				confirmed = append(confirmed, Discrepancy{VariantID: c.VariantID, WarehouseID: c.WarehouseID, Materialized: bal.Quantity, Replayed: sums[key]})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("confirm discrepancy: %w", err)
		}
	}
	return confirmed, nil
}

// ImportMovements records rows in bounded batches, one unit of work per batch.
// The first failing batch rolls back alone and stops the import.
func (s *Service) ImportMovements(ctx context.Context, rows []ImportRow) (ImportResult, error) {
	result := ImportResult{FailedRow: -1}
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		committed, skipped, failed := 0, 0, -1
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			committed, skipped = 0, 0
			for i, row := range rows[start:end] {
				if row.Key != "" && s.idempotency != nil {
					err := s.idempotency.CheckAndInsert(ctx, row.Key, importModule)
					if errors.Is(err, shared.ErrIdempotencyConflict) {
						skipped++
						continue
					}
					if err != nil {
						failed = start + i
						return err
					}
				}
				mv, err := s.buildMovement(row.Input)
				if err != nil {
					failed = start + i
					return err
				}
				if _, err := s.post(ctx, tx, mv); err != nil {
					failed = start + i
					return err
				}
				committed++
			}
			return nil
		})
		if err != nil {
			result.FailedRow = failed
			s.logger.Warn("stock import batch failed",
				slog.Int("batch", result.Batches+1), slog.Int("row", failed), slog.Any("error", err))
			return result, fmt.Errorf("inventory: import row %d: %w", failed, err)
		}
		result.Batches++
		result.Committed += committed
		result.Skipped += skipped
	}
	return result, nil
}

func (s *Service) buildMovement(input MovementInput) (Movement, error) {
	if input.Kind == KindEstorno {
		return Movement{}, fmt.Errorf("%w: estorno is only produced by a reversal", ErrInvalidMovement)
	}
	if !input.Kind.IsValid() {
		return Movement{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMovement, input.Kind)
	}
	if input.VariantID <= 0 {
		return Movement{}, fmt.Errorf("%w: variant required", ErrInvalidMovement)
	}
	if input.Quantity <= 0 {
		return Movement{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidMovement)
	}
	if input.ActorID == 0 {
		return Movement{}, shared.ErrActorRequired
	}
	if err := validateWarehouses(input.Kind, input.OriginWarehouseID, input.DestWarehouseID); err != nil {
		return Movement{}, err
	}
	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	return Movement{
		Kind:              input.Kind,
		VariantID:         input.VariantID,
		OriginWarehouseID: input.OriginWarehouseID,
		DestWarehouseID:   input.DestWarehouseID,
		Quantity:          input.Quantity,
		OccurredAt:        at.UTC(),
		ActorID:           input.ActorID,
		Correlation:       input.Correlation,
		Note:              input.Note,
	}, nil
}

func validateWarehouses(kind MovementKind, origin, dest int64) error {
	switch kind.Direction() {
	case DirectionInflow:
		if dest <= 0 || origin != 0 {
			return fmt.Errorf("%w: %s requires only a destination warehouse", ErrInvalidMovement, kind)
		}
	case DirectionOutflow:
		if origin <= 0 || dest != 0 {
			return fmt.Errorf("%w: %s requires only an origin warehouse", ErrInvalidMovement, kind)
		}
	case DirectionTransfer:
		if origin <= 0 || dest <= 0 {
			return fmt.Errorf("%w: transfer requires origin and destination", ErrInvalidMovement)
		}
		if origin == dest {
			return fmt.Errorf("%w: origin and destination must differ", ErrInvalidMovement)
		}
	case DirectionReversal:
		if origin <= 0 && dest <= 0 {
			return fmt.Errorf("%w: reversal without warehouses", ErrInvalidMovement)
		}
		if origin == dest {
			return fmt.Errorf("%w: origin and destination must differ", ErrInvalidMovement)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMovement, kind)
	}
	return nil
}

// post locks every touched balance in warehouse order, checks non-negativity,
// then writes the movement, the balances and the audit event. Outflows that do not
// consume a reservation may only take stock no active reservation holds.
func (s *Service) post(ctx context.Context, tx TxRepository, mv Movement) (Movement, error) {
	deltas := mv.Deltas()
	locked := make([]Balance, len(deltas))
	for i, d := range deltas {
		bal, err := tx.GetBalanceForUpdate(ctx, mv.VariantID, d.WarehouseID)
		if err != nil {
			return Movement{}, fmt.Errorf("lock balance: %w", err)
		}
		if bal.Quantity+d.Quantity < 0 {
			return Movement{}, fmt.Errorf("%w: variant %d warehouse %d has %d, needs %d",
				ErrInsufficientStock, mv.VariantID, d.WarehouseID, bal.Quantity, -d.Quantity)
		}
		if d.Quantity < 0 && mv.Correlation.ReservationID == 0 {
			held, err := s.reservedFor(ctx, mv.VariantID, d.WarehouseID)
			if err != nil {
				return Movement{}, err
			}
			if bal.Quantity-held+d.Quantity < 0 {
				return Movement{}, fmt.Errorf("%w: variant %d warehouse %d has %d with %d reserved, needs %d",
					ErrInsufficientStock, mv.VariantID, d.WarehouseID, bal.Quantity, held, -d.Quantity)
			}
		}
		locked[i] = bal
	}

	if err := tx.InsertMovement(ctx, &mv); err != nil {
		return Movement{}, fmt.Errorf("insert movement: %w", err)
	}

	changes := make([]audit.Change, 0, len(deltas))
	for i, d := range deltas {
		bal := locked[i]
		prior := bal.Quantity
		bal.Quantity += d.Quantity
		if d.Quantity > 0 && prior == 0 {
			at := mv.OccurredAt
			bal.CurrentEntryAt = &at
		}
		if mv.Kind == KindCustomerDelivery && d.Quantity < 0 {
			at := mv.OccurredAt
			bal.LastSaleAt = &at
		}
		bal.UpdatedAt = s.now().UTC()
		if err := tx.UpsertBalance(ctx, bal); err != nil {
			return Movement{}, fmt.Errorf("upsert balance: %w", err)
		}
		changes = append(changes, audit.Change{
			Field:     "balance.warehouse." + strconv.FormatInt(d.WarehouseID, 10),
			OldValue:  strconv.FormatInt(prior, 10),
			NewValue:  strconv.FormatInt(bal.Quantity, 10),
			ValueType: "int",
		})
	}

	if s.audit != nil {
		action := audit.ActionCreate
		if mv.Kind == KindEstorno {
			action = audit.ActionReversal
		}
		diff := map[string]any{
			"kind":        string(mv.Kind),
			"variant_id":  mv.VariantID,
			"quantity":    mv.Quantity,
			"origin":      mv.OriginWarehouseID,
			"destination": mv.DestWarehouseID,
			"correlation": mv.Correlation,
		}
		if mv.ReversesID != 0 {
			diff["reverses_id"] = mv.ReversesID
		}
		if _, err := s.audit.Append(ctx, audit.Entry{
			ActorID:     mv.ActorID,
			SubjectType: subjectMovement,
			SubjectID:   strconv.FormatInt(mv.ID, 10),
			Module:      auditModule,
			Action:      action,
			Label:       mv.Kind.Label(),
			Diff:        diff,
			Changes:     changes,
			OccurredAt:  mv.OccurredAt,
		}); err != nil {
			return Movement{}, fmt.Errorf("audit movement: %w", err)
		}
	}
	return mv, nil
}

// reservedFor is read after the balance row is locked; reservations on the key
// are created under the same lock.
func (s *Service) reservedFor(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	if s.reserved == nil {
		return 0, nil
	}
	held, err := s.reserved.SumPendingActive(ctx, variantID, warehouseID)
	if err != nil {
		return 0, fmt.Errorf("sum reserved: %w", err)
	}
	return held, nil
}

func (s *Service) recorded(kind MovementKind) {
	if s.metrics != nil {
		s.metrics.MovementRecorded(string(kind))
	}
}

func (s *Service) rejected(err error) {
	reason := ""
	switch {
	case errors.Is(err, ErrInsufficientStock):
		reason = "insufficient_stock"
	case errors.Is(err, ErrInvalidMovement):
		reason = "invalid_movement"
	case errors.Is(err, ErrNotReversible):
		reason = "not_reversible"
	default:
		return
	}
	s.logger.Warn("stock movement rejected", slog.String("reason", reason), slog.Any("error", err))
	if s.metrics != nil {
		s.metrics.MovementRejected(reason)
	}
}
