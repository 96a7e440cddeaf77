// Package saga contains business processes that coordinate the stores with
// the chat environment.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/guild"
	"github.com/HoeenCoder/iron-manager/internal/domain/identity"
	"github.com/HoeenCoder/iron-manager/internal/domain/ledger"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/pkg/circuitbreaker"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
	"github.com/HoeenCoder/iron-manager/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISTRIBUTION SAGA
// Flow: Acquire Ledger → Classify → Grant + Participation + Bonus (one write) →
//
//	Release Ledger → Rename + Promote each member (outside the lock)
//
// The ledger lock is released before any call into the environment. A slow
// or failing rename never blocks the next batch; its member lands in ManualFix
// with the intended name so a human can apply it.
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the subset of the ledger store the saga drives.
type Ledger interface {
	Acquire(ctx context.Context) (lock.Token, error)
	Release(tok lock.Token) error
	Read(ctx context.Context, tok lock.Token, memberID string) (ledger.Record, error)
	ApplyBatch(ctx context.Context, tok lock.Token, b ledger.Batch) (ledger.BatchResult, error)
}

// Member is one distribution target as the caller sees it.
type Member struct {
	ID          string
	DisplayName string
}

// PromotionRule changes roles when a member's count reaches AtCount.
type PromotionRule struct {
	AtCount int
	Add     []string
	Remove  []string
}

// crossed reports whether moving from old to next passes the rule's threshold.
func (r PromotionRule) crossed(old, next int) bool {
	return old < r.AtCount && next >= r.AtCount
}

// Issue describes a member whose ledger entry was written in this batch.
type Issue struct {
	MemberID string

	// Granted is set when the requested category was written. A member can
	// be issued the bonus alone after already holding the category.
	Granted bool
	Bonus   bool

	PreviousName string
	IntendedName string

	// Roles is the full role set to apply, nil when no rule crossed.
	Roles []string

	// Err is set on ManualFix entries.
	Err error
}

// DistributionResult partitions the input of one Distribute call.
type DistributionResult struct {
	Category ledger.Category

	Duplicate      []string
	Envoy          []string
	Malformed      []string
	AlreadyGranted []string

	// Issued lists every member granted in this batch, in input order.
	Issued []Issue

	// ManualFix lists issued members whose rename or role change failed.
	ManualFix []Issue

	ProcessedAt time.Time
}

// Total returns the number of input members accounted for.
func (r *DistributionResult) Total() int {
	n := len(r.Duplicate) + len(r.Envoy) + len(r.Malformed) + len(r.AlreadyGranted)
	for _, is := range r.Issued {
		if is.Granted {
			n++
		}
	}
	return n
}

// Grants returns how many categories the issue added, which is also how far
// the member's count advances.
func (is Issue) Grants() int {
	n := 0
	if is.Granted {
		n++
	}
	if is.Bonus {
		n++
	}
	return n
}

// DistributionStep names a stage of the saga.
type DistributionStep string

const (
	StepAcquire  DistributionStep = "acquire_ledger"
	StepClassify DistributionStep = "classify"
	StepGrant    DistributionStep = "grant"
	StepRelease  DistributionStep = "release_ledger"
	StepApply    DistributionStep = "apply_identity"
	StepComplete DistributionStep = "complete"
)

// DistributionState tracks one run of the saga.
type DistributionState struct {
	CurrentStep DistributionStep
	Category    ledger.Category
	Members     []Member
	Token       lock.Token

	// Valid holds members that passed classification, in input order.
	Valid []string
	// Granted is the subset of Valid that receives Category.
	Granted []string
	// Bonus is the set of members receiving the bonus category.
	Bonus map[string]bool

	Result      *DistributionResult
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       error
	FailedStep  DistributionStep
}

// DistributionConfig configures the saga.
type DistributionConfig struct {
	// ParticipationBonus enables the participation counter and bonus grant.
	ParticipationBonus     bool
	ParticipationThreshold int
	BonusCategory          ledger.Category

	// RoleChanges enables promotion rules.
	RoleChanges bool
	Rules       []PromotionRule
}

// DefaultDistributionConfig returns default configuration.
func DefaultDistributionConfig() DistributionConfig {
	return DistributionConfig{
		ParticipationBonus:     true,
		ParticipationThreshold: 5,
		BonusCategory:          ledger.CategoryCommendation,
		RoleChanges:            true,
	}
}

// DistributionSaga grants a weekly category to a batch of members and
// catches their display names and roles up.
type DistributionSaga struct {
	ledger    Ledger
	directory guild.Directory
	retrier   *retry.Retrier
	breaker   *circuitbreaker.CircuitBreaker
	config    DistributionConfig
	log       *logger.Logger
	now       func() time.Time
}

// SagaOption customizes a DistributionSaga.
type SagaOption func(*DistributionSaga)

// WithBreaker replaces the default gateway breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) SagaOption {
	return func(s *DistributionSaga) {
		if cb != nil {
			s.breaker = cb
		}
	}
}

// NewDistributionSaga creates a saga. A nil retrier means retry.GatewayRetrier
// logging to log, which never retries guild.ErrMemberRefused. Gateway calls go
// through circuitbreaker.GatewayBreaker unless WithBreaker says otherwise.
func NewDistributionSaga(l Ledger, dir guild.Directory, retrier *retry.Retrier, config DistributionConfig, log *logger.Logger, opts ...SagaOption) *DistributionSaga {
	s := &DistributionSaga{
		ledger:    l,
		directory: dir,
		retrier:   retrier,
		config:    config,
		log:       logger.OrDefault(log).With(logger.Component("distribution")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retrier == nil {
		s.retrier = retry.GatewayRetrier(s.log, retry.WithStopOn(guild.ErrMemberRefused))
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.GatewayBreaker(func(name string, from, to circuitbreaker.State) {
			s.log.Warn("gateway breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}, circuitbreaker.WithIsFailure(gatewayFailure))
	}
	return s
}

// gatewayFailure decides what trips the gateway breaker. A refusal for one
// member leaves the breaker alone, and so does the caller giving up.
func gatewayFailure(err error) bool {
	switch {
	case errors.Is(err, guild.ErrMemberRefused),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Distribute grants category to members. It returns an error only when the
// ledger could not be read or written; per-member environment failures are
// reported in ManualFix.
func (s *DistributionSaga) Distribute(ctx context.Context, members []Member, category ledger.Category) (*DistributionResult, error) {
	if !category.IsValid() {
		return nil, shared.Errorf("distribution", "Distribute", shared.ErrInvalidInput, "unknown category %q", category)
	}

	state := &DistributionState{
		CurrentStep: StepAcquire,
		Category:    category,
		Members:     members,
		Bonus:       map[string]bool{},
		Result:      &DistributionResult{Category: category},
		StartedAt:   s.now(),
	}

	// Steps 1-4 run under the ledger lock.
	if err := s.underLock(ctx, state); err != nil {
		return nil, s.wrapError(state, err)
	}

	// Step 5: Rename and promote, outside the lock
	state.CurrentStep = StepApply
	s.stepApply(ctx, state)

	state.CurrentStep = StepComplete
	now := s.now()
	state.CompletedAt = &now
	state.Result.ProcessedAt = now

	s.log.Info("distribution complete",
		logger.Category(string(category)),
		logger.Int("issued", len(state.Result.Issued)),
		logger.Int("already_granted", len(state.Result.AlreadyGranted)),
		logger.Int("duplicate", len(state.Result.Duplicate)),
		logger.Int("envoy", len(state.Result.Envoy)),
		logger.Int("malformed", len(state.Result.Malformed)),
		logger.Int("manual_fix", len(state.Result.ManualFix)),
		logger.Latency(now.Sub(state.StartedAt)),
	)
	return state.Result, nil
}

func (s *DistributionSaga) underLock(ctx context.Context, state *DistributionState) (err error) {
	tok, err := s.ledger.Acquire(ctx)
	if err != nil {
		state.FailedStep = StepAcquire
		return err
	}
	state.Token = tok
	defer func() {
		state.CurrentStep = StepRelease
		if relErr := s.ledger.Release(tok); relErr != nil && err == nil {
			state.FailedStep = StepRelease
			err = relErr
		}
	}()

	state.CurrentStep = StepClassify
	if err := s.stepClassify(ctx, state); err != nil {
		return err
	}

	state.CurrentStep = StepGrant
	if err := s.stepGrant(ctx, state); err != nil {
		return err
	}

	s.collectIssues(state)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SAGA STEPS
// ══════════════════════════════════════════════════════════════════════════════

// stepClassify sorts every member into a skip bucket or the grant list.
func (s *DistributionSaga) stepClassify(ctx context.Context, state *DistributionState) error {
	seen := make(map[string]bool, len(state.Members))
	res := state.Result

	for _, m := range state.Members {
		if seen[m.ID] {
			res.Duplicate = append(res.Duplicate, m.ID)
			continue
		}
		seen[m.ID] = true

		if err := shared.ValidateMemberID(m.ID); err != nil {
			res.Malformed = append(res.Malformed, m.ID)
			continue
		}

		id, err := identity.Decode(m.DisplayName)
		if err != nil {
			s.log.Debug("identity needs manual fix", logger.MemberID(m.ID), logger.String("display_name", m.DisplayName))
			res.Malformed = append(res.Malformed, m.ID)
			continue
		}
		if id.IsEnvoy() {
			res.Envoy = append(res.Envoy, m.ID)
			continue
		}

		rec, err := s.ledger.Read(ctx, state.Token, m.ID)
		if err != nil {
			state.FailedStep = StepClassify
			return fmt.Errorf("read ledger for %s: %w", m.ID, err)
		}

		state.Valid = append(state.Valid, m.ID)
		if rec.Has(state.Category) {
			res.AlreadyGranted = append(res.AlreadyGranted, m.ID)
			continue
		}
		state.Granted = append(state.Granted, m.ID)
	}
	return nil
}

// stepGrant writes the grants, the participation counters and the bonus in
// one ledger call. A failed write leaves the ledger as it was, so the whole
// batch can be retried.
func (s *DistributionSaga) stepGrant(ctx context.Context, state *DistributionState) error {
	batch := ledger.Batch{Category: state.Category, Grant: state.Granted}
	if s.config.ParticipationBonus {
		batch.Participants = state.Valid
		batch.BonusCategory = s.config.BonusCategory
		batch.BonusThreshold = s.config.ParticipationThreshold
	}
	if len(batch.Grant) == 0 && len(batch.Participants) == 0 {
		return nil
	}

	res, err := s.ledger.ApplyBatch(ctx, state.Token, batch)
	if err != nil {
		state.FailedStep = StepGrant
		return fmt.Errorf("grant %s: %w", state.Category, err)
	}
	for _, id := range res.Bonus {
		state.Bonus[id] = true
	}
	if len(res.Bonus) > 0 {
		s.log.Info("participation bonus granted",
			logger.Category(string(s.config.BonusCategory)),
			logger.MemberCount(len(res.Bonus)),
		)
	}
	return nil
}

// collectIssues builds one Issue per member whose count moves, in input order.
func (s *DistributionSaga) collectIssues(state *DistributionState) {
	granted := make(map[string]bool, len(state.Granted))
	for _, id := range state.Granted {
		granted[id] = true
	}
	for _, id := range state.Valid {
		is := Issue{MemberID: id, Granted: granted[id], Bonus: state.Bonus[id]}
		if is.Grants() == 0 {
			continue
		}
		state.Result.Issued = append(state.Result.Issued, is)
	}
}

// stepApply renames and promotes each issued member. Failures are per member.
func (s *DistributionSaga) stepApply(ctx context.Context, state *DistributionState) {
	res := state.Result
	for i := range res.Issued {
		is := &res.Issued[i]
		if err := s.applyIdentity(ctx, is); err != nil {
			is.Err = err
			res.ManualFix = append(res.ManualFix, *is)
			s.log.Warn("identity update needs manual fix",
				logger.MemberID(is.MemberID),
				logger.String("intended_name", is.IntendedName),
				logger.Strings("intended_roles", is.Roles),
				logger.Err(err),
			)
		}
	}
}

// gateway runs one environment call with retries behind the breaker. An open
// breaker fails the call without touching the gateway.
func (s *DistributionSaga) gateway(ctx context.Context, fn func(context.Context) error) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retrier.Do(ctx, fn)
	})
}

func (s *DistributionSaga) applyIdentity(ctx context.Context, is *Issue) error {
	var current string
	if err := s.gateway(ctx, func(ctx context.Context) (err error) {
		current, err = s.directory.DisplayName(ctx, is.MemberID)
		return err
	}); err != nil {
		return shared.WrapError("distribution", "DisplayName", shared.ErrExternalMutation, "read display name", err)
	}
	is.PreviousName = current

	old, err := identity.Decode(current)
	if err != nil {
		return err
	}
	next, err := old.Next(is.Grants())
	if err != nil {
		return err
	}
	is.IntendedName, err = identity.Encode(next.Count, next.Name)
	if err != nil {
		return err
	}

	var rules []PromotionRule
	if s.config.RoleChanges {
		for _, r := range s.config.Rules {
			if r.crossed(old.Count, next.Count) {
				rules = append(rules, r)
			}
		}
	}
	if len(rules) > 0 {
		var held []string
		if err := s.gateway(ctx, func(ctx context.Context) (err error) {
			held, err = s.directory.Roles(ctx, is.MemberID)
			return err
		}); err != nil {
			return shared.WrapError("distribution", "Roles", shared.ErrExternalMutation, "read roles", err)
		}
		roles := held
		for _, r := range rules {
			roles = guild.ApplyRoleChange(roles, r.Add, r.Remove)
		}
		is.Roles = roles
	}

	if err := s.gateway(ctx, func(ctx context.Context) error {
		return s.directory.SetDisplayName(ctx, is.MemberID, is.IntendedName)
	}); err != nil {
		return shared.WrapError("distribution", "SetDisplayName", shared.ErrExternalMutation, "set display name", err)
	}

	if is.Roles != nil {
		if err := s.gateway(ctx, func(ctx context.Context) error {
			return s.directory.SetRoles(ctx, is.MemberID, is.Roles)
		}); err != nil {
			return shared.WrapError("distribution", "SetRoles", shared.ErrExternalMutation, "set roles", err)
		}
		s.log.Info("member promoted", logger.MemberID(is.MemberID), logger.Strings("roles", is.Roles))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// DistributionError carries the step at which the saga stopped.
type DistributionError struct {
	Step     DistributionStep
	Category ledger.Category
	Cause    error
	Message  string
}

// Error implements the error interface.
func (e *DistributionError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *DistributionError) Unwrap() error {
	return e.Cause
}

func (s *DistributionSaga) wrapError(state *DistributionState, err error) error {
	state.Error = err
	step := state.FailedStep
	if step == "" {
		step = state.CurrentStep
	}
	s.log.Error("distribution failed",
		logger.String("step", string(step)),
		logger.Category(string(state.Category)),
		logger.Err(err),
	)
	return &DistributionError{
		Step:     step,
		Category: state.Category,
		Cause:    err,
		Message:  fmt.Sprintf("distribution failed at step '%s': %v", step, err),
	}
}
