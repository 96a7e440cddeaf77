package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HoeenCoder/iron-manager/internal/application/store"
	"github.com/HoeenCoder/iron-manager/internal/domain/guild"
	"github.com/HoeenCoder/iron-manager/internal/domain/ledger"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/pkg/circuitbreaker"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
	"github.com/HoeenCoder/iron-manager/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type memBackend struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   int
	saveErr error
}

func (b *memBackend) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[key]
	if !ok {
		return nil, shared.Errorf("mem", "Load", shared.ErrNotFound, "document %q", key)
	}
	return data, nil
}

func (b *memBackend) Save(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves++
	b.docs[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

type fakeDirectory struct {
	mu    sync.Mutex
	names map[string]string
	roles map[string][]string

	// nameErrs are returned by SetDisplayName in order, one per call.
	nameErrs     map[string][]error
	nameReads    int
	setNameCalls int
	setRoleCalls int
	onSetName    func(memberID string)
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		names:    map[string]string{},
		roles:    map[string][]string{},
		nameErrs: map[string][]error{},
	}
}

func (d *fakeDirectory) DisplayName(_ context.Context, id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nameReads++
	name, ok := d.names[id]
	if !ok {
		return "", errors.New("unknown member")
	}
	return name, nil
}

func (d *fakeDirectory) SetDisplayName(_ context.Context, id, name string) error {
	if d.onSetName != nil {
		d.onSetName(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setNameCalls++
	if errs := d.nameErrs[id]; len(errs) > 0 {
		d.nameErrs[id] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	d.names[id] = name
	return nil
}

func (d *fakeDirectory) Roles(_ context.Context, id string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.roles[id]...), nil
}

func (d *fakeDirectory) SetRoles(_ context.Context, id string, roles []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setRoleCalls++
	d.roles[id] = roles
	return nil
}

func (d *fakeDirectory) name(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names[id]
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURE
// ══════════════════════════════════════════════════════════════════════════════

var thursday = time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)

type fixture struct {
	backend *memBackend
	ledger  *store.LedgerStore
	dir     *fakeDirectory
	saga    *DistributionSaga
}

func newFixture(t *testing.T, cfg DistributionConfig) *fixture {
	t.Helper()
	backend := &memBackend{docs: map[string][]byte{}}
	l, err := store.NewLedgerStore(context.Background(), backend, store.LedgerOptions{
		Clock:  func() time.Time { return thursday },
		Logger: logger.Nop(),
	})
	require.NoError(t, err)

	dir := newFakeDirectory()
	retrier := retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond), retry.WithJitter(0))
	return &fixture{
		backend: backend,
		ledger:  l,
		dir:     dir,
		saga:    NewDistributionSaga(l, dir, retrier, cfg, logger.Nop()),
	}
}

// member registers id with display name in the directory and returns the input entry.
func (f *fixture) member(id, display string) Member {
	f.dir.names[id] = display
	return Member{ID: id, DisplayName: display}
}

func (f *fixture) record(t *testing.T, id string) ledger.Record {
	t.Helper()
	ctx := context.Background()
	tok, err := f.ledger.Acquire(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.ledger.Release(tok)) }()
	rec, err := f.ledger.Read(ctx, tok, id)
	require.NoError(t, err)
	return rec
}

func noBonus() DistributionConfig {
	cfg := DefaultDistributionConfig()
	cfg.ParticipationBonus = false
	return cfg
}

func issuedIDs(issues []Issue) []string {
	ids := make([]string, len(issues))
	for i, is := range issues {
		ids[i] = is.MemberID
	}
	return ids
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestDistribute_DuplicateInBatch(t *testing.T) {
	f := newFixture(t, noBonus())
	a := f.member("100", "[ IV ] Trooper")

	res, err := f.saga.Distribute(context.Background(), []Member{a, a}, ledger.CategoryDeployment)
	require.NoError(t, err)

	assert.Equal(t, []string{"100"}, issuedIDs(res.Issued))
	assert.Equal(t, []string{"100"}, res.Duplicate)
	assert.Equal(t, 2, res.Total())
	assert.Equal(t, "[ V ] Trooper", f.dir.name("100"))
	assert.Equal(t, "[ IV ] Trooper", res.Issued[0].PreviousName)
	assert.True(t, f.record(t, "100").Has(ledger.CategoryDeployment))
}

func TestDistribute_SecondRunIsAlreadyGranted(t *testing.T) {
	f := newFixture(t, noBonus())
	ctx := context.Background()
	a := f.member("100", "[ IV ] Trooper")

	_, err := f.saga.Distribute(ctx, []Member{a}, ledger.CategoryDeployment)
	require.NoError(t, err)

	res, err := f.saga.Distribute(ctx, []Member{{ID: "100", DisplayName: f.dir.name("100")}}, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Empty(t, res.Issued)
	assert.Equal(t, []string{"100"}, res.AlreadyGranted)
	assert.Equal(t, "[ V ] Trooper", f.dir.name("100"))
}

func TestDistribute_SkipsEnvoyAndMalformed(t *testing.T) {
	f := newFixture(t, noBonus())
	members := []Member{
		f.member("1", "[ E ] Ambassador"),
		f.member("2", "Trooper without prefix"),
		f.member("3", "[ II ] Rookie"),
		{ID: "bad id", DisplayName: "[ I ] Odd"},
	}

	res, err := f.saga.Distribute(context.Background(), members, ledger.CategoryCommendation)
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, res.Envoy)
	assert.Equal(t, []string{"2", "bad id"}, res.Malformed)
	assert.Equal(t, []string{"3"}, issuedIDs(res.Issued))
	assert.Equal(t, "[ E ] Ambassador", f.dir.name("1"))
	assert.False(t, f.record(t, "1").Has(ledger.CategoryCommendation))
	assert.Equal(t, "[ III ] Rookie", f.dir.name("3"))
}

func TestDistribute_OneWritePerBatch(t *testing.T) {
	f := newFixture(t, noBonus())
	members := []Member{
		f.member("1", "[ I ] A"),
		f.member("2", "[ II ] B"),
		f.member("3", "[ III ] C"),
	}
	before := f.backend.saveCount()

	_, err := f.saga.Distribute(context.Background(), members, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.backend.saveCount())
}

func TestDistribute_ParticipationBonus(t *testing.T) {
	cfg := DefaultDistributionConfig()
	cfg.ParticipationThreshold = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	a := f.member("100", "[ IV ] Trooper")

	before := f.backend.saveCount()
	res, err := f.saga.Distribute(ctx, []Member{a}, ledger.CategoryDeployment)
	require.NoError(t, err)
	require.Len(t, res.Issued, 1)
	assert.False(t, res.Issued[0].Bonus)
	assert.Equal(t, before+1, f.backend.saveCount(), "grant and participation in one write")

	// Second event this week: deployment already held, participation reaches 2.
	before = f.backend.saveCount()
	res, err = f.saga.Distribute(ctx, []Member{{ID: "100", DisplayName: f.dir.name("100")}}, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, res.AlreadyGranted)
	require.Len(t, res.Issued, 1)
	assert.True(t, res.Issued[0].Bonus)
	assert.False(t, res.Issued[0].Granted)
	assert.Equal(t, 1, res.Total())
	assert.Equal(t, before+1, f.backend.saveCount(), "participation and bonus in one write")

	rec := f.record(t, "100")
	assert.True(t, rec.Has(ledger.CategoryCommendation))
	assert.Equal(t, 2, rec.ParticipationCount)
	assert.Equal(t, "[ VI ] Trooper", f.dir.name("100"))
}

func TestDistribute_GrantAndBonusInOneRun(t *testing.T) {
	cfg := DefaultDistributionConfig()
	cfg.ParticipationThreshold = 1
	f := newFixture(t, cfg)

	res, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IX ] Trooper")}, ledger.CategoryDeployment)
	require.NoError(t, err)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, 2, res.Issued[0].Grants())
	assert.Equal(t, "[ XI ] Trooper", f.dir.name("100"))
}

func TestDistribute_PromotionAppliesFullRoleSet(t *testing.T) {
	cfg := noBonus()
	cfg.Rules = []PromotionRule{
		{AtCount: 5, Add: []string{"Corporal"}, Remove: []string{"Private"}},
		{AtCount: 10, Add: []string{"Sergeant"}, Remove: []string{"Corporal"}},
	}
	f := newFixture(t, cfg)
	f.dir.roles["100"] = []string{"Member", "Private"}
	f.dir.roles["200"] = []string{"Member", "Private"}

	res, err := f.saga.Distribute(context.Background(), []Member{
		f.member("100", "[ IV ] Trooper"),
		f.member("200", "[ II ] Rookie"),
	}, ledger.CategoryDeployment)
	require.NoError(t, err)

	assert.Equal(t, []string{"Corporal", "Member"}, f.dir.roles["100"])
	assert.Equal(t, []string{"Member", "Private"}, f.dir.roles["200"])
	assert.Equal(t, 1, f.dir.setRoleCalls)
	assert.Nil(t, res.Issued[1].Roles)
}

func TestDistribute_RoleChangesDisabled(t *testing.T) {
	cfg := noBonus()
	cfg.RoleChanges = false
	cfg.Rules = []PromotionRule{{AtCount: 5, Add: []string{"Corporal"}}}
	f := newFixture(t, cfg)

	_, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IV ] Trooper")}, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Zero(t, f.dir.setRoleCalls)
}

func TestDistribute_ExternalFailureNeedsManualFix(t *testing.T) {
	f := newFixture(t, noBonus())
	f.dir.nameErrs["100"] = []error{errors.New("missing permissions")}

	res, err := f.saga.Distribute(context.Background(), []Member{
		f.member("100", "[ IV ] Owner"),
		f.member("200", "[ I ] Rookie"),
	}, ledger.CategoryDeployment)
	require.NoError(t, err)

	require.Len(t, res.ManualFix, 1)
	fix := res.ManualFix[0]
	assert.Equal(t, "100", fix.MemberID)
	assert.Equal(t, "[ V ] Owner", fix.IntendedName)
	assert.True(t, shared.IsExternalMutation(fix.Err))
	assert.Equal(t, []string{"100", "200"}, issuedIDs(res.Issued))

	assert.Equal(t, "[ IV ] Owner", f.dir.name("100"))
	assert.Equal(t, "[ II ] Rookie", f.dir.name("200"))
	assert.True(t, f.record(t, "100").Has(ledger.CategoryDeployment))
}

func TestDistribute_RetriesRetryableFailures(t *testing.T) {
	f := newFixture(t, noBonus())
	f.dir.nameErrs["100"] = []error{retry.Retryable(errors.New("rate limited"))}

	res, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IV ] Trooper")}, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Empty(t, res.ManualFix)
	assert.Equal(t, "[ V ] Trooper", f.dir.name("100"))
}

func TestDistribute_OpenBreakerSkipsGateway(t *testing.T) {
	f := newFixture(t, noBonus())
	cb := circuitbreaker.New("gateway", circuitbreaker.WithFailureThreshold(2))
	f.saga = NewDistributionSaga(f.ledger, f.dir, retry.New(retry.WithMaxAttempts(1)), noBonus(), logger.Nop(), WithBreaker(cb))

	// Not registered in the directory, so every name read fails.
	members := []Member{
		{ID: "100", DisplayName: "[ I ] A"},
		{ID: "200", DisplayName: "[ I ] B"},
		{ID: "300", DisplayName: "[ I ] C"},
	}
	res, err := f.saga.Distribute(context.Background(), members, ledger.CategoryDeployment)
	require.NoError(t, err)

	require.Len(t, res.ManualFix, 3)
	assert.Equal(t, 2, f.dir.nameReads, "third member never reaches the gateway")
	assert.ErrorIs(t, res.ManualFix[2].Err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, shared.IsExternalMutation(res.ManualFix[2].Err))
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
	assert.True(t, f.record(t, "300").Has(ledger.CategoryDeployment))
}

func TestDistribute_MemberRefusalIsNotRetried(t *testing.T) {
	f := newFixture(t, noBonus())
	f.saga = NewDistributionSaga(f.ledger, f.dir, nil, noBonus(), logger.Nop())
	refused := retry.Retryable(fmt.Errorf("rename 100: %w", guild.ErrMemberRefused))
	f.dir.nameErrs["100"] = []error{refused, nil}

	res, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IV ] Owner")}, ledger.CategoryDeployment)
	require.NoError(t, err)

	require.Len(t, res.ManualFix, 1)
	assert.ErrorIs(t, res.ManualFix[0].Err, guild.ErrMemberRefused)
	assert.Equal(t, 1, f.dir.setNameCalls)
	assert.Equal(t, "[ IV ] Owner", f.dir.name("100"))
}

func TestDistribute_MemberRefusalsKeepBreakerClosed(t *testing.T) {
	f := newFixture(t, noBonus())
	f.saga = NewDistributionSaga(f.ledger, f.dir, nil, noBonus(), logger.Nop())

	var members []Member
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("%d00", i)
		members = append(members, f.member(id, "[ I ] Owner"))
		f.dir.nameErrs[id] = []error{fmt.Errorf("rename %s: %w", id, guild.ErrMemberRefused)}
	}
	members = append(members, f.member("700", "[ I ] Rookie"))

	res, err := f.saga.Distribute(context.Background(), members, ledger.CategoryDeployment)
	require.NoError(t, err)

	require.Len(t, res.ManualFix, 6)
	for _, fix := range res.ManualFix {
		assert.ErrorIs(t, fix.Err, guild.ErrMemberRefused, fix.MemberID)
		assert.NotErrorIs(t, fix.Err, circuitbreaker.ErrCircuitOpen, fix.MemberID)
	}
	assert.Equal(t, 7, f.dir.setNameCalls, "every member reaches the gateway")
	assert.Equal(t, "[ II ] Rookie", f.dir.name("700"))
	assert.Equal(t, circuitbreaker.StateClosed, f.saga.breaker.State())
}

func TestDistribute_RenamesOutsideLock(t *testing.T) {
	f := newFixture(t, noBonus())
	var acquired bool
	f.dir.onSetName = func(string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tok, err := f.ledger.Acquire(ctx)
		if err == nil {
			acquired = true
			_ = f.ledger.Release(tok)
		}
	}

	_, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IV ] Trooper")}, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.True(t, acquired, "ledger lock must be free during renames")
}

func TestDistribute_LedgerFailureAbortsAndReleases(t *testing.T) {
	f := newFixture(t, noBonus())
	f.backend.saveErr = errors.New("disk full")

	_, err := f.saga.Distribute(context.Background(), []Member{f.member("100", "[ IV ] Trooper")}, ledger.CategoryDeployment)
	require.Error(t, err)

	var de *DistributionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StepGrant, de.Step)
	assert.Equal(t, "[ IV ] Trooper", f.dir.name("100"))

	f.backend.saveErr = nil
	assert.False(t, f.record(t, "100").Has(ledger.CategoryDeployment))
}

func TestDistribute_FailedWriteLeavesWholeBatchRetryable(t *testing.T) {
	cfg := DefaultDistributionConfig()
	cfg.ParticipationThreshold = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	members := []Member{f.member("100", "[ IV ] Trooper"), f.member("200", "[ I ] Rookie")}

	f.backend.saveErr = errors.New("connection reset")
	_, err := f.saga.Distribute(ctx, members, ledger.CategoryDeployment)
	require.Error(t, err)
	f.backend.saveErr = nil

	// Nothing from the failed run is durable: no grant, no counter, no bonus.
	for _, id := range []string{"100", "200"} {
		assert.Zero(t, f.record(t, id), id)
	}
	assert.Equal(t, "[ IV ] Trooper", f.dir.name("100"))

	before := f.backend.saveCount()
	res, err := f.saga.Distribute(ctx, members, ledger.CategoryDeployment)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.backend.saveCount())
	assert.Equal(t, []string{"100", "200"}, issuedIDs(res.Issued))
	assert.Empty(t, res.ManualFix)

	rec := f.record(t, "100")
	assert.True(t, rec.Has(ledger.CategoryDeployment))
	assert.True(t, rec.Has(ledger.CategoryCommendation))
	assert.Equal(t, 1, rec.ParticipationCount)
	assert.Equal(t, "[ VI ] Trooper", f.dir.name("100"))
	assert.Equal(t, "[ III ] Rookie", f.dir.name("200"))
}

func TestDistribute_RejectsUnknownCategory(t *testing.T) {
	f := newFixture(t, noBonus())
	_, err := f.saga.Distribute(context.Background(), nil, ledger.Category("medal"))
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}
