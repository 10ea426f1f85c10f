package bounty

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"diditd/core/events"
	"diditd/core/types"
)

type mockState struct {
	mu          sync.Mutex
	bounties    map[[32]byte]*Bounty
	registry    [][32]byte
	capLocks    map[[32]byte][32]byte
	submissions map[[32]byte][]*Submission
	submitters  map[string]bool
	votes       map[string]*Vote
	tallies     map[string]uint64
	awards      map[[32]byte][]*Award
	accounts    map[string]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		bounties:    make(map[[32]byte]*Bounty),
		capLocks:    make(map[[32]byte][32]byte),
		submissions: make(map[[32]byte][]*Submission),
		submitters:  make(map[string]bool),
		votes:       make(map[string]*Vote),
		tallies:     make(map[string]uint64),
		awards:      make(map[[32]byte][]*Award),
		accounts:    make(map[string]*types.Account),
	}
}

func participantKey(id [32]byte, addr [20]byte) string {
	return string(id[:]) + string(addr[:])
}

func (m *mockState) BountyPut(b *Bounty) error {
	if b == nil {
		return fmt.Errorf("nil bounty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounties[b.ID] = b.Clone()
	return nil
}

func (m *mockState) BountyGet(id [32]byte) (*Bounty, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bounties[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (m *mockState) RegistryAppend(id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = append(m.registry, id)
	return nil
}

func (m *mockState) RegistryList() ([][32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][32]byte(nil), m.registry...), nil
}

func (m *mockState) CapLockPut(id [32]byte, lock [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capLocks[id] = lock
	return nil
}

func (m *mockState) CapLockGet(id [32]byte) ([32]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.capLocks[id]
	return lock, ok, nil
}

func (m *mockState) SubmissionPut(sub *Submission) error {
	if sub == nil {
		return fmt.Errorf("nil submission")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[sub.BountyID] = append(m.submissions[sub.BountyID], sub.Clone())
	m.submitters[participantKey(sub.BountyID, sub.Submitter)] = true
	return nil
}

func (m *mockState) SubmissionList(id [32]byte) ([]*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Submission, len(m.submissions[id]))
	for i, sub := range m.submissions[id] {
		out[i] = sub.Clone()
	}
	return out, nil
}

func (m *mockState) HasSubmitted(id [32]byte, submitter [20]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitters[participantKey(id, submitter)], nil
}

func (m *mockState) VoteGet(id [32]byte, voter [20]byte) (*Vote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[participantKey(id, voter)]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

func (m *mockState) VotePut(v *Vote) error {
	if v == nil {
		return fmt.Errorf("nil vote")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[participantKey(v.BountyID, v.Voter)] = v.Clone()
	return nil
}

func (m *mockState) TallyGet(id [32]byte, submitter [20]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tallies[participantKey(id, submitter)], nil
}

func (m *mockState) TallyPut(id [32]byte, submitter [20]byte, tally uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tallies[participantKey(id, submitter)] = tally
	return nil
}

func (m *mockState) TallyList(id [32]byte) (map[[20]byte]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[[20]byte]uint64)
	for key, tally := range m.tallies {
		if key[:32] != string(id[:]) {
			continue
		}
		var submitter [20]byte
		copy(submitter[:], key[32:])
		out[submitter] = tally
	}
	return out, nil
}

func (m *mockState) AwardPut(a *Award) error {
	if a == nil {
		return fmt.Errorf("nil award")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awards[a.BountyID] = append(m.awards[a.BountyID], a.Clone())
	return nil
}

func (m *mockState) AwardList(id [32]byte) ([]*Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Award, len(m.awards[id]))
	for i, award := range m.awards[id] {
		out[i] = award.Clone()
	}
	return out, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[string(addr)]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[string(addr)] = account.Clone()
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *recordingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &recordingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, emitter
}

func fund(t *testing.T, engine *Engine, addr [20]byte, amount int64) {
	t.Helper()
	if err := engine.FundAccount(addr, big.NewInt(amount)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func mustCreate(t *testing.T, engine *Engine, creator [20]byte, funding int64, schedule ...int64) (*Bounty, Cap) {
	t.Helper()
	prizes := make([]*big.Int, len(schedule))
	for i, amount := range schedule {
		prizes[i] = big.NewInt(amount)
	}
	b, capToken, err := engine.Create(creator, fmt.Sprintf("11111111-1111-4111-8111-%012d", funding), "test bounty", "description", big.NewInt(funding), prizes, 0)
	if err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	return b, capToken
}

func TestCreateValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	cases := []struct {
		name     string
		funding  int64
		schedule []*big.Int
		want     error
	}{
		{"empty schedule", 100, nil, ErrInvalidSchedule},
		{"zero entry", 100, []*big.Int{big.NewInt(0)}, ErrInvalidSchedule},
		{"negative entry", 100, []*big.Int{big.NewInt(-5)}, ErrInvalidSchedule},
		{"nil entry", 100, []*big.Int{nil}, ErrInvalidSchedule},
		{"sum exceeds funding", 100, []*big.Int{big.NewInt(80), big.NewInt(30)}, ErrInvalidSchedule},
		{"zero funding", 0, []*big.Int{big.NewInt(10)}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := engine.Create(creator, "22222222-2222-4222-8222-222222222222", "t", "", big.NewInt(tc.funding), tc.schedule, 0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// Validation failures must not debit the creator.
	balance, err := engine.BalanceOf(creator)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("creator balance mutated by failed create: %s", balance)
	}
}

func TestCreateRejectsNegativeDeadline(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	_, _, err := engine.Create(creator, "22222222-2222-4222-8222-222222222222", "t", "", big.NewInt(100), []*big.Int{big.NewInt(100)}, -1)
	if !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline, got %v", err)
	}
	if CodeOf(err) != CodeValidation {
		t.Fatalf("expected validation code, got %s", CodeOf(err))
	}

	balance, err := engine.BalanceOf(creator)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("creator balance mutated by rejected create: %s", balance)
	}
	list, err := engine.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("registry gained an entry from a rejected create: %d", len(list))
	}
}

// slowReadState stretches the window between the existence check and the
// writes the way a laggy persistent backend would.
type slowReadState struct {
	*mockState
	delay time.Duration
}

func (s *slowReadState) BountyGet(id [32]byte) (*Bounty, bool, error) {
	time.Sleep(s.delay)
	return s.mockState.BountyGet(id)
}

func TestCreateRaceSameIdentifierSingleWinner(t *testing.T) {
	state := &slowReadState{mockState: newMockState(), delay: 10 * time.Millisecond}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	const attempts = 2
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = engine.Create(creator, "88888888-8888-4888-8888-888888888888", "raced", "", big.NewInt(100), []*big.Int{big.NewInt(100)}, 0)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrBountyExists):
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}

	balance, err := engine.BalanceOf(creator)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("creator balance = %s, want 900 after a single debit", balance)
	}
	list, err := engine.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("registry entries = %d, want 1", len(list))
	}
}

// creditFailState fails the first balance write for one address, modelling a
// storage fault between the award records landing and the payout.
type creditFailState struct {
	*mockState
	failAddr [20]byte
	failed   bool
}

func (s *creditFailState) PutAccount(addr []byte, account *types.Account) error {
	if !s.failed && bytes.Equal(addr, s.failAddr[:]) {
		s.failed = true
		return fmt.Errorf("put account: disk full")
	}
	return s.mockState.PutAccount(addr, account)
}

func TestAwardCreditFailureNeverPaysTwice(t *testing.T) {
	winner := newTestAddress(0x02)
	state := &creditFailState{mockState: newMockState(), failAddr: winner}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 100, 100)
	if _, err := engine.SubmitProof(b.ID, winner, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := engine.Award(b.ID, capToken, winner, 0); err == nil {
		t.Fatal("expected award to surface the storage failure")
	}

	// The position is durably consumed, so a retry cannot produce a second
	// payout for the same prize.
	if _, err := engine.Award(b.ID, capToken, winner, 0); !errors.Is(err, ErrPositionAwarded) {
		t.Fatalf("expected ErrPositionAwarded on retry, got %v", err)
	}
	balance, err := engine.BalanceOf(winner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("winner balance = %s, want 0 after failed credit", balance)
	}
	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Sign() != 0 {
		t.Fatalf("escrow = %s, want 0 once the position is consumed", current.Escrow)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 50)

	_, _, err := engine.Create(creator, "22222222-2222-4222-8222-222222222222", "t", "", big.NewInt(100), []*big.Int{big.NewInt(100)}, 0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if CodeOf(err) != CodeResource {
		t.Fatalf("expected resource code, got %s", CodeOf(err))
	}
}

func TestCreateDebitsCreatorAndRegisters(t *testing.T) {
	engine, _, emitter := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 300, 200, 100)
	if b.Escrow.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("escrow = %s, want 300", b.Escrow)
	}
	if b.Status != StatusOpen {
		t.Fatalf("status = %v, want open", b.Status)
	}
	if capToken == (Cap{}) {
		t.Fatal("expected a non-zero capability")
	}

	balance, err := engine.BalanceOf(creator)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("creator balance = %s, want 700", balance)
	}

	list, err := engine.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("registry does not contain the bounty")
	}

	evts := emitter.types()
	if len(evts) != 1 || evts[0] != EventTypeBountyCreated {
		t.Fatalf("unexpected events: %v", evts)
	}
}

func TestCreateDuplicateIdentifier(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	offchain := "33333333-3333-4333-8333-333333333333"
	if _, _, err := engine.Create(creator, offchain, "a", "", big.NewInt(100), []*big.Int{big.NewInt(100)}, 0); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, _, err := engine.Create(creator, offchain, "b", "", big.NewInt(100), []*big.Int{big.NewInt(100)}, 0)
	if !errors.Is(err, ErrBountyExists) {
		t.Fatalf("expected ErrBountyExists, got %v", err)
	}
}

func TestAwardLifecycle(t *testing.T) {
	// Scenario: funding 300, schedule [200, 100]; awarding both positions to
	// the same submitter drains the escrow and closes the bounty.
	engine, _, emitter := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 300, 200, 100)

	no, err := engine.SubmitProof(b.ID, submitter, "proof-ref", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if no != 0 {
		t.Fatalf("submissionNo = %d, want 0", no)
	}

	paid, err := engine.Award(b.ID, capToken, submitter, 0)
	if err != nil {
		t.Fatalf("award position 0: %v", err)
	}
	if paid.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("paid = %s, want 200", paid)
	}
	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow = %s, want 100", current.Escrow)
	}
	if current.Status != StatusOpen {
		t.Fatalf("status = %v, want open", current.Status)
	}
	if current.Winners[0] != submitter {
		t.Fatalf("winners[0] not recorded")
	}

	paid, err = engine.Award(b.ID, capToken, submitter, 1)
	if err != nil {
		t.Fatalf("award position 1: %v", err)
	}
	if paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paid = %s, want 100", paid)
	}
	current, err = engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Sign() != 0 {
		t.Fatalf("escrow = %s, want 0", current.Escrow)
	}
	if current.Status != StatusClosed {
		t.Fatalf("status = %v, want closed", current.Status)
	}

	balance, err := engine.BalanceOf(submitter)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("winner balance = %s, want 300", balance)
	}

	evts := emitter.types()
	want := []string{
		EventTypeBountyCreated,
		EventTypeProofSubmitted,
		EventTypeBountyAwarded,
		EventTypeBountyAwarded,
		EventTypeBountyClosed,
	}
	if len(evts) != len(want) {
		t.Fatalf("events = %v, want %v", evts, want)
	}
	for i := range want {
		if evts[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, evts[i], want[i])
		}
	}
}

func TestAwardPositionConsumedOnce(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 300, 200, 100)
	if _, err := engine.SubmitProof(b.ID, submitter, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := engine.Award(b.ID, capToken, submitter, 0); err != nil {
		t.Fatalf("first award: %v", err)
	}

	_, err := engine.Award(b.ID, capToken, submitter, 0)
	if !errors.Is(err, ErrPositionAwarded) {
		t.Fatalf("expected ErrPositionAwarded, got %v", err)
	}
	if CodeOf(err) != CodeConflict {
		t.Fatalf("expected conflict code, got %s", CodeOf(err))
	}

	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow changed by failed award: %s", current.Escrow)
	}
	if len(current.Winners) != 1 {
		t.Fatalf("winners changed by failed award: %v", current.Winners)
	}
}

func TestAwardRequiresCapability(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	fund(t, engine, creator, 1_000)

	b, _ := mustCreate(t, engine, creator, 100, 100)
	if _, err := engine.SubmitProof(b.ID, submitter, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var forged Cap
	forged[0] = 0xFF
	_, err := engine.Award(b.ID, forged, submitter, 0)
	if !errors.Is(err, ErrInvalidCap) {
		t.Fatalf("expected ErrInvalidCap, got %v", err)
	}
}

func TestAwardInvalidPosition(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 100, 100)
	_, err := engine.Award(b.ID, capToken, newTestAddress(0x02), 1)
	if !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 100, 100)
	if _, err := engine.SubmitProof(b.ID, submitter, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := engine.Award(b.ID, capToken, submitter, 0); err != nil {
		t.Fatalf("award: %v", err)
	}

	_, err := engine.SubmitProof(b.ID, newTestAddress(0x03), "late-proof", "")
	if !errors.Is(err, ErrBountyNotOpen) {
		t.Fatalf("expected ErrBountyNotOpen, got %v", err)
	}
	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.SubmissionCount != 1 {
		t.Fatalf("submission counter mutated by rejected submit: %d", current.SubmissionCount)
	}
}

func TestSubmissionNumbersGapless(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)
	b, _ := mustCreate(t, engine, creator, 100, 100)

	const workers = 32
	numbers := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			no, err := engine.SubmitProof(b.ID, newTestAddress(byte(0x10+i)), "proof-ref", "")
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			numbers[i] = no
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for _, no := range numbers {
		if no >= workers {
			t.Fatalf("submission number out of range: %d", no)
		}
		if seen[no] {
			t.Fatalf("duplicate submission number: %d", no)
		}
		seen[no] = true
	}
}

func TestAwardRaceSinglePositionSingleWinner(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 300, 200, 100)
	if _, err := engine.SubmitProof(b.ID, submitter, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Award(b.ID, capToken, submitter, 0)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrPositionAwarded):
		default:
			t.Fatalf("unexpected award error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}

	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow = %s, want 100 after single payout", current.Escrow)
	}
}

func TestVoteSwitchSemantics(t *testing.T) {
	// Scenario: V votes for A, then B, then B again; the final state must be
	// exactly one active vote on B.
	engine, _, emitter := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitterA := newTestAddress(0x0A)
	submitterB := newTestAddress(0x0B)
	voter := newTestAddress(0x0C)
	fund(t, engine, creator, 1_000)

	b, _ := mustCreate(t, engine, creator, 100, 100)
	if _, err := engine.SubmitProof(b.ID, submitterA, "proof-a", ""); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := engine.SubmitProof(b.ID, submitterB, "proof-b", ""); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	tally, err := engine.Vote(b.ID, voter, submitterA)
	if err != nil {
		t.Fatalf("vote A: %v", err)
	}
	if tally != 1 {
		t.Fatalf("tally A = %d, want 1", tally)
	}

	tally, err = engine.Vote(b.ID, voter, submitterB)
	if err != nil {
		t.Fatalf("vote B: %v", err)
	}
	if tally != 1 {
		t.Fatalf("tally B = %d, want 1", tally)
	}
	tallyA, err := engine.Tally(b.ID, submitterA)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tallyA != 0 {
		t.Fatalf("tally A after switch = %d, want 0", tallyA)
	}

	eventsBefore := len(emitter.types())
	tally, err = engine.Vote(b.ID, voter, submitterB)
	if err != nil {
		t.Fatalf("re-vote B: %v", err)
	}
	if tally != 1 {
		t.Fatalf("idempotent re-vote changed tally: %d", tally)
	}
	if len(emitter.types()) != eventsBefore {
		t.Fatal("idempotent re-vote emitted an event")
	}

	tallies, err := engine.Tallies(b.ID)
	if err != nil {
		t.Fatalf("tallies: %v", err)
	}
	if tallies[submitterA] != 0 || tallies[submitterB] != 1 {
		t.Fatalf("tallies = %v", tallies)
	}
}

func TestVoteGuards(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	submitter := newTestAddress(0x02)
	voter := newTestAddress(0x03)
	fund(t, engine, creator, 1_000)

	b, capToken := mustCreate(t, engine, creator, 100, 100)
	if _, err := engine.SubmitProof(b.ID, submitter, "proof-ref", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := engine.Vote(b.ID, submitter, submitter); !errors.Is(err, ErrSelfVote) {
		t.Fatalf("expected ErrSelfVote, got %v", err)
	}
	if _, err := engine.Vote(b.ID, creator, submitter); !errors.Is(err, ErrCreatorVote) {
		t.Fatalf("expected ErrCreatorVote, got %v", err)
	}
	if _, err := engine.Vote(b.ID, voter, newTestAddress(0x99)); !errors.Is(err, ErrNoSuchSubmitter) {
		t.Fatalf("expected ErrNoSuchSubmitter, got %v", err)
	}

	if _, err := engine.Award(b.ID, capToken, submitter, 0); err != nil {
		t.Fatalf("award: %v", err)
	}
	if _, err := engine.Vote(b.ID, voter, submitter); !errors.Is(err, ErrBountyNotOpen) {
		t.Fatalf("expected ErrBountyNotOpen, got %v", err)
	}
}

func TestCreatorSubmitPolicy(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 1_000)
	b, _ := mustCreate(t, engine, creator, 100, 100)

	if _, err := engine.SubmitProof(b.ID, creator, "proof-ref", ""); err != nil {
		t.Fatalf("default policy should allow creator submissions: %v", err)
	}

	engine.SetPolicy(Policy{AllowCreatorSubmit: false})
	if _, err := engine.SubmitProof(b.ID, creator, "proof-ref", ""); !errors.Is(err, ErrCreatorSubmission) {
		t.Fatalf("expected ErrCreatorSubmission, got %v", err)
	}
}

func TestFundsConservation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	creator := newTestAddress(0x01)
	fund(t, engine, creator, 500)

	b, capToken := mustCreate(t, engine, creator, 500, 250, 150, 100)
	winners := [][20]byte{newTestAddress(0x02), newTestAddress(0x03), newTestAddress(0x04)}
	for i, winner := range winners {
		if _, err := engine.SubmitProof(b.ID, winner, "proof-ref", ""); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	total := big.NewInt(0)
	for i, winner := range winners {
		paid, err := engine.Award(b.ID, capToken, winner, uint64(i))
		if err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
		total.Add(total, paid)
	}
	if total.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("total paid = %s, want 500", total)
	}

	current, err := engine.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Escrow.Sign() != 0 {
		t.Fatalf("escrow = %s, want 0", current.Escrow)
	}
	if current.Status != StatusClosed {
		t.Fatalf("status = %v, want closed", current.Status)
	}
}

func TestQueriesOnUnknownBounty(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	var id [32]byte
	id[0] = 0x42

	if _, err := engine.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Submissions(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Awards(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
