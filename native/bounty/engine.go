package bounty

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"diditd/core/events"
	"diditd/core/types"
)

var errNilState = errors.New("bounty engine: state not configured")

type engineState interface {
	BountyPut(*Bounty) error
	BountyGet(id [32]byte) (*Bounty, bool, error)
	RegistryAppend(id [32]byte) error
	RegistryList() ([][32]byte, error)
	CapLockPut(id [32]byte, lock [32]byte) error
	CapLockGet(id [32]byte) ([32]byte, bool, error)
	SubmissionPut(*Submission) error
	SubmissionList(id [32]byte) ([]*Submission, error)
	HasSubmitted(id [32]byte, submitter [20]byte) (bool, error)
	VoteGet(id [32]byte, voter [20]byte) (*Vote, bool, error)
	VotePut(*Vote) error
	TallyGet(id [32]byte, submitter [20]byte) (uint64, error)
	TallyPut(id [32]byte, submitter [20]byte, tally uint64) error
	TallyList(id [32]byte) (map[[20]byte]uint64, error)
	AwardPut(*Award) error
	AwardList(id [32]byte) ([]*Award, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Cap is the creator capability minted once per bounty. The ledger stores only
// its keccak256 lock; holding the preimage is the sole proof of award
// authority.
type Cap [32]byte

// Policy captures the configurable ledger rules whose behaviour differed
// between observed client deployments.
type Policy struct {
	// AllowCreatorSubmit permits the bounty creator to submit proof to their
	// own bounty. Creators can never vote regardless of this flag.
	AllowCreatorSubmit bool
}

// DefaultPolicy allows creator submissions while keeping creator votes
// forbidden.
func DefaultPolicy() Policy {
	return Policy{AllowCreatorSubmit: true}
}

// Engine wires the bounty ledger business logic with external state and event
// emitters. All mutating commands on a single bounty are serialized by a
// per-bounty mutex; commands on distinct bounties run independently. Account
// balances are shared across bounties and guarded separately.
type Engine struct {
	state   engineState
	emitter events.Emitter
	policy  Policy
	nowFn   func() int64

	bountyMu   sync.Map // [32]byte -> *sync.Mutex
	accountsMu sync.Mutex
	registryMu sync.Mutex
}

// NewEngine creates a bounty engine with a no-op emitter and the default
// policy. Callers can override both via SetEmitter and SetPolicy.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  DefaultPolicy(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPolicy configures the ledger policy knobs.
func (e *Engine) SetPolicy(policy Policy) { e.policy = policy }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) lockBounty(id [32]byte) func() {
	muAny, _ := e.bountyMu.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// BountyID derives the deterministic bounty identifier from the creator and
// the caller-supplied offchain identifier.
func BountyID(creator [20]byte, offchainID string) [32]byte {
	return ethcrypto.Keccak256Hash(creator[:], []byte(offchainID))
}

func mintCap() (Cap, [32]byte, error) {
	var token Cap
	if _, err := rand.Read(token[:]); err != nil {
		return Cap{}, [32]byte{}, fmt.Errorf("bounty: mint capability: %w", err)
	}
	return token, ethcrypto.Keccak256Hash(token[:]), nil
}

func capLock(token Cap) [32]byte {
	return ethcrypto.Keccak256Hash(token[:])
}

func (e *Engine) loadBounty(id [32]byte) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok, err := e.state.BountyGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// Create validates the prize schedule, debits the creator's balance by the
// full funding amount, persists the bounty with its escrow credited, and mints
// the creator capability. The capability preimage is returned exactly once and
// never stored.
func (e *Engine) Create(creator [20]byte, offchainID, title, description string, funding *big.Int, prizeSchedule []*big.Int, deadline int64) (*Bounty, Cap, error) {
	if e == nil || e.state == nil {
		return nil, Cap{}, errNilState
	}
	if strings.TrimSpace(offchainID) == "" {
		return nil, Cap{}, ErrInvalidSchedule
	}
	amount := cloneBigInt(funding)
	if amount.Sign() <= 0 {
		return nil, Cap{}, ErrInvalidAmount
	}
	if len(prizeSchedule) == 0 {
		return nil, Cap{}, ErrInvalidSchedule
	}
	schedule := make([]*big.Int, len(prizeSchedule))
	total := big.NewInt(0)
	for i, prize := range prizeSchedule {
		if prize == nil || prize.Sign() <= 0 {
			return nil, Cap{}, ErrInvalidSchedule
		}
		schedule[i] = new(big.Int).Set(prize)
		total.Add(total, prize)
	}
	if total.Cmp(amount) > 0 {
		return nil, Cap{}, ErrInvalidSchedule
	}
	if deadline < 0 {
		return nil, Cap{}, ErrInvalidDeadline
	}

	// The existence check and every write run under the bounty lock so two
	// racing creates with the same identifier cannot both pass the check.
	id := BountyID(creator, offchainID)
	unlock := e.lockBounty(id)
	defer unlock()
	if _, ok, err := e.state.BountyGet(id); err != nil {
		return nil, Cap{}, err
	} else if ok {
		return nil, Cap{}, ErrBountyExists
	}

	token, lock, err := mintCap()
	if err != nil {
		return nil, Cap{}, err
	}

	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()
	acc, err := e.state.GetAccount(creator[:])
	if err != nil {
		return nil, Cap{}, err
	}
	acc = ensureAccount(acc)
	if acc.Balance.Cmp(amount) < 0 {
		return nil, Cap{}, ErrInsufficientFunds
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)

	now := e.now()
	b := &Bounty{
		ID:            id,
		OffchainID:    strings.TrimSpace(offchainID),
		Creator:       creator,
		Title:         strings.TrimSpace(title),
		Description:   description,
		Funding:       amount,
		Escrow:        new(big.Int).Set(amount),
		PrizeSchedule: schedule,
		Deadline:      deadline,
		CreatedAt:     now,
		Status:        StatusOpen,
		Winners:       make(map[uint64][20]byte),
	}
	if err := e.state.BountyPut(b); err != nil {
		return nil, Cap{}, err
	}
	if err := e.state.CapLockPut(id, lock); err != nil {
		return nil, Cap{}, err
	}
	e.registryMu.Lock()
	err = e.state.RegistryAppend(id)
	e.registryMu.Unlock()
	if err != nil {
		return nil, Cap{}, err
	}
	// The debit is the final write: a failure in any earlier write leaves the
	// creator balance untouched.
	if err := e.state.PutAccount(creator[:], acc); err != nil {
		return nil, Cap{}, err
	}
	e.emit(BountyCreated{
		ID:            b.ID,
		OffchainID:    b.OffchainID,
		Creator:       b.Creator,
		Title:         b.Title,
		Funding:       cloneBigInt(b.Funding),
		PrizeSchedule: b.Clone().PrizeSchedule,
		Deadline:      b.Deadline,
		CreatedAt:     b.CreatedAt,
	})
	return b.Clone(), token, nil
}

// SubmitProof records a proof submission and assigns the next gapless
// submission number. Repeated submissions by the same address create
// independent records; the ledger does not deduplicate.
func (e *Engine) SubmitProof(id [32]byte, submitter [20]byte, proofRef, metadataRef string) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if strings.TrimSpace(proofRef) == "" {
		return 0, ErrInvalidProofRef
	}
	unlock := e.lockBounty(id)
	defer unlock()

	b, err := e.loadBounty(id)
	if err != nil {
		return 0, err
	}
	if b.Status != StatusOpen {
		return 0, ErrBountyNotOpen
	}
	if !e.policy.AllowCreatorSubmit && submitter == b.Creator {
		return 0, ErrCreatorSubmission
	}

	no := b.SubmissionCount
	sub := &Submission{
		BountyID:     id,
		Submitter:    submitter,
		SubmissionNo: no,
		ProofRef:     strings.TrimSpace(proofRef),
		MetadataRef:  strings.TrimSpace(metadataRef),
		SubmittedAt:  e.now(),
	}
	if err := e.state.SubmissionPut(sub); err != nil {
		return 0, err
	}
	b.SubmissionCount = no + 1
	if err := e.state.BountyPut(b); err != nil {
		return 0, err
	}
	e.emit(ProofSubmitted{
		BountyID:     sub.BountyID,
		Submitter:    sub.Submitter,
		SubmissionNo: sub.SubmissionNo,
		ProofRef:     sub.ProofRef,
		MetadataRef:  sub.MetadataRef,
		SubmittedAt:  sub.SubmittedAt,
	})
	return no, nil
}

// Vote records or redirects the voter's single active vote within the bounty
// and returns the target's tally after the vote applied. Re-voting for the
// current target is a no-op returning the unchanged tally.
func (e *Engine) Vote(id [32]byte, voter, target [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	unlock := e.lockBounty(id)
	defer unlock()

	b, err := e.loadBounty(id)
	if err != nil {
		return 0, err
	}
	if b.Status != StatusOpen {
		return 0, ErrBountyNotOpen
	}
	if voter == target {
		return 0, ErrSelfVote
	}
	if voter == b.Creator {
		return 0, ErrCreatorVote
	}
	submitted, err := e.state.HasSubmitted(id, target)
	if err != nil {
		return 0, err
	}
	if !submitted {
		return 0, ErrNoSuchSubmitter
	}

	prior, hasPrior, err := e.state.VoteGet(id, voter)
	if err != nil {
		return 0, err
	}
	if hasPrior && prior.Target == target {
		return e.state.TallyGet(id, target)
	}
	if hasPrior {
		priorTally, err := e.state.TallyGet(id, prior.Target)
		if err != nil {
			return 0, err
		}
		if priorTally > 0 {
			priorTally--
		}
		if err := e.state.TallyPut(id, prior.Target, priorTally); err != nil {
			return 0, err
		}
	}
	tally, err := e.state.TallyGet(id, target)
	if err != nil {
		return 0, err
	}
	tally++
	if err := e.state.TallyPut(id, target, tally); err != nil {
		return 0, err
	}
	now := e.now()
	if err := e.state.VotePut(&Vote{
		BountyID:    id,
		Voter:       voter,
		Target:      target,
		CastAt:      now,
		TallyAtCast: tally,
	}); err != nil {
		return 0, err
	}
	e.emit(VoteCast{
		BountyID: id,
		Voter:    voter,
		Target:   target,
		NewTally: tally,
		CastAt:   now,
	})
	return tally, nil
}

// Award settles one prize position: it verifies the creator capability,
// rejects consumed positions, debits the escrow by exactly the scheduled
// amount and credits the winner. The bounty closes within the same critical
// section once every position is filled.
func (e *Engine) Award(id [32]byte, authority Cap, winner [20]byte, position uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.lockBounty(id)
	defer unlock()

	b, err := e.loadBounty(id)
	if err != nil {
		return nil, err
	}
	lock, ok, err := e.state.CapLockGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || capLock(authority) != lock {
		return nil, ErrInvalidCap
	}
	if b.Status != StatusOpen {
		return nil, ErrBountyNotOpen
	}
	if position >= uint64(len(b.PrizeSchedule)) {
		return nil, ErrInvalidPosition
	}
	if _, taken := b.Winners[position]; taken {
		return nil, ErrPositionAwarded
	}
	amount := cloneBigInt(b.PrizeSchedule[position])
	// Escrow can only fall below the scheduled amount if stored state was
	// tampered with out of band.
	if b.Escrow == nil || b.Escrow.Cmp(amount) < 0 {
		return nil, ErrInsufficientEscrow
	}

	now := e.now()
	b.Escrow = new(big.Int).Sub(b.Escrow, amount)
	b.Winners[position] = winner
	closed := b.AllAwarded()
	if closed {
		b.Status = StatusClosed
	}

	if err := e.state.AwardPut(&Award{
		BountyID:  id,
		Position:  position,
		Winner:    winner,
		Amount:    new(big.Int).Set(amount),
		AwardedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := e.state.BountyPut(b); err != nil {
		return nil, err
	}

	// The position is consumed before the winner is credited; a storage
	// failure here can leave the winner unpaid but never payable twice.
	e.accountsMu.Lock()
	acc, err := e.state.GetAccount(winner[:])
	if err != nil {
		e.accountsMu.Unlock()
		return nil, err
	}
	acc = ensureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	err = e.state.PutAccount(winner[:], acc)
	e.accountsMu.Unlock()
	if err != nil {
		return nil, err
	}
	e.emit(BountyAwarded{
		BountyID:  id,
		Winner:    winner,
		Position:  position,
		Amount:    new(big.Int).Set(amount),
		AwardedAt: now,
	})
	if closed {
		e.emit(BountyClosed{BountyID: id, ClosedAt: now})
	}
	return amount, nil
}

// Get returns a copy of the bounty.
func (e *Engine) Get(id [32]byte) (*Bounty, error) {
	unlock := e.lockBounty(id)
	defer unlock()
	b, err := e.loadBounty(id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// List returns all bounties in creation order.
func (e *Engine) List() ([]*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.RegistryList()
	if err != nil {
		return nil, err
	}
	out := make([]*Bounty, 0, len(ids))
	for _, id := range ids {
		b, ok, err := e.state.BountyGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

// Submissions lists every submission to the bounty ordered by submission
// number.
func (e *Engine) Submissions(id [32]byte) ([]*Submission, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.Get(id); err != nil {
		return nil, err
	}
	subs, err := e.state.SubmissionList(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Submission, len(subs))
	for i, sub := range subs {
		out[i] = sub.Clone()
	}
	return out, nil
}

// Tally returns the current active vote count for the submitter.
func (e *Engine) Tally(id [32]byte, submitter [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if _, err := e.Get(id); err != nil {
		return 0, err
	}
	return e.state.TallyGet(id, submitter)
}

// Tallies returns the active vote counts for every submitter with at least one
// recorded tally entry.
func (e *Engine) Tallies(id [32]byte) (map[[20]byte]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.Get(id); err != nil {
		return nil, err
	}
	return e.state.TallyList(id)
}

// Awards lists recorded awards for the bounty ordered by position.
func (e *Engine) Awards(id [32]byte) ([]*Award, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.Get(id); err != nil {
		return nil, err
	}
	awards, err := e.state.AwardList(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Award, len(awards))
	for i, award := range awards {
		out[i] = award.Clone()
	}
	return out, nil
}

// FundAccount credits an account balance directly. Used for genesis-style
// prefunding and tests; production deposits arrive through the gateway layer.
func (e *Engine) FundAccount(addr [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amt)
	return e.state.PutAccount(addr[:], acc)
}

// BalanceOf returns the current spendable balance for the address.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(acc).Balance), nil
}
