package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"diditd/core/types"
	"diditd/native/bounty"
	"diditd/storage"
)

var (
	bountyRecordPrefix  = []byte("didit/bounty/")
	registryIndexPrefix = []byte("didit/registry/")
	registryCountKey    = []byte("didit/registry-count")
	capLockPrefix       = []byte("didit/cap/")
	submissionPrefix    = []byte("didit/submission/")
	submitterPrefix     = []byte("didit/submitter/")
	votePrefix          = []byte("didit/vote/")
	tallyPrefix         = []byte("didit/tally/")
	awardPrefix         = []byte("didit/award/")
	accountPrefix       = []byte("didit/account/")
)

// Manager persists ledger records in a key-value store and satisfies the
// bounty engine's state interface. Record payloads are RLP encoded through
// stored-record adapters because RLP has no native map or signed-integer
// support.
type Manager struct {
	db storage.Database
}

// NewManager wraps the database in a ledger state manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}

func uint64Key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

type storedBounty struct {
	ID              [32]byte
	OffchainID      string
	Creator         [20]byte
	Title           string
	Description     string
	Funding         *big.Int
	Escrow          *big.Int
	PrizeSchedule   []*big.Int
	Deadline        *big.Int
	CreatedAt       *big.Int
	Status          uint8
	SubmissionCount uint64
	WinnerPositions []uint64
	WinnerAddresses [][20]byte
}

func newStoredBounty(b *bounty.Bounty) *storedBounty {
	clone := b.Clone()
	stored := &storedBounty{
		ID:              clone.ID,
		OffchainID:      clone.OffchainID,
		Creator:         clone.Creator,
		Title:           clone.Title,
		Description:     clone.Description,
		Funding:         clone.Funding,
		Escrow:          clone.Escrow,
		PrizeSchedule:   clone.PrizeSchedule,
		Deadline:        big.NewInt(clone.Deadline),
		CreatedAt:       big.NewInt(clone.CreatedAt),
		Status:          uint8(clone.Status),
		SubmissionCount: clone.SubmissionCount,
	}
	// Winners serialize as parallel slices in ascending position order so the
	// encoding stays deterministic.
	positions := make([]uint64, 0, len(clone.Winners))
	for position := range clone.Winners {
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, position := range positions {
		stored.WinnerPositions = append(stored.WinnerPositions, position)
		stored.WinnerAddresses = append(stored.WinnerAddresses, clone.Winners[position])
	}
	return stored
}

func (s *storedBounty) toBounty() (*bounty.Bounty, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil bounty record")
	}
	if len(s.WinnerPositions) != len(s.WinnerAddresses) {
		return nil, fmt.Errorf("state: corrupted winners encoding")
	}
	status := bounty.Status(s.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("state: invalid bounty status %d", s.Status)
	}
	out := &bounty.Bounty{
		ID:              s.ID,
		OffchainID:      s.OffchainID,
		Creator:         s.Creator,
		Title:           s.Title,
		Description:     s.Description,
		Funding:         s.Funding,
		Escrow:          s.Escrow,
		PrizeSchedule:   s.PrizeSchedule,
		Status:          status,
		SubmissionCount: s.SubmissionCount,
		Winners:         make(map[uint64][20]byte, len(s.WinnerPositions)),
	}
	if s.Deadline != nil {
		out.Deadline = s.Deadline.Int64()
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	for i, position := range s.WinnerPositions {
		out.Winners[position] = s.WinnerAddresses[i]
	}
	return out.Clone(), nil
}

// BountyPut persists the bounty record.
func (m *Manager) BountyPut(b *bounty.Bounty) error {
	if b == nil {
		return fmt.Errorf("state: nil bounty")
	}
	encoded, err := rlp.EncodeToBytes(newStoredBounty(b))
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(bountyRecordPrefix, b.ID[:]), encoded)
}

// BountyGet loads a bounty by identifier.
func (m *Manager) BountyGet(id [32]byte) (*bounty.Bounty, bool, error) {
	raw, err := m.db.Get(prefixedKey(bountyRecordPrefix, id[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored := new(storedBounty)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, false, err
	}
	b, err := stored.toBounty()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// RegistryAppend adds the bounty id to the global append-only index.
func (m *Manager) RegistryAppend(id [32]byte) error {
	count, err := m.registryCount()
	if err != nil {
		return err
	}
	if err := m.db.Put(prefixedKey(registryIndexPrefix, uint64Key(count)), id[:]); err != nil {
		return err
	}
	return m.db.Put(registryCountKey, uint64Key(count+1))
}

// RegistryList returns every registered bounty id in insertion order.
func (m *Manager) RegistryList() ([][32]byte, error) {
	var out [][32]byte
	err := m.db.IteratePrefix(registryIndexPrefix, func(_, value []byte) error {
		if len(value) != 32 {
			return fmt.Errorf("state: corrupted registry entry")
		}
		var id [32]byte
		copy(id[:], value)
		out = append(out, id)
		return nil
	})
	return out, err
}

func (m *Manager) registryCount() (uint64, error) {
	raw, err := m.db.Get(registryCountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: corrupted registry counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// CapLockPut stores the keccak lock of the creator capability.
func (m *Manager) CapLockPut(id [32]byte, lock [32]byte) error {
	return m.db.Put(prefixedKey(capLockPrefix, id[:]), lock[:])
}

// CapLockGet loads the capability lock for the bounty.
func (m *Manager) CapLockGet(id [32]byte) ([32]byte, bool, error) {
	raw, err := m.db.Get(prefixedKey(capLockPrefix, id[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, err
	}
	if len(raw) != 32 {
		return [32]byte{}, false, fmt.Errorf("state: corrupted capability lock")
	}
	var lock [32]byte
	copy(lock[:], raw)
	return lock, true, nil
}

type storedSubmission struct {
	BountyID     [32]byte
	Submitter    [20]byte
	SubmissionNo uint64
	ProofRef     string
	MetadataRef  string
	SubmittedAt  *big.Int
}

// SubmissionPut persists the submission record and marks the submitter as a
// known participant of the bounty.
func (m *Manager) SubmissionPut(sub *bounty.Submission) error {
	if sub == nil {
		return fmt.Errorf("state: nil submission")
	}
	encoded, err := rlp.EncodeToBytes(&storedSubmission{
		BountyID:     sub.BountyID,
		Submitter:    sub.Submitter,
		SubmissionNo: sub.SubmissionNo,
		ProofRef:     sub.ProofRef,
		MetadataRef:  sub.MetadataRef,
		SubmittedAt:  big.NewInt(sub.SubmittedAt),
	})
	if err != nil {
		return err
	}
	key := prefixedKey(submissionPrefix, sub.BountyID[:], uint64Key(sub.SubmissionNo))
	if err := m.db.Put(key, encoded); err != nil {
		return err
	}
	return m.db.Put(prefixedKey(submitterPrefix, sub.BountyID[:], sub.Submitter[:]), []byte{1})
}

// SubmissionList returns all submissions to the bounty ordered by submission
// number.
func (m *Manager) SubmissionList(id [32]byte) ([]*bounty.Submission, error) {
	var out []*bounty.Submission
	err := m.db.IteratePrefix(prefixedKey(submissionPrefix, id[:]), func(_, value []byte) error {
		stored := new(storedSubmission)
		if err := rlp.DecodeBytes(value, stored); err != nil {
			return err
		}
		sub := &bounty.Submission{
			BountyID:     stored.BountyID,
			Submitter:    stored.Submitter,
			SubmissionNo: stored.SubmissionNo,
			ProofRef:     stored.ProofRef,
			MetadataRef:  stored.MetadataRef,
		}
		if stored.SubmittedAt != nil {
			sub.SubmittedAt = stored.SubmittedAt.Int64()
		}
		out = append(out, sub)
		return nil
	})
	return out, err
}

// HasSubmitted reports whether the address submitted to the bounty at least
// once.
func (m *Manager) HasSubmitted(id [32]byte, submitter [20]byte) (bool, error) {
	return m.db.Has(prefixedKey(submitterPrefix, id[:], submitter[:]))
}

type storedVote struct {
	BountyID    [32]byte
	Voter       [20]byte
	Target      [20]byte
	CastAt      *big.Int
	TallyAtCast uint64
}

// VotePut stores or overwrites the voter's active vote record.
func (m *Manager) VotePut(v *bounty.Vote) error {
	if v == nil {
		return fmt.Errorf("state: nil vote")
	}
	encoded, err := rlp.EncodeToBytes(&storedVote{
		BountyID:    v.BountyID,
		Voter:       v.Voter,
		Target:      v.Target,
		CastAt:      big.NewInt(v.CastAt),
		TallyAtCast: v.TallyAtCast,
	})
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(votePrefix, v.BountyID[:], v.Voter[:]), encoded)
}

// VoteGet loads the voter's active vote in the bounty, if any.
func (m *Manager) VoteGet(id [32]byte, voter [20]byte) (*bounty.Vote, bool, error) {
	raw, err := m.db.Get(prefixedKey(votePrefix, id[:], voter[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored := new(storedVote)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, false, err
	}
	v := &bounty.Vote{
		BountyID:    stored.BountyID,
		Voter:       stored.Voter,
		Target:      stored.Target,
		TallyAtCast: stored.TallyAtCast,
	}
	if stored.CastAt != nil {
		v.CastAt = stored.CastAt.Int64()
	}
	return v, true, nil
}

// TallyGet returns the submitter's current active vote count.
func (m *Manager) TallyGet(id [32]byte, submitter [20]byte) (uint64, error) {
	raw, err := m.db.Get(prefixedKey(tallyPrefix, id[:], submitter[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: corrupted tally")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// TallyPut stores the submitter's active vote count.
func (m *Manager) TallyPut(id [32]byte, submitter [20]byte, tally uint64) error {
	return m.db.Put(prefixedKey(tallyPrefix, id[:], submitter[:]), uint64Key(tally))
}

// TallyList returns every stored tally for the bounty keyed by submitter.
func (m *Manager) TallyList(id [32]byte) (map[[20]byte]uint64, error) {
	prefix := prefixedKey(tallyPrefix, id[:])
	out := make(map[[20]byte]uint64)
	err := m.db.IteratePrefix(prefix, func(key, value []byte) error {
		suffix := key[len(prefix):]
		if len(suffix) != 20 || len(value) != 8 {
			return fmt.Errorf("state: corrupted tally entry")
		}
		var submitter [20]byte
		copy(submitter[:], suffix)
		out[submitter] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type storedAward struct {
	BountyID  [32]byte
	Position  uint64
	Winner    [20]byte
	Amount    *big.Int
	AwardedAt *big.Int
}

// AwardPut persists the immutable award record.
func (m *Manager) AwardPut(a *bounty.Award) error {
	if a == nil {
		return fmt.Errorf("state: nil award")
	}
	clone := a.Clone()
	encoded, err := rlp.EncodeToBytes(&storedAward{
		BountyID:  clone.BountyID,
		Position:  clone.Position,
		Winner:    clone.Winner,
		Amount:    clone.Amount,
		AwardedAt: big.NewInt(clone.AwardedAt),
	})
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(awardPrefix, a.BountyID[:], uint64Key(a.Position)), encoded)
}

// AwardList returns the bounty's awards ordered by position.
func (m *Manager) AwardList(id [32]byte) ([]*bounty.Award, error) {
	var out []*bounty.Award
	err := m.db.IteratePrefix(prefixedKey(awardPrefix, id[:]), func(_, value []byte) error {
		stored := new(storedAward)
		if err := rlp.DecodeBytes(value, stored); err != nil {
			return err
		}
		award := &bounty.Award{
			BountyID: stored.BountyID,
			Position: stored.Position,
			Winner:   stored.Winner,
			Amount:   stored.Amount,
		}
		if stored.AwardedAt != nil {
			award.AwardedAt = stored.AwardedAt.Int64()
		}
		out = append(out, award.Clone())
		return nil
	})
	return out, err
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the account for the address, returning an empty account
// when the address is unknown.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	raw, err := m.db.Get(prefixedKey(accountPrefix, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, err
	}
	acc := &types.Account{Nonce: stored.Nonce, Balance: big.NewInt(0)}
	if stored.Balance != nil {
		acc.Balance = new(big.Int).Set(stored.Balance)
	}
	return acc, nil
}

// PutAccount persists the account record.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	clone := account.Clone()
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: clone.Nonce, Balance: clone.Balance})
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(accountPrefix, addr), encoded)
}
