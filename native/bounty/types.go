package bounty

import "math/big"

// Status represents the lifecycle states of a bounty. A bounty opens on
// creation and closes exactly when every prize position has a recorded winner;
// there is no other transition.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bounty captures the escrowed prize pool and award bookkeeping for a single
// task. The identifier is the keccak256 hash of the creator address and the
// caller-supplied offchain identifier, yielding deterministic IDs without an
// on-ledger nonce.
type Bounty struct {
	ID              [32]byte
	OffchainID      string
	Creator         [20]byte
	Title           string
	Description     string
	Funding         *big.Int
	Escrow          *big.Int
	PrizeSchedule   []*big.Int
	Deadline        int64
	CreatedAt       int64
	Status          Status
	SubmissionCount uint64
	Winners         map[uint64][20]byte
}

// Clone returns a deep copy of the bounty so callers can safely mutate the
// copy without affecting the stored instance.
func (b *Bounty) Clone() *Bounty {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Funding != nil {
		clone.Funding = new(big.Int).Set(b.Funding)
	} else {
		clone.Funding = big.NewInt(0)
	}
	if b.Escrow != nil {
		clone.Escrow = new(big.Int).Set(b.Escrow)
	} else {
		clone.Escrow = big.NewInt(0)
	}
	clone.PrizeSchedule = make([]*big.Int, len(b.PrizeSchedule))
	for i, amount := range b.PrizeSchedule {
		if amount != nil {
			clone.PrizeSchedule[i] = new(big.Int).Set(amount)
		} else {
			clone.PrizeSchedule[i] = big.NewInt(0)
		}
	}
	clone.Winners = make(map[uint64][20]byte, len(b.Winners))
	for position, winner := range b.Winners {
		clone.Winners[position] = winner
	}
	return &clone
}

// AllAwarded reports whether every prize position has a recorded winner.
func (b *Bounty) AllAwarded() bool {
	if b == nil {
		return false
	}
	return len(b.Winners) == len(b.PrizeSchedule)
}

// Submission records a single proof submission. Submission numbers are
// assigned per bounty, gapless and strictly increasing from zero.
type Submission struct {
	BountyID     [32]byte
	Submitter    [20]byte
	SubmissionNo uint64
	ProofRef     string
	MetadataRef  string
	SubmittedAt  int64
}

// Clone returns a copy of the submission record.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Vote is a voter's single active vote within a bounty. Re-voting for a
// different submitter redirects the vote; the record is overwritten in place.
type Vote struct {
	BountyID [32]byte
	Voter    [20]byte
	Target   [20]byte
	CastAt   int64
	// TallyAtCast snapshots the target's total active votes immediately after
	// this vote applied.
	TallyAtCast uint64
}

// Clone returns a copy of the vote record.
func (v *Vote) Clone() *Vote {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// Award records the settlement of one prize position. At most one award may
// ever exist per (bounty, position); the record is immutable once written.
type Award struct {
	BountyID  [32]byte
	Position  uint64
	Winner    [20]byte
	Amount    *big.Int
	AwardedAt int64
}

// Clone returns a deep copy of the award record.
func (a *Award) Clone() *Award {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Amount != nil {
		clone.Amount = new(big.Int).Set(a.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}
