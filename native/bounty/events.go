package bounty

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"diditd/core/types"
)

const (
	EventTypeBountyCreated  = "bounty.created"
	EventTypeProofSubmitted = "bounty.proof_submitted"
	EventTypeVoteCast       = "bounty.vote_cast"
	EventTypeBountyAwarded  = "bounty.awarded"
	EventTypeBountyClosed   = "bounty.closed"
)

// BountyCreated is emitted once per createBounty. Indexers use it to seed the
// registry views.
type BountyCreated struct {
	ID            [32]byte
	OffchainID    string
	Creator       [20]byte
	Title         string
	Funding       *big.Int
	PrizeSchedule []*big.Int
	Deadline      int64
	CreatedAt     int64
}

func (BountyCreated) EventType() string { return EventTypeBountyCreated }

func (e BountyCreated) Event() *types.Event {
	attrs := map[string]string{
		"id":         hex.EncodeToString(e.ID[:]),
		"offchainId": e.OffchainID,
		"creator":    hex.EncodeToString(e.Creator[:]),
		"title":      e.Title,
		"funding":    formatAmount(e.Funding),
		"positions":  strconv.Itoa(len(e.PrizeSchedule)),
		"createdAt":  strconv.FormatInt(e.CreatedAt, 10),
	}
	if e.Deadline > 0 {
		attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
	}
	return &types.Event{Type: EventTypeBountyCreated, Attributes: attrs}
}

// ProofSubmitted is emitted for every accepted submission, including
// resubmissions by the same address.
type ProofSubmitted struct {
	BountyID     [32]byte
	Submitter    [20]byte
	SubmissionNo uint64
	ProofRef     string
	MetadataRef  string
	SubmittedAt  int64
}

func (ProofSubmitted) EventType() string { return EventTypeProofSubmitted }

func (e ProofSubmitted) Event() *types.Event {
	attrs := map[string]string{
		"bountyId":     hex.EncodeToString(e.BountyID[:]),
		"submitter":    hex.EncodeToString(e.Submitter[:]),
		"submissionNo": strconv.FormatUint(e.SubmissionNo, 10),
		"proofRef":     e.ProofRef,
		"submittedAt":  strconv.FormatInt(e.SubmittedAt, 10),
	}
	if e.MetadataRef != "" {
		attrs["metadataRef"] = e.MetadataRef
	}
	return &types.Event{Type: EventTypeProofSubmitted, Attributes: attrs}
}

// VoteCast is emitted on every effective vote, carrying the target's tally
// after the vote applied. Consumers reconstructing tallies must fold only the
// latest event per voter; earlier events reflect superseded state.
type VoteCast struct {
	BountyID [32]byte
	Voter    [20]byte
	Target   [20]byte
	NewTally uint64
	CastAt   int64
}

func (VoteCast) EventType() string { return EventTypeVoteCast }

func (e VoteCast) Event() *types.Event {
	return &types.Event{
		Type: EventTypeVoteCast,
		Attributes: map[string]string{
			"bountyId": hex.EncodeToString(e.BountyID[:]),
			"voter":    hex.EncodeToString(e.Voter[:]),
			"target":   hex.EncodeToString(e.Target[:]),
			"newTally": strconv.FormatUint(e.NewTally, 10),
			"castAt":   strconv.FormatInt(e.CastAt, 10),
		},
	}
}

// BountyAwarded is the canonical source for leaderboard aggregation.
type BountyAwarded struct {
	BountyID  [32]byte
	Winner    [20]byte
	Position  uint64
	Amount    *big.Int
	AwardedAt int64
}

func (BountyAwarded) EventType() string { return EventTypeBountyAwarded }

func (e BountyAwarded) Event() *types.Event {
	return &types.Event{
		Type: EventTypeBountyAwarded,
		Attributes: map[string]string{
			"bountyId":  hex.EncodeToString(e.BountyID[:]),
			"winner":    hex.EncodeToString(e.Winner[:]),
			"position":  strconv.FormatUint(e.Position, 10),
			"amount":    formatAmount(e.Amount),
			"awardedAt": strconv.FormatInt(e.AwardedAt, 10),
		},
	}
}

// BountyClosed marks the terminal transition once every position is awarded.
type BountyClosed struct {
	BountyID [32]byte
	ClosedAt int64
}

func (BountyClosed) EventType() string { return EventTypeBountyClosed }

func (e BountyClosed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeBountyClosed,
		Attributes: map[string]string{
			"bountyId": hex.EncodeToString(e.BountyID[:]),
			"closedAt": strconv.FormatInt(e.ClosedAt, 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
