package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"diditd/native/bounty"
	"diditd/observability/metrics"
)

type bountyCreateParams struct {
	Creator       string   `json:"creator"`
	OffchainID    string   `json:"offchainId,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Funding       string   `json:"funding"`
	PrizeSchedule []string `json:"prizeSchedule"`
	Deadline      int64    `json:"deadline,omitempty"`
}

type bountyCreateResult struct {
	ID  string `json:"id"`
	Cap string `json:"cap"`
}

type bountySubmitParams struct {
	BountyID    string `json:"bountyId"`
	Submitter   string `json:"submitter"`
	ProofRef    string `json:"proofRef"`
	MetadataRef string `json:"metadataRef,omitempty"`
}

type bountySubmitResult struct {
	SubmissionNo uint64 `json:"submissionNo"`
}

type bountyVoteParams struct {
	BountyID string `json:"bountyId"`
	Voter    string `json:"voter"`
	Target   string `json:"target"`
}

type bountyVoteResult struct {
	NewTally uint64 `json:"newTally"`
}

type bountyAwardParams struct {
	BountyID string `json:"bountyId"`
	Cap      string `json:"cap"`
	Winner   string `json:"winner"`
	Position uint64 `json:"position"`
}

type bountyAwardResult struct {
	AmountPaid string `json:"amountPaid"`
}

type bountyFundParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type bountyIDParams struct {
	BountyID string `json:"bountyId"`
}

type bountyTallyParams struct {
	BountyID  string `json:"bountyId"`
	Submitter string `json:"submitter"`
}

type bountyLimitParams struct {
	Limit int `json:"limit,omitempty"`
}

type bountyAddressParams struct {
	Address string `json:"address"`
}

type bountyJSON struct {
	ID              string            `json:"id"`
	OffchainID      string            `json:"offchainId"`
	Creator         string            `json:"creator"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Funding         string            `json:"funding"`
	Escrow          string            `json:"escrow"`
	PrizeSchedule   []string          `json:"prizeSchedule"`
	Deadline        int64             `json:"deadline,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	Status          string            `json:"status"`
	SubmissionCount uint64            `json:"submissionCount"`
	Winners         map[string]string `json:"winners"`
}

type submissionJSON struct {
	BountyID     string `json:"bountyId"`
	Submitter    string `json:"submitter"`
	SubmissionNo uint64 `json:"submissionNo"`
	ProofRef     string `json:"proofRef"`
	MetadataRef  string `json:"metadataRef,omitempty"`
	SubmittedAt  int64  `json:"submittedAt"`
}

type awardJSON struct {
	BountyID  string `json:"bountyId"`
	Position  uint64 `json:"position"`
	Winner    string `json:"winner"`
	Amount    string `json:"amount"`
	AwardedAt int64  `json:"awardedAt"`
}

func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid address: %w", err)
	}
	if len(raw) != 20 {
		return [20]byte{}, fmt.Errorf("invalid address length: %d", len(raw))
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, nil
}

func parseHash32(value, label string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid %s: %w", label, err)
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid %s length: %d", label, len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	return amount, nil
}

func formatBountyJSON(b *bounty.Bounty) bountyJSON {
	out := bountyJSON{
		ID:              hex.EncodeToString(b.ID[:]),
		OffchainID:      b.OffchainID,
		Creator:         hex.EncodeToString(b.Creator[:]),
		Title:           b.Title,
		Description:     b.Description,
		Funding:         b.Funding.String(),
		Escrow:          b.Escrow.String(),
		Deadline:        b.Deadline,
		CreatedAt:       b.CreatedAt,
		Status:          b.Status.String(),
		SubmissionCount: b.SubmissionCount,
		Winners:         make(map[string]string, len(b.Winners)),
	}
	out.PrizeSchedule = make([]string, len(b.PrizeSchedule))
	for i, prize := range b.PrizeSchedule {
		out.PrizeSchedule[i] = prize.String()
	}
	for position, winner := range b.Winners {
		out.Winners[strconv.FormatUint(position, 10)] = hex.EncodeToString(winner[:])
	}
	return out
}

func writeBountyError(w http.ResponseWriter, req *RPCRequest, err error) {
	id := req.ID
	if code := bounty.CodeOf(err); code != "" {
		metrics.Ledger().ObserveError(req.Method, string(code))
	}
	switch bounty.CodeOf(err) {
	case bounty.CodeValidation:
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	case bounty.CodeAuthorization:
		writeError(w, http.StatusForbidden, id, codeUnauthorized, "forbidden", err.Error())
	case bounty.CodeConflict:
		writeError(w, http.StatusConflict, id, codeConflict, "conflict", err.Error())
	case bounty.CodeResource:
		writeError(w, http.StatusConflict, id, codeResource, "resource_exhausted", err.Error())
	case bounty.CodeNotFound:
		writeError(w, http.StatusNotFound, id, codeNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeInternal, "internal_error", err.Error())
	}
}

func singleParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleBountyCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyCreateParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	funding, err := parseAmount(params.Funding)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	schedule := make([]*big.Int, len(params.PrizeSchedule))
	for i, raw := range params.PrizeSchedule {
		prize, err := parseAmount(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		schedule[i] = prize
	}
	offchainID := strings.TrimSpace(params.OffchainID)
	if offchainID == "" {
		offchainID = uuid.NewString()
	} else if _, err := uuid.Parse(offchainID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "offchainId must be a UUID")
		return
	}
	b, capToken, err := s.engine.Create(creator, offchainID, params.Title, params.Description, funding, schedule, params.Deadline)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, bountyCreateResult{
		ID:  hex.EncodeToString(b.ID[:]),
		Cap: hex.EncodeToString(capToken[:]),
	})
}

func (s *Server) handleBountySubmitProof(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountySubmitParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	submitter, err := parseAddress(params.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	no, err := s.engine.SubmitProof(id, submitter, params.ProofRef, params.MetadataRef)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, bountySubmitResult{SubmissionNo: no})
}

func (s *Server) handleBountyVote(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyVoteParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	voter, err := parseAddress(params.Voter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	target, err := parseAddress(params.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	tally, err := s.engine.Vote(id, voter, target)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, bountyVoteResult{NewTally: tally})
}

func (s *Server) handleBountyAward(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyAwardParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	capRaw, err := parseHash32(params.Cap, "capability")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	winner, err := parseAddress(params.Winner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.engine.Award(id, bounty.Cap(capRaw), winner, params.Position)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, bountyAwardResult{AmountPaid: amount.String()})
}

func (s *Server) handleBountyFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyFundParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.FundAccount(addr, amount); err != nil {
		writeBountyError(w, req, err)
		return
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

func (s *Server) handleBountyGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	b, err := s.engine.Get(id)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatBountyJSON(b))
}

func (s *Server) handleBountyList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	bounties, err := s.engine.List()
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	out := make([]bountyJSON, len(bounties))
	for i, b := range bounties {
		out[i] = formatBountyJSON(b)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBountyListSubmissions(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	subs, err := s.engine.Submissions(id)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	out := make([]submissionJSON, len(subs))
	for i, sub := range subs {
		out[i] = submissionJSON{
			BountyID:     hex.EncodeToString(sub.BountyID[:]),
			Submitter:    hex.EncodeToString(sub.Submitter[:]),
			SubmissionNo: sub.SubmissionNo,
			ProofRef:     sub.ProofRef,
			MetadataRef:  sub.MetadataRef,
			SubmittedAt:  sub.SubmittedAt,
		}
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBountyVoteTally(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyTallyParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	submitter, err := parseAddress(params.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	tally, err := s.engine.Tally(id, submitter)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, bountyVoteResult{NewTally: tally})
}

func (s *Server) handleBountyListAwards(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyIDParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseHash32(params.BountyID, "bounty id")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	awards, err := s.engine.Awards(id)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	out := make([]awardJSON, len(awards))
	for i, award := range awards {
		out[i] = awardJSON{
			BountyID:  hex.EncodeToString(award.BountyID[:]),
			Position:  award.Position,
			Winner:    hex.EncodeToString(award.Winner[:]),
			Amount:    award.Amount.String(),
			AwardedAt: award.AwardedAt,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	writeResult(w, req.ID, out)
}

func (s *Server) handleBountyGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyAddressParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		writeBountyError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": hex.EncodeToString(addr[:]),
		"balance": balance.String(),
	})
}

func (s *Server) handleBountyLeaderboard(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.projector == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "projection not configured", nil)
		return
	}
	params := bountyLimitParams{}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	entries, err := s.projector.Leaderboard(params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}

func (s *Server) handleBountyProfile(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.projector == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "projection not configured", nil)
		return
	}
	var params bountyAddressParams
	if err := singleParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	stat, err := s.projector.Profile(hex.EncodeToString(addr[:]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, stat)
}
