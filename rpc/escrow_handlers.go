package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowchain/core/events"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

type createProjectParams struct {
	Client     string   `json:"client"`
	Freelancer string   `json:"freelancer"`
	Amounts    []string `json:"amounts"`
}

type milestoneParams struct {
	ID        uint64 `json:"id"`
	Milestone uint32 `json:"milestone"`
}

type projectIDParams struct {
	ID uint64 `json:"id"`
}

type listProjectsParams struct {
	Account string `json:"account"`
	Role    string `json:"role,omitempty"`
}

type listEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

type CreateProjectResult struct {
	ID uint64 `json:"id"`
}

type MilestoneResult struct {
	ID        uint64 `json:"id"`
	Milestone uint32 `json:"milestone"`
	Status    string `json:"status"`
	Amount    string `json:"amount,omitempty"`
}

type BalanceResult struct {
	ID      uint64 `json:"id"`
	Balance string `json:"balance"`
}

type MilestoneJSON struct {
	Index      uint32 `json:"index"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	StatusCode uint8  `json:"statusCode"`
}

type ProjectJSON struct {
	ID            uint64          `json:"id"`
	Client        string          `json:"client"`
	Freelancer    string          `json:"freelancer"`
	Milestones    []MilestoneJSON `json:"milestones"`
	TotalAmount   string          `json:"totalAmount"`
	TotalFunded   string          `json:"totalFunded"`
	TotalReleased string          `json:"totalReleased"`
	Balance       string          `json:"balance"`
	Completed     bool            `json:"completed"`
}

type ProjectCountResult struct {
	Count uint64 `json:"count"`
}

type ListProjectsResult struct {
	Account string   `json:"account"`
	Role    string   `json:"role"`
	IDs     []uint64 `json:"ids"`
}

type ListEventsResult struct {
	Events []events.Record `json:"events"`
	Latest uint64          `json:"latest"`
}

func projectToJSON(p *escrow.Project) ProjectJSON {
	out := ProjectJSON{
		ID:            p.ID,
		Client:        crypto.FormatAccount(p.Client),
		Freelancer:    crypto.FormatAccount(p.Freelancer),
		Milestones:    make([]MilestoneJSON, len(p.Milestones)),
		TotalAmount:   p.TotalAmount().String(),
		TotalFunded:   p.TotalFunded.String(),
		TotalReleased: p.TotalReleased.String(),
		Balance:       p.Balance().String(),
		Completed:     p.Completed(),
	}
	for i, m := range p.Milestones {
		out.Milestones[i] = MilestoneJSON{
			Index:      uint32(i),
			Amount:     m.Amount.String(),
			Status:     m.Status.String(),
			StatusCode: uint8(m.Status),
		}
	}
	return out
}

func decodeSingleParam(req *RPCRequest, dst interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	decoder := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}

func writeRPCError(w http.ResponseWriter, status int, id interface{}, rpcErr *RPCError) {
	writeError(w, status, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

// parseAmount accepts a base-10 integer. Sign checks are left to the ledger
// so that non-positive amounts surface as InvalidMilestone.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// writeEscrowError renders a ledger failure. Taxonomy errors keep their code;
// the message is the taxonomy name and data carries the actionable text.
func writeEscrowError(w http.ResponseWriter, id interface{}, op escrow.Operation, err error) {
	code := escrow.CodeOf(err)
	if code == 0 {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", escrow.UserMessage(op, err))
		return
	}
	status := http.StatusConflict
	switch code {
	case escrow.CodeProjectNotFound:
		status = http.StatusNotFound
	case escrow.CodeUnauthorized:
		status = http.StatusForbidden
	case escrow.CodeInvalidMilestone:
		status = http.StatusBadRequest
	}
	writeError(w, status, id, int(code), code.String(), escrow.UserMessage(op, err))
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeRPCError(w, http.StatusUnauthorized, req.ID, authErr)
		return
	}
	var params createProjectParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	client, err := crypto.ParseAccount(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("client: %v", err))
		return
	}
	freelancer, err := crypto.ParseAccount(params.Freelancer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("freelancer: %v", err))
		return
	}
	amounts := make([]*big.Int, len(params.Amounts))
	for i, raw := range params.Amounts {
		amount, parseErr := parseAmount(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("amounts[%d]: %v", i, parseErr))
			return
		}
		amounts[i] = amount
	}
	id, err := s.ledger.CreateProject(caller, client, freelancer, amounts)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpCreateProject, err)
		return
	}
	writeResult(w, req.ID, CreateProjectResult{ID: id})
}

func (s *Server) handleFundMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, params, ok := s.milestoneCall(w, r, req)
	if !ok {
		return
	}
	amount, err := s.ledger.FundMilestone(caller, params.ID, params.Milestone)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpFundMilestone, err)
		return
	}
	writeResult(w, req.ID, MilestoneResult{
		ID:        params.ID,
		Milestone: params.Milestone,
		Status:    escrow.MilestoneFunded.String(),
		Amount:    amount.String(),
	})
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, params, ok := s.milestoneCall(w, r, req)
	if !ok {
		return
	}
	if err := s.ledger.SubmitMilestone(caller, params.ID, params.Milestone); err != nil {
		writeEscrowError(w, req.ID, escrow.OpSubmitMilestone, err)
		return
	}
	writeResult(w, req.ID, MilestoneResult{
		ID:        params.ID,
		Milestone: params.Milestone,
		Status:    escrow.MilestoneSubmitted.String(),
	})
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, params, ok := s.milestoneCall(w, r, req)
	if !ok {
		return
	}
	amount, err := s.ledger.ReleaseMilestone(caller, params.ID, params.Milestone)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpReleaseMilestone, err)
		return
	}
	writeResult(w, req.ID, MilestoneResult{
		ID:        params.ID,
		Milestone: params.Milestone,
		Status:    escrow.MilestoneReleased.String(),
		Amount:    amount.String(),
	})
}

func (s *Server) milestoneCall(w http.ResponseWriter, r *http.Request, req *RPCRequest) ([20]byte, milestoneParams, bool) {
	var params milestoneParams
	caller, authErr := s.requireCaller(r)
	if authErr != nil {
		writeRPCError(w, http.StatusUnauthorized, req.ID, authErr)
		return caller, params, false
	}
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return caller, params, false
	}
	return caller, params, true
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params projectIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	balance, err := s.ledger.Balance(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpGetBalance, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{ID: params.ID, Balance: balance.String()})
}

func (s *Server) handleGetProject(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params projectIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	project, err := s.ledger.Project(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpGetProject, err)
		return
	}
	writeResult(w, req.ID, projectToJSON(project))
}

func (s *Server) handleGetProjectCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	count, err := s.ledger.ProjectCount()
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpGetProjectCount, err)
		return
	}
	writeResult(w, req.ID, ProjectCountResult{Count: count})
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listProjectsParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	account, err := crypto.ParseAccount(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("account: %v", err))
		return
	}
	role, ok := escrow.ParseRole(params.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("unknown role %q", params.Role))
		return
	}
	ids, err := s.ledger.ListProjects(account, role)
	if err != nil {
		writeEscrowError(w, req.ID, escrow.OpListProjects, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, ListProjectsResult{Account: crypto.FormatAccount(account), Role: role.String(), IDs: ids})
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listEventsParams
	if len(req.Params) > 0 {
		if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
			return
		}
	}
	if params.Limit < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "limit must be >= 0")
		return
	}
	limit := params.Limit
	if limit == 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	result := ListEventsResult{Events: []events.Record{}}
	if s.feed != nil {
		result.Events = s.feed.Since(params.After, limit)
		result.Latest = s.feed.LatestSequence()
	}
	writeResult(w, req.ID, result)
}
