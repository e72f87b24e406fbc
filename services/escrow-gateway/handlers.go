package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowchain/crypto"
	"escrowchain/gateway/middleware"
	ledger "escrowchain/native/escrow"
	escrowsdk "escrowchain/sdk/escrow"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxMilestoneName     = 200
	defaultEventPage     = 100
	maxEventPage         = 1000
)

type createProjectRequest struct {
	Client         string   `json:"client"`
	Freelancer     string   `json:"freelancer"`
	Amounts        []string `json:"amounts"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	MilestoneNames []string `json:"milestoneNames"`
}

type patchMetadataRequest struct {
	Title          *string   `json:"title"`
	Description    *string   `json:"description"`
	MilestoneNames *[]string `json:"milestoneNames"`
}

type milestoneView struct {
	Index  uint32 `json:"index"`
	Name   string `json:"name,omitempty"`
	Amount string `json:"amount"`
	Status string `json:"status"`
}

type projectView struct {
	ID            uint64          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Client        string          `json:"client"`
	Freelancer    string          `json:"freelancer"`
	Milestones    []milestoneView `json:"milestones"`
	TotalAmount   string          `json:"totalAmount"`
	TotalFunded   string          `json:"totalFunded"`
	TotalReleased string          `json:"totalReleased"`
	Balance       string          `json:"balance"`
	Completed     bool            `json:"completed"`
	CreatedAt     *time.Time      `json:"createdAt,omitempty"`
}

type projectSummary struct {
	ID          uint64    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Client      string    `json:"client"`
	Freelancer  string    `json:"freelancer"`
	Milestones  int       `json:"milestones"`
	CreatedAt   time.Time `json:"createdAt"`
}

type eventView struct {
	ID         uint64            `json:"id"`
	Epoch      uint64            `json:"epoch"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	ProjectID  uint64            `json:"projectId,omitempty"`
	Hash       string            `json:"hash"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  time.Time         `json:"timestamp"`
}

func newProjectView(project *escrowsdk.Project, meta *ProjectMetadata) projectView {
	view := projectView{
		ID:            project.ID,
		Client:        project.Client,
		Freelancer:    project.Freelancer,
		Milestones:    make([]milestoneView, len(project.Milestones)),
		TotalAmount:   project.TotalAmount.String(),
		TotalFunded:   project.TotalFunded.String(),
		TotalReleased: project.TotalReleased.String(),
		Balance:       project.Balance.String(),
		Completed:     project.Completed,
	}
	var names []string
	if meta != nil {
		view.Title = meta.Title
		view.Description = meta.Description
		created := meta.CreatedAt.UTC()
		view.CreatedAt = &created
		names = meta.Names()
	}
	for i, m := range project.Milestones {
		mv := milestoneView{Index: m.Index, Amount: m.Amount.String(), Status: m.Status.String()}
		if i < len(names) {
			mv.Name = names[i]
		}
		view.Milestones[i] = mv
	}
	return view
}

func principalOf(r *http.Request) (*middleware.Principal, error) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return nil, errors.New("missing principal")
	}
	return principal, nil
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	principal, err := principalOf(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	amounts, err := validateCreateProject(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tx := &Transaction{
		Operation: string(ledger.OpCreateProject),
		Caller:    crypto.FormatAccount(principal.Account),
		Amount:    sumAmounts(amounts).String(),
	}
	if err := s.store.BeginTransaction(r.Context(), tx, s.historyLimit); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("record transaction: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	id, err := s.node.CreateProject(ctx, principal.Token, req.Client, req.Freelancer, amounts)
	if err != nil {
		s.failTransaction(r.Context(), ledger.OpCreateProject, tx, err)
		writeNodeError(w, ledger.OpCreateProject, err, tx)
		return
	}
	tx.ProjectID = id
	s.completeTransaction(r.Context(), tx, TxSuccess, "")

	client, _ := crypto.ParseAccount(req.Client)
	freelancer, _ := crypto.ParseAccount(req.Freelancer)
	meta := &ProjectMetadata{
		ProjectID:      id,
		Title:          req.Title,
		Description:    req.Description,
		MilestoneNames: encodeNames(req.MilestoneNames),
		MilestoneCount: len(amounts),
		Client:         crypto.FormatAccount(client),
		Freelancer:     crypto.FormatAccount(freelancer),
	}
	if err := s.store.SaveMetadata(r.Context(), meta); err != nil {
		s.logger.Error("store project metadata", slog.Uint64("project", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, fmt.Errorf("project %d created but metadata could not be stored: %w", id, err))
		return
	}

	project, err := s.node.Project(ctx, id)
	if err != nil {
		writeNodeError(w, ledger.OpGetProject, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, newProjectView(project, meta))
}

// validateCreateProject trims and checks the request and parses amounts.
// Amount signs and party distinctness are left to the ledger.
func validateCreateProject(req *createProjectRequest) ([]*big.Int, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	if req.Title == "" {
		return nil, errors.New("title is required")
	}
	if len(req.Title) > maxTitleLength {
		return nil, fmt.Errorf("title exceeds %d characters", maxTitleLength)
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, fmt.Errorf("description exceeds %d characters", maxDescriptionLength)
	}
	if _, err := crypto.ParseAccount(req.Client); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if _, err := crypto.ParseAccount(req.Freelancer); err != nil {
		return nil, fmt.Errorf("freelancer: %w", err)
	}
	if len(req.Amounts) == 0 {
		return nil, errors.New("at least one milestone amount is required")
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, raw := range req.Amounts {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, fmt.Errorf("amounts[%d]: %q is not a base-10 integer", i, raw)
		}
		amounts[i] = amount
	}
	names, err := validateMilestoneNames(req.MilestoneNames, len(amounts))
	if err != nil {
		return nil, err
	}
	req.MilestoneNames = names
	return amounts, nil
}

func validateMilestoneNames(names []string, count int) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if len(names) != count {
		return nil, fmt.Errorf("milestoneNames has %d entries for %d milestones", len(names), count)
	}
	out := make([]string, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if len(name) > maxMilestoneName {
			return nil, fmt.Errorf("milestoneNames[%d] exceeds %d characters", i, maxMilestoneName)
		}
		out[i] = name
	}
	return out, nil
}

func sumAmounts(amounts []*big.Int) *big.Int {
	total := new(big.Int)
	for _, amount := range amounts {
		total.Add(total, amount)
	}
	return total
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	project, err := s.node.Project(ctx, id)
	if err != nil {
		writeNodeError(w, ledger.OpGetProject, err, nil)
		return
	}
	meta, err := s.store.GetMetadata(r.Context(), id)
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectView(project, meta))
}

func (s *Server) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	principal, err := principalOf(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	id, err := parseProjectID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req patchMetadataRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	meta, err := s.store.GetMetadata(r.Context(), id)
	if errors.Is(err, ErrMetadataNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	owner, err := crypto.ParseAccount(meta.Client)
	if err != nil || owner != principal.Account {
		writeError(w, http.StatusForbidden, errors.New("only the project's client can edit its metadata"))
		return
	}

	patch := MetadataPatch{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, errors.New("title cannot be empty"))
			return
		}
		if len(title) > maxTitleLength {
			writeError(w, http.StatusBadRequest, fmt.Errorf("title exceeds %d characters", maxTitleLength))
			return
		}
		patch.Title = &title
	}
	if req.Description != nil {
		description := strings.TrimSpace(*req.Description)
		if len(description) > maxDescriptionLength {
			writeError(w, http.StatusBadRequest, fmt.Errorf("description exceeds %d characters", maxDescriptionLength))
			return
		}
		patch.Description = &description
	}
	if req.MilestoneNames != nil {
		names, err := validateMilestoneNames(*req.MilestoneNames, meta.MilestoneCount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		patch.MilestoneNames = &names
	}
	updated, err := s.store.UpdateMetadata(r.Context(), id, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(*updated))
}

func summaryOf(meta ProjectMetadata) projectSummary {
	return projectSummary{
		ID:          meta.ProjectID,
		Title:       meta.Title,
		Description: meta.Description,
		Client:      meta.Client,
		Freelancer:  meta.Freelancer,
		Milestones:  meta.MilestoneCount,
		CreatedAt:   meta.CreatedAt.UTC(),
	}
}

func (s *Server) handleSearchProjects(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, s.historyLimit, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.store.SearchProjects(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]projectSummary, len(rows))
	for i, row := range rows {
		out[i] = summaryOf(row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

var milestoneActions = map[string]ledger.Operation{
	"fund":    ledger.OpFundMilestone,
	"submit":  ledger.OpSubmitMilestone,
	"release": ledger.OpReleaseMilestone,
}

func (s *Server) handleMilestoneAction(w http.ResponseWriter, r *http.Request) {
	principal, err := principalOf(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	op, ok := milestoneActions[chi.URLParam(r, "action")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown milestone action %q", chi.URLParam(r, "action")))
		return
	}
	id, err := parseProjectID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index64, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid milestone index %q", chi.URLParam(r, "index")))
		return
	}
	index := uint32(index64)

	tx := &Transaction{
		ProjectID: id,
		Milestone: &index,
		Operation: string(op),
		Caller:    crypto.FormatAccount(principal.Account),
	}
	if err := s.store.BeginTransaction(r.Context(), tx, s.historyLimit); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("record transaction: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	var amount *big.Int
	switch op {
	case ledger.OpFundMilestone:
		amount, err = s.node.FundMilestone(ctx, principal.Token, id, index)
	case ledger.OpSubmitMilestone:
		err = s.node.SubmitMilestone(ctx, principal.Token, id, index)
	case ledger.OpReleaseMilestone:
		amount, err = s.node.ReleaseMilestone(ctx, principal.Token, id, index)
	}
	if err != nil {
		s.failTransaction(r.Context(), op, tx, err)
		writeNodeError(w, op, err, tx)
		return
	}
	if amount != nil {
		tx.Amount = amount.String()
	}
	s.completeTransaction(r.Context(), tx, TxSuccess, "")
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) failTransaction(ctx context.Context, op ledger.Operation, tx *Transaction, err error) {
	message := ledger.UserMessage(op, err)
	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) && ledgerErr.Detail != "" {
		message = ledgerErr.Detail
	} else if ledger.CodeOf(err) == 0 {
		message = err.Error()
	}
	s.completeTransaction(ctx, tx, TxError, message)
}

func (s *Server) completeTransaction(ctx context.Context, tx *Transaction, status, message string) {
	if err := s.store.CompleteTransaction(ctx, tx, status, message); err != nil {
		s.logger.Warn("complete transaction",
			slog.String("transaction", tx.Reference.String()),
			slog.String("status", status),
			slog.Any("error", err))
	}
}

func (s *Server) handleProjectTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeTransactions(w, r, id)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	s.writeTransactions(w, r, 0)
}

func (s *Server) writeTransactions(w http.ResponseWriter, r *http.Request, projectID uint64) {
	limit, err := parseLimit(r, s.historyLimit, s.historyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := s.store.ListTransactions(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if txs == nil {
		txs = []Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseProjectID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeEvents(w, r, id)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeEvents(w, r, 0)
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, projectID uint64) {
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor %q", raw))
			return
		}
		after = parsed
	}
	limit, err := parseLimit(r, defaultEventPage, maxEventPage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.store.ListEvents(r.Context(), projectID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventView, 0, len(rows))
	for _, row := range rows {
		view := eventView{
			ID:         row.ID,
			Epoch:      row.Epoch,
			Sequence:   row.Sequence,
			Type:       row.Type,
			ProjectID:  row.ProjectID,
			Hash:       row.Hash,
			Attributes: map[string]string{},
			Timestamp:  row.Timestamp.UTC(),
		}
		if row.Attributes != "" {
			_ = json.Unmarshal([]byte(row.Attributes), &view.Attributes)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func parseProjectID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid project id %q", raw)
	}
	return id, nil
}

// parseLimit reads the optional limit query parameter. A zero ceiling leaves
// the value uncapped.
func parseLimit(r *http.Request, fallback, ceiling int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	return limit, nil
}
