package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MilestoneStatus is the lifecycle position of a single milestone. The
// numeric values are persisted and travel on the wire; do not reorder.
type MilestoneStatus uint8

const (
	MilestonePending MilestoneStatus = iota
	MilestoneFunded
	MilestoneSubmitted
	// MilestoneApproved is declared for storage compatibility only. No ledger
	// operation moves a milestone into or out of this state.
	MilestoneApproved
	MilestoneReleased
)

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	return s <= MilestoneReleased
}

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneFunded:
		return "funded"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneApproved:
		return "approved"
	case MilestoneReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ParseMilestoneStatus converts the lower-case label produced by String back
// into a status.
func ParseMilestoneStatus(value string) (MilestoneStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return MilestonePending, nil
	case "funded":
		return MilestoneFunded, nil
	case "submitted":
		return MilestoneSubmitted, nil
	case "approved":
		return MilestoneApproved, nil
	case "released":
		return MilestoneReleased, nil
	default:
		return 0, fmt.Errorf("escrow: unknown milestone status %q", value)
	}
}

// Operation names a ledger entry point. It is used in errors, events and
// metrics labels.
type Operation string

const (
	OpCreateProject    Operation = "create_project"
	OpFundMilestone    Operation = "fund_milestone"
	OpSubmitMilestone  Operation = "submit_milestone"
	OpReleaseMilestone Operation = "release_milestone"
	OpGetBalance       Operation = "get_balance"
	OpGetProject       Operation = "get_project"
	OpGetProjectCount  Operation = "get_project_count"
	OpListProjects     Operation = "list_projects"
)

// Milestone is one unit of work with a fixed payment amount.
type Milestone struct {
	Amount *big.Int
	Status MilestoneStatus
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Project aggregates the milestones agreed between a client and a freelancer.
type Project struct {
	ID            uint64
	Client        [20]byte
	Freelancer    [20]byte
	Milestones    []*Milestone
	TotalFunded   *big.Int
	TotalReleased *big.Int
}

// Clone returns a deep copy of the project so callers can inspect or mutate
// it without touching stored state.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	clone.TotalFunded = cloneBigInt(p.TotalFunded)
	clone.TotalReleased = cloneBigInt(p.TotalReleased)
	return &clone
}

// Balance returns the amount currently held in custody for the project.
func (p *Project) Balance() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(cloneBigInt(p.TotalFunded), cloneBigInt(p.TotalReleased))
}

// TotalAmount sums the agreed milestone amounts.
func (p *Project) TotalAmount() *big.Int {
	total := big.NewInt(0)
	if p == nil {
		return total
	}
	for _, m := range p.Milestones {
		if m != nil && m.Amount != nil {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// Completed reports whether every milestone has been released.
func (p *Project) Completed() bool {
	if p == nil || len(p.Milestones) == 0 {
		return false
	}
	for _, m := range p.Milestones {
		if m == nil || m.Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// Milestone returns the milestone at index or nil when out of range.
func (p *Project) Milestone(index uint32) *Milestone {
	if p == nil || uint64(index) >= uint64(len(p.Milestones)) {
		return nil
	}
	return p.Milestones[index]
}

var errInvalidProject = errors.New("escrow: invalid project record")

// SanitizeProject validates a project record read from or written to storage
// and returns a normalised deep copy. It enforces
// 0 <= released <= funded <= sum(amounts) and that the totals agree with the
// milestone statuses.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil project", errInvalidProject)
	}
	clone := p.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("%w: id must be > 0", errInvalidProject)
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("%w: project %d has no milestones", errInvalidProject, clone.ID)
	}
	funded := big.NewInt(0)
	released := big.NewInt(0)
	for i, m := range clone.Milestones {
		if m == nil {
			return nil, fmt.Errorf("%w: project %d milestone %d nil", errInvalidProject, clone.ID, i)
		}
		if m.Amount == nil || m.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: project %d milestone %d amount must be positive", errInvalidProject, clone.ID, i)
		}
		if !m.Status.Valid() {
			return nil, fmt.Errorf("%w: project %d milestone %d status %d", errInvalidProject, clone.ID, i, m.Status)
		}
		if m.Status != MilestonePending {
			funded.Add(funded, m.Amount)
		}
		if m.Status == MilestoneReleased {
			released.Add(released, m.Amount)
		}
	}
	if clone.TotalFunded.Cmp(funded) != 0 {
		return nil, fmt.Errorf("%w: project %d total funded %s does not match milestones (%s)", errInvalidProject, clone.ID, clone.TotalFunded, funded)
	}
	if clone.TotalReleased.Cmp(released) != 0 {
		return nil, fmt.Errorf("%w: project %d total released %s does not match milestones (%s)", errInvalidProject, clone.ID, clone.TotalReleased, released)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
