package escrow

import (
	"fmt"
	"math/big"

	ledger "escrowchain/native/escrow"
)

// Milestone is a decoded milestone snapshot.
type Milestone struct {
	Index  uint32
	Amount *big.Int
	Status ledger.MilestoneStatus
}

// Project is a decoded project snapshot. Parties are rendered as bech32
// account strings.
type Project struct {
	ID            uint64
	Client        string
	Freelancer    string
	Milestones    []Milestone
	TotalAmount   *big.Int
	TotalFunded   *big.Int
	TotalReleased *big.Int
	Balance       *big.Int
	Completed     bool
}

type milestoneJSON struct {
	Index      uint32 `json:"index"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	StatusCode uint8  `json:"statusCode"`
}

type projectJSON struct {
	ID            uint64          `json:"id"`
	Client        string          `json:"client"`
	Freelancer    string          `json:"freelancer"`
	Milestones    []milestoneJSON `json:"milestones"`
	TotalAmount   string          `json:"totalAmount"`
	TotalFunded   string          `json:"totalFunded"`
	TotalReleased string          `json:"totalReleased"`
	Balance       string          `json:"balance"`
	Completed     bool            `json:"completed"`
}

func (p projectJSON) decode() (*Project, error) {
	out := &Project{
		ID:         p.ID,
		Client:     p.Client,
		Freelancer: p.Freelancer,
		Completed:  p.Completed,
		Milestones: make([]Milestone, len(p.Milestones)),
	}
	var err error
	for _, field := range []struct {
		dst **big.Int
		raw string
	}{
		{&out.TotalAmount, p.TotalAmount},
		{&out.TotalFunded, p.TotalFunded},
		{&out.TotalReleased, p.TotalReleased},
		{&out.Balance, p.Balance},
	} {
		if *field.dst, err = parseAmount(field.raw); err != nil {
			return nil, err
		}
	}
	for i, m := range p.Milestones {
		amount, err := parseAmount(m.Amount)
		if err != nil {
			return nil, err
		}
		status := ledger.MilestoneStatus(m.StatusCode)
		if !status.Valid() {
			return nil, fmt.Errorf("escrow client: milestone %d has unknown status %d", i, m.StatusCode)
		}
		out.Milestones[i] = Milestone{Index: m.Index, Amount: amount, Status: status}
	}
	return out, nil
}
