package state

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"escrowchain/native/escrow"
	"escrowchain/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newProject(id uint64, client, freelancer [20]byte, amounts ...int64) *escrow.Project {
	p := &escrow.Project{
		ID:            id,
		Client:        client,
		Freelancer:    freelancer,
		TotalFunded:   big.NewInt(0),
		TotalReleased: big.NewInt(0),
	}
	for _, amount := range amounts {
		p.Milestones = append(p.Milestones, &escrow.Milestone{Amount: big.NewInt(amount), Status: escrow.MilestonePending})
	}
	return p
}

func TestEscrowStoreInsertAndGet(t *testing.T) {
	store := NewEscrowStore(storage.NewMemDB())
	client, freelancer := testAddress(0x01), testAddress(0x02)

	count, err := store.ProjectCount()
	require.NoError(t, err)
	require.Zero(t, count)

	_, ok, err := store.ProjectGet(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ProjectInsert(newProject(1, client, freelancer, 100, 200)))
	count, err = store.ProjectCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	got, ok, err := store.ProjectGet(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, client, got.Client)
	require.Equal(t, freelancer, got.Freelancer)
	require.Len(t, got.Milestones, 2)
	require.Equal(t, "200", got.Milestones[1].Amount.String())
	require.Equal(t, escrow.MilestonePending, got.Milestones[0].Status)
}

func TestEscrowStoreRejectsOutOfSequenceInsert(t *testing.T) {
	store := NewEscrowStore(storage.NewMemDB())
	err := store.ProjectInsert(newProject(2, testAddress(1), testAddress(2), 5))
	require.Error(t, err)
	count, err := store.ProjectCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestEscrowStoreUpdate(t *testing.T) {
	store := NewEscrowStore(storage.NewMemDB())
	client, freelancer := testAddress(0x01), testAddress(0x02)
	project := newProject(1, client, freelancer, 100)
	require.NoError(t, store.ProjectInsert(project))

	project.Milestones[0].Status = escrow.MilestoneFunded
	project.TotalFunded = big.NewInt(100)
	require.NoError(t, store.ProjectUpdate(project))

	got, _, err := store.ProjectGet(1)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneFunded, got.Milestones[0].Status)
	require.Equal(t, "100", got.TotalFunded.String())

	// totals inconsistent with statuses
	project.TotalReleased = big.NewInt(50)
	require.Error(t, store.ProjectUpdate(project))

	swapped := newProject(1, freelancer, client, 100)
	require.Error(t, store.ProjectUpdate(swapped))
	require.Error(t, store.ProjectUpdate(newProject(9, client, freelancer, 1)))
}

func TestEscrowStorePartyIndex(t *testing.T) {
	store := NewEscrowStore(storage.NewMemDB())
	a, b, c := testAddress(0x0A), testAddress(0x0B), testAddress(0x0C)
	require.NoError(t, store.ProjectInsert(newProject(1, a, b, 1)))
	require.NoError(t, store.ProjectInsert(newProject(2, b, c, 1)))
	require.NoError(t, store.ProjectInsert(newProject(3, a, c, 1)))

	ids, err := store.ProjectsByParty(a)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, ids)
	ids, err = store.ProjectsByParty(c)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, ids)
	ids, err = store.ProjectsByParty(testAddress(0xFF))
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEscrowStoreRejectsCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	store := NewEscrowStore(db)
	require.NoError(t, store.ProjectInsert(newProject(1, testAddress(1), testAddress(2), 10)))

	corrupt := newStoredProject(newProject(1, testAddress(1), testAddress(2), 10))
	corrupt.Milestones[0].Status = 9
	encoded, err := rlp.EncodeToBytes(corrupt)
	require.NoError(t, err)
	require.NoError(t, db.Put(escrowProjectKey(1), encoded))

	_, _, err = store.ProjectGet(1)
	require.Error(t, err)
}

type failingDB struct {
	*storage.MemDB
}

var errWriteFailed = errors.New("write failed")

func (f failingDB) Write(storage.Batch) error { return errWriteFailed }

func TestEscrowStoreBatchIsAtomic(t *testing.T) {
	db := failingDB{MemDB: storage.NewMemDB()}
	store := NewEscrowStore(db)
	err := store.ProjectInsert(newProject(1, testAddress(1), testAddress(2), 10))
	require.ErrorIs(t, err, errWriteFailed)

	count, err := store.ProjectCount()
	require.NoError(t, err)
	require.Zero(t, count)
	has, err := db.Has(escrowProjectKey(1))
	require.NoError(t, err)
	require.False(t, has)
}

func TestLedgerOnLevelDBSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	client, freelancer := testAddress(0xC1), testAddress(0xF1)

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	ledger := escrow.NewLedger(NewEscrowStore(db1))
	id, err := ledger.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(100), big.NewInt(200)})
	require.NoError(t, err)
	_, err = ledger.FundMilestone(client, id, 0)
	require.NoError(t, err)
	require.NoError(t, ledger.SubmitMilestone(freelancer, id, 0))
	_, err = ledger.ReleaseMilestone(client, id, 0)
	require.NoError(t, err)
	_, err = ledger.FundMilestone(client, id, 1)
	require.NoError(t, err)
	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()
	reopened := escrow.NewLedger(NewEscrowStore(db2))

	count, err := reopened.ProjectCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
	balance, err := reopened.Balance(id)
	require.NoError(t, err)
	require.Equal(t, "200", balance.String())
	project, err := reopened.Project(id)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneReleased, project.Milestones[0].Status)
	require.Equal(t, escrow.MilestoneFunded, project.Milestones[1].Status)

	_, err = reopened.FundMilestone(client, id, 1)
	require.ErrorIs(t, err, escrow.ErrAlreadyFunded)

	next, err := reopened.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)
	ids, err := reopened.ListProjects(freelancer, escrow.RoleFreelancer)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, ids)
}

func TestConcurrentFundingOnLevelDB(t *testing.T) {
	const callers = 32
	db, err := storage.NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	client, freelancer := testAddress(0xC1), testAddress(0xF1)
	ledger := escrow.NewLedger(NewEscrowStore(db))
	id, err := ledger.CreateProject(client, client, freelancer, []*big.Int{big.NewInt(100), big.NewInt(40)})
	require.NoError(t, err)

	race := func(call func() error) (succeeded, failed int, errs []error) {
		start := make(chan struct{})
		results := make(chan error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results <- call()
			}()
		}
		close(start)
		wg.Wait()
		close(results)
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			failed++
			errs = append(errs, err)
		}
		return succeeded, failed, errs
	}

	ok, rejected, errs := race(func() error {
		_, err := ledger.FundMilestone(client, id, 0)
		return err
	})
	require.Equal(t, 1, ok)
	require.Equal(t, callers-1, rejected)
	for _, err := range errs {
		require.ErrorIs(t, err, escrow.ErrAlreadyFunded)
	}

	ok, _, errs = race(func() error { return ledger.SubmitMilestone(freelancer, id, 0) })
	require.Equal(t, 1, ok)
	for _, err := range errs {
		require.ErrorIs(t, err, escrow.ErrNotFunded)
	}

	ok, _, errs = race(func() error {
		_, err := ledger.ReleaseMilestone(client, id, 0)
		return err
	})
	require.Equal(t, 1, ok)
	for _, err := range errs {
		require.ErrorIs(t, err, escrow.ErrNotReleasable)
	}

	stored, found, err := NewEscrowStore(db).ProjectGet(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100", stored.TotalFunded.String())
	require.Equal(t, "100", stored.TotalReleased.String())
	require.Equal(t, escrow.MilestonePending, stored.Milestones[1].Status)
}
