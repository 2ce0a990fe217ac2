// Package nonce tracks nonces that were handed out to a prepare step but are not yet visible
// in the transaction store or on the node. Together with the store scan it keeps two
// concurrent flows for the same wallet from signing with the same nonce.
package nonce

import (
	"math"
	"sort"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync"
)

// walletState holds the reservations of one wallet across chains.
type walletState struct {
	mu       sync.Mutex
	reserved map[uint64]map[uint64]struct{} // chainID -> nonce set
	// submitted is the highest committed nonce + 1 per chain. It only grows: a caller may
	// hold a floor read long before the latest commit.
	submitted map[uint64]uint64
}

// Tracker manages nonce reservations for multiple wallets across multiple chains.
type Tracker struct {
	wallets *xsync.MapOf[string, *walletState]
}

// NewTracker creates a new nonce tracker
func NewTracker() *Tracker {
	return &Tracker{wallets: xsync.NewMapOf[*walletState]()}
}

func (t *Tracker) state(wallet common.Address) *walletState {
	if st, ok := t.wallets.Load(wallet.Hex()); ok {
		return st
	}
	st, _ := t.wallets.LoadOrStore(wallet.Hex(), &walletState{
		reserved:  make(map[uint64]map[uint64]struct{}),
		submitted: make(map[uint64]uint64),
	})
	return st
}

// raiseFloorUnlocked lifts floor to the committed watermark of the chain.
// MUST be called with the wallet lock held.
func (st *walletState) raiseFloorUnlocked(chainID uint64, floor uint64) uint64 {
	if mark := st.submitted[chainID]; mark > floor {
		return mark
	}
	return floor
}

// firstFreeUnlocked returns the smallest nonce >= floor not reserved on the chain.
// MUST be called with the wallet lock held.
func (st *walletState) firstFreeUnlocked(chainID uint64, floor uint64) (uint64, error) {
	set := st.reserved[chainID]
	next := st.raiseFloorUnlocked(chainID, floor)
	for {
		if _, taken := set[next]; !taken {
			return next, nil
		}
		if next == math.MaxUint64 {
			return 0, ErrNonceExhausted
		}
		next++
	}
}

// AcquireResult contains the result of a nonce acquisition
type AcquireResult struct {
	Nonce          uint64
	DecisionReason string
}

// Peek returns the nonce Reserve would hand out for floor, without reserving it.
func (t *Tracker) Peek(wallet common.Address, chainID uint64, floor uint64) (uint64, error) {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.firstFreeUnlocked(chainID, floor)
}

// Reserve atomically picks the smallest nonce >= floor that no in-flight prepare holds and
// reserves it. floor is the caller's view of the next nonce (node count and stored pending
// transactions); it is computed before taking the lock so no network call happens under it.
func (t *Tracker) Reserve(wallet common.Address, chainID uint64, networkName string, floor uint64) (*AcquireResult, error) {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	raised := st.raiseFloorUnlocked(chainID, floor)
	next, err := st.firstFreeUnlocked(chainID, raised)
	if err != nil {
		return nil, err
	}

	decisionReason := "floor is free"
	switch {
	case raised != floor && next == raised:
		decisionReason = "floor below last committed nonce, using watermark"
	case next != raised:
		decisionReason = "floor held by in-flight prepare, using next free nonce"
	}

	set := st.reserved[chainID]
	if set == nil {
		set = make(map[uint64]struct{})
		st.reserved[chainID] = set
	}
	set[next] = struct{}{}

	logger.WithFields(logger.Fields{
		"wallet":         wallet.Hex(),
		"network":        networkName,
		"chain_id":       chainID,
		"floor":          floor,
		"acquired_nonce": next,
		"in_flight":      len(set),
		"decision":       decisionReason,
	}).Debug("reserveNonce: nonce acquired and reserved")

	return &AcquireResult{Nonce: next, DecisionReason: decisionReason}, nil
}

// Release drops a reservation. It returns false when the nonce was not reserved.
func (t *Tracker) Release(wallet common.Address, chainID uint64, networkName string, nonce uint64) bool {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	set := st.reserved[chainID]
	if _, ok := set[nonce]; !ok {
		logger.WithFields(logger.Fields{
			"wallet":          wallet.Hex(),
			"network":         networkName,
			"chain_id":        chainID,
			"requested_nonce": nonce,
		}).Debug("releaseNonce: skipped - nonce not reserved")
		return false
	}

	delete(set, nonce)
	if len(set) == 0 {
		delete(st.reserved, chainID)
	}
	logger.WithFields(logger.Fields{
		"wallet":         wallet.Hex(),
		"network":        networkName,
		"chain_id":       chainID,
		"released_nonce": nonce,
	}).Debug("releaseNonce: reservation released")
	return true
}

// Hold reserves a nonce the caller chose itself, such as a replacement or the second step of
// a chained flow. Reserve skips it until Release or Commit.
func (t *Tracker) Hold(wallet common.Address, chainID uint64, networkName string, nonce uint64) {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	set := st.reserved[chainID]
	if set == nil {
		set = make(map[uint64]struct{})
		st.reserved[chainID] = set
	}
	set[nonce] = struct{}{}

	logger.WithFields(logger.Fields{
		"wallet":   wallet.Hex(),
		"network":  networkName,
		"chain_id": chainID,
		"nonce":    nonce,
	}).Debug("holdNonce: caller-chosen nonce reserved")
}

// Commit drops the reservation of a nonce the network accepted and raises the chain's
// watermark past it, so a caller holding a floor read from before the submission cannot get
// the same nonce again.
func (t *Tracker) Commit(wallet common.Address, chainID uint64, networkName string, nonce uint64) {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	if set := st.reserved[chainID]; set != nil {
		delete(set, nonce)
		if len(set) == 0 {
			delete(st.reserved, chainID)
		}
	}
	if nonce == math.MaxUint64 {
		return
	}
	if nonce+1 > st.submitted[chainID] {
		st.submitted[chainID] = nonce + 1
	}

	logger.WithFields(logger.Fields{
		"wallet":          wallet.Hex(),
		"network":         networkName,
		"chain_id":        chainID,
		"committed_nonce": nonce,
		"watermark":       st.submitted[chainID],
	}).Debug("commitNonce: nonce accepted by network")
}

// Reserved returns the reserved nonces of a wallet on a chain in ascending order.
func (t *Tracker) Reserved(wallet common.Address, chainID uint64) []uint64 {
	st := t.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]uint64, 0, len(st.reserved[chainID]))
	for n := range st.reserved[chainID] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
