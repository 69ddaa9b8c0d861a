// Package transfer implements P3, the block-transfer protocol: a
// three-phase Offer/Accept-or-Reject, Payload, Ack-or-Nack exchange
// that moves a single block from a sender to a receiver under admission
// control. Its edge policies (duplicate suppression, the announced-size
// contract, atomic acceptance) are load-bearing; none of them may be
// simplified away.
package transfer

import (
	"bytes"
	"sync"

	"gopkg.in/fatih/set.v0"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/metrics"
)

// Offer is the first message of an outbound transfer.
type Offer struct {
	FileHash   string
	BlockHash  string
	Size       int64
	Commitment []byte
}

// Decision is the receiver's reply to an Offer.
type Decision struct {
	Accept bool
	Reason string // populated when Accept is false
}

// Outcome is the terminal reply to a Payload send.
type Outcome struct {
	Stored bool
	Reason string // populated when Stored is false
}

// RejectReason enumerates why a receiver rejected an Offer.
const (
	ReasonInsufficientSpace = "insufficient_space"
	ReasonDuplicate         = "duplicate_pending"
)

// NackReason enumerates why a receiver nacked a Payload.
const (
	NackSizeMismatch = "size_mismatch"
	NackCorruptBlock = "corrupt_block"
	NackIoError      = "io_error"
)

// Verifier checks a received payload against its announced commitment
// (implemented by codec.VerifyPayload in production).
type Verifier func(payload, commitment []byte) bool

// Putter persists a verified block locally (implemented by store.Store.Put).
type Putter func(fileHash, blockHash string, payload []byte) error

// InFlightRegistry tracks outbound transfers currently in progress, keyed
// by (destination, block_hash): at most one in-flight transfer per
// destination/block pair at any time.
type InFlightRegistry struct {
	mu sync.Mutex // makes TryAcquire's check-and-insert one step
	s  set.Interface
}

// NewInFlightRegistry returns an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{s: set.New(set.ThreadSafe)}
}

func inFlightKey(dest identity.ID, blockHash string) string {
	return string(dest) + ":" + blockHash
}

// TryAcquire atomically checks and inserts the (dest, block_hash) pair. It
// returns false if an entry is already present, in which case the caller
// must fail with AlreadyInFlight without touching the accountant or
// sending an Offer.
func (r *InFlightRegistry) TryAcquire(dest identity.ID, blockHash string) bool {
	key := inFlightKey(dest, blockHash)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Has(key) {
		return false
	}
	r.s.Add(key)
	return true
}

// Release removes the (dest, block_hash) pair, called on every terminal
// transition of the sender state machine (Done or Failed).
func (r *InFlightRegistry) Release(dest identity.ID, blockHash string) {
	r.s.Remove(inFlightKey(dest, blockHash))
}

// SenderState is the outbound transfer's state machine position.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderOffering
	SenderSending
	SenderDone
	SenderFailed
)

// Sender drives one outbound transfer through Offer/Accept/Payload/Ack.
// Network I/O (sending the Offer, awaiting the Decision, sending the
// Payload, awaiting the Outcome) is supplied by the caller via the
// transport function parameters, keeping this type free of any swarm
// dependency so it can be tested without a network.
type Sender struct {
	registry   *InFlightRegistry
	dest       identity.ID
	offer      Offer
	state      SenderState
	failReason error
}

// NewSender registers the in-flight reservation and returns a sender
// ready to run, or an AlreadyInFlight error if the pair was already
// in-flight.
func NewSender(registry *InFlightRegistry, dest identity.ID, offer Offer) (*Sender, error) {
	if !registry.TryAcquire(dest, offer.BlockHash) {
		return nil, dragoonerr.New(dragoonerr.AlreadyInFlight,
			"transfer to %s for block %s already in flight", dest, offer.BlockHash)
	}
	return &Sender{registry: registry, dest: dest, offer: offer, state: SenderOffering}, nil
}

// Run executes the sender state machine: sendOffer returns the receiver's
// Decision (or an error for a network/timeout failure); sendPayload
// returns the receiver's Outcome for a Payload of the given bytes.
func (s *Sender) Run(sendOffer func(Offer) (Decision, error), payload []byte, sendPayload func([]byte) (Outcome, error)) error {
	defer s.registry.Release(s.dest, s.offer.BlockHash)

	decision, err := sendOffer(s.offer)
	if err != nil {
		s.state = SenderFailed
		s.failReason = err
		return err
	}
	if !decision.Accept {
		s.state = SenderFailed
		s.failReason = dragoonerr.New(dragoonerr.PeerRefused, "peer rejected offer: %s", decision.Reason)
		return s.failReason
	}
	s.state = SenderSending

	outcome, err := sendPayload(payload)
	if err != nil {
		s.state = SenderFailed
		s.failReason = err
		return err
	}
	if !outcome.Stored {
		s.state = SenderFailed
		s.failReason = dragoonerr.New(dragoonerr.Internal, "peer nacked payload: %s", outcome.Reason)
		return s.failReason
	}
	s.state = SenderDone
	return nil
}

// State returns the sender's current state, mostly useful for tests and
// diagnostics.
func (s *Sender) State() SenderState { return s.state }

// FailReason returns the error that drove the sender to SenderFailed, or
// nil if it hasn't failed.
func (s *Sender) FailReason() error { return s.failReason }

// ReceiverDeps bundles the receiver's collaborators: admission control,
// verification, and persistence.
type ReceiverDeps struct {
	Accountant *accountant.Accountant
	Verify     Verifier
	Put        Putter
}

// Decide is the receiver's response to an incoming Offer: it runs
// admission control (reservation) and returns both the wire Decision and
// (when accepted) the reservation token the caller must later commit or
// abort.
func Decide(deps ReceiverDeps, offer Offer) (Decision, accountant.Token, error) {
	metrics.TransferOffersIn.Mark(1)
	tok, err := deps.Accountant.Reserve(offer.Size)
	if err != nil {
		metrics.TransferRejects.Mark(1)
		return Decision{Accept: false, Reason: ReasonInsufficientSpace}, accountant.Token{}, nil
	}
	metrics.TransferAccepts.Mark(1)
	return Decision{Accept: true}, tok, nil
}

// AcceptPayload runs the receiver's half of the protocol once a Payload
// has arrived: announced-size contract, verification, and persistence
// . It always resolves the reservation token
// exactly once, by commit or abort.
func AcceptPayload(deps ReceiverDeps, offer Offer, tok accountant.Token, payload []byte) (Outcome, error) {
	if int64(len(payload)) != offer.Size {
		deps.Accountant.Abort(tok)
		return Outcome{Stored: false, Reason: NackSizeMismatch}, nil
	}
	if !deps.Verify(payload, offer.Commitment) {
		deps.Accountant.Abort(tok)
		return Outcome{Stored: false, Reason: NackCorruptBlock}, nil
	}
	if err := deps.Put(offer.FileHash, offer.BlockHash, payload); err != nil {
		deps.Accountant.Abort(tok)
		return Outcome{Stored: false, Reason: NackIoError}, nil
	}
	deps.Accountant.Commit(tok)
	metrics.TransferStoredBytes.Mark(offer.Size)
	return Outcome{Stored: true}, nil
}

// equalBytes is a small helper kept for verifier implementations that
// compare against a locally-known commitment rather than recomputing one;
// codec.Verify does the latter, but a test double can use this directly.
func equalBytes(a, b []byte) bool {
	return bytes.Equal(a, b)
}
