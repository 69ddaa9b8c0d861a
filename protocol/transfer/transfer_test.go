package transfer

import (
	"sync"
	"testing"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReceiver(total int64) (ReceiverDeps, *memStore) {
	ms := &memStore{blocks: map[string][]byte{}}
	return ReceiverDeps{
		Accountant: accountant.New(total),
		Verify:     equalBytes,
		Put:        ms.put,
	}, ms
}

type memStore struct {
	mu     sync.Mutex
	blocks map[string][]byte
}

func (m *memStore) put(fileHash, blockHash string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[fileHash+"/"+blockHash] = append([]byte(nil), payload...)
	return nil
}

func TestFullTransferSucceeds(t *testing.T) {
	registry := NewInFlightRegistry()
	dest := identity.FromSeed(1).ID
	payload := []byte("block payload bytes")
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: int64(len(payload)), Commitment: payload}

	deps, store := newReceiver(1000)

	sender, err := NewSender(registry, dest, offer)
	require.NoError(t, err)

	var tok accountant.Token
	err = sender.Run(
		func(o Offer) (Decision, error) {
			d, t, err := Decide(deps, o)
			if err == nil && d.Accept {
				tok = t
			}
			return d, err
		},
		payload,
		func(p []byte) (Outcome, error) {
			return AcceptPayload(deps, offer, tok, p)
		},
	)
	require.NoError(t, err)
	assert.Equal(t, SenderDone, sender.State())
	assert.NotNil(t, store.blocks["f1/b1"])
}

func TestDuplicateSendRejected(t *testing.T) {
	registry := NewInFlightRegistry()
	dest := identity.FromSeed(2).ID
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 4}

	_, err := NewSender(registry, dest, offer)
	require.NoError(t, err)

	_, err = NewSender(registry, dest, offer)
	require.Error(t, err)
	derr, ok := dragoonerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dragoonerr.AlreadyInFlight, derr.Kind)
}

func TestReleaseAllowsRetry(t *testing.T) {
	registry := NewInFlightRegistry()
	dest := identity.FromSeed(3).ID
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 4}

	s, err := NewSender(registry, dest, offer)
	require.NoError(t, err)

	_ = s.Run(
		func(o Offer) (Decision, error) { return Decision{Accept: false, Reason: "no"}, nil },
		nil, nil,
	)
	assert.Equal(t, SenderFailed, s.State())

	_, err = NewSender(registry, dest, offer)
	require.NoError(t, err, "registry entry should be released after a terminal transition")
}

func TestRejectOnOfferMarksFailed(t *testing.T) {
	registry := NewInFlightRegistry()
	dest := identity.FromSeed(4).ID
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 4}
	s, err := NewSender(registry, dest, offer)
	require.NoError(t, err)

	err = s.Run(
		func(o Offer) (Decision, error) { return Decision{Accept: false, Reason: ReasonInsufficientSpace}, nil },
		nil, nil,
	)
	require.Error(t, err)
	assert.Equal(t, SenderFailed, s.State())
	derr, ok := dragoonerr.As(s.FailReason())
	require.True(t, ok)
	assert.Equal(t, dragoonerr.PeerRefused, derr.Kind)
}

func TestAcceptPayloadSizeMismatch(t *testing.T) {
	deps, store := newReceiver(1000)
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 10, Commitment: []byte("0123456789")}
	_, tok, err := Decide(deps, offer)
	require.NoError(t, err)

	outcome, err := AcceptPayload(deps, offer, tok, []byte("short"))
	require.NoError(t, err)
	assert.False(t, outcome.Stored)
	assert.Equal(t, NackSizeMismatch, outcome.Reason)
	assert.Nil(t, store.blocks["f1/b1"])
	assert.Equal(t, int64(1000), deps.Accountant.Snapshot().Free)
}

func TestAcceptPayloadCorrupt(t *testing.T) {
	deps, _ := newReceiver(1000)
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 4, Commitment: []byte("aaaa")}
	_, tok, err := Decide(deps, offer)
	require.NoError(t, err)

	outcome, err := AcceptPayload(deps, offer, tok, []byte("bbbb"))
	require.NoError(t, err)
	assert.False(t, outcome.Stored)
	assert.Equal(t, NackCorruptBlock, outcome.Reason)
}

func TestDecideInsufficientSpace(t *testing.T) {
	deps, _ := newReceiver(5)
	offer := Offer{FileHash: "f1", BlockHash: "b1", Size: 10}

	decision, _, err := Decide(deps, offer)
	require.NoError(t, err)
	assert.False(t, decision.Accept)
	assert.Equal(t, ReasonInsufficientSpace, decision.Reason)
}
