// Package session holds per-device ratchet state and persists it through
// the encrypted record store.
package session

import (
	"bytes"
	"errors"
	"slices"

	"github.com/gwillem/signal-state/internal/keys"
)

const (
	// MaxReceiverChains bounds the receiver chains kept per state. The
	// oldest chain is evicted first.
	MaxReceiverChains = 5
	// MaxMessageKeys bounds the cached out-of-order message keys per chain.
	MaxMessageKeys = 2000
)

// ErrNoChain is returned when a receiver chain lookup misses.
var ErrNoChain = errors.New("session: no such chain")

// ChainKey is the ratchet position of one chain.
type ChainKey struct {
	Index uint32
	Key   []byte
}

// MessageKeys are the derived keys for a single message counter.
type MessageKeys struct {
	Index     uint32
	CipherKey []byte
	MacKey    []byte
	IV        []byte
}

// Chain is a sender or receiver chain keyed by the sender's ratchet key.
// SenderRatchetPrivate is only set on the local sender chain.
type Chain struct {
	SenderRatchetKey     keys.PublicKey
	SenderRatchetPrivate *keys.PrivateKey
	ChainKey             ChainKey
	MessageKeys          []MessageKeys
}

// PendingKeyExchange holds the local side of an outstanding key exchange.
type PendingKeyExchange struct {
	Sequence         uint32
	LocalBaseKey     keys.KeyPair
	LocalRatchetKey  keys.KeyPair
	LocalIdentityKey keys.KeyPair
}

// PendingPreKey records the pre-key message we have sent but not yet seen
// acknowledged.
type PendingPreKey struct {
	PreKeyID       uint32
	HasPreKeyID    bool
	SignedPreKeyID int32
	BaseKey        keys.PublicKey
}

// State is the ratchet state of one session with one remote device. A State
// has a single owner; callers serialize access through the session store.
type State struct {
	sessionVersion       uint32
	localIdentityKey     *keys.PublicKey
	remoteIdentityKey    *keys.PublicKey
	rootKey              []byte
	previousCounter      uint32
	senderChain          *Chain
	receiverChains       []Chain
	pendingKeyExchange   *PendingKeyExchange
	pendingPreKey        *PendingPreKey
	remoteRegistrationID uint32
	localRegistrationID  uint32
	needsRefresh         bool
	aliceBaseKey         []byte
}

// NewState returns an empty state.
func NewState() *State { return &State{} }

// SessionVersion returns the protocol version, treating an unset version
// as 2.
func (s *State) SessionVersion() uint32 {
	if s.sessionVersion == 0 {
		return 2
	}
	return s.sessionVersion
}

// SetSessionVersion sets the protocol version.
func (s *State) SetSessionVersion(v uint32) { s.sessionVersion = v }

// LocalIdentityKey returns the local identity key, or false when unset.
func (s *State) LocalIdentityKey() (keys.PublicKey, bool) {
	if s.localIdentityKey == nil {
		return keys.PublicKey{}, false
	}
	return *s.localIdentityKey, true
}

// SetLocalIdentityKey sets the local identity key.
func (s *State) SetLocalIdentityKey(k keys.PublicKey) { s.localIdentityKey = &k }

// RemoteIdentityKey returns the remote identity key, or false when unset.
func (s *State) RemoteIdentityKey() (keys.PublicKey, bool) {
	if s.remoteIdentityKey == nil {
		return keys.PublicKey{}, false
	}
	return *s.remoteIdentityKey, true
}

// SetRemoteIdentityKey sets the remote identity key.
func (s *State) SetRemoteIdentityKey(k keys.PublicKey) { s.remoteIdentityKey = &k }

// RootKey returns the current root key.
func (s *State) RootKey() []byte { return s.rootKey }

// SetRootKey stores a copy of k as the root key.
func (s *State) SetRootKey(k []byte) { s.rootKey = slices.Clone(k) }

// PreviousCounter returns the length of the previous sender chain.
func (s *State) PreviousCounter() uint32 { return s.previousCounter }

// SetPreviousCounter sets the length of the previous sender chain.
func (s *State) SetPreviousCounter(n uint32) { s.previousCounter = n }

// RemoteRegistrationID returns the peer's registration id.
func (s *State) RemoteRegistrationID() uint32 { return s.remoteRegistrationID }

// SetRemoteRegistrationID sets the peer's registration id.
func (s *State) SetRemoteRegistrationID(id uint32) { s.remoteRegistrationID = id }

// LocalRegistrationID returns this device's registration id.
func (s *State) LocalRegistrationID() uint32 { return s.localRegistrationID }

// SetLocalRegistrationID sets this device's registration id.
func (s *State) SetLocalRegistrationID(id uint32) { s.localRegistrationID = id }

// NeedsRefresh reports whether the session was flagged for renewal.
func (s *State) NeedsRefresh() bool { return s.needsRefresh }

// SetNeedsRefresh flags or clears the session for renewal.
func (s *State) SetNeedsRefresh(v bool) { s.needsRefresh = v }

// AliceBaseKey returns the base key of the initiating side.
func (s *State) AliceBaseKey() []byte { return s.aliceBaseKey }

// SetAliceBaseKey stores a copy of k as the initiator's base key.
func (s *State) SetAliceBaseKey(k []byte) { s.aliceBaseKey = slices.Clone(k) }

// HasSenderChain reports whether the session can be used to send.
func (s *State) HasSenderChain() bool { return s.senderChain != nil }

// SetSenderChain replaces the sender chain wholesale.
func (s *State) SetSenderChain(kp keys.KeyPair, ck ChainKey) {
	priv := kp.Private
	s.senderChain = &Chain{
		SenderRatchetKey:     kp.Public,
		SenderRatchetPrivate: &priv,
		ChainKey:             cloneChainKey(ck),
	}
}

// SenderRatchetKey returns the public half of the sender ratchet key.
func (s *State) SenderRatchetKey() (keys.PublicKey, bool) {
	if s.senderChain == nil {
		return keys.PublicKey{}, false
	}
	return s.senderChain.SenderRatchetKey, true
}

// SenderRatchetKeyPair returns the full sender ratchet key pair.
func (s *State) SenderRatchetKeyPair() (keys.KeyPair, bool) {
	if s.senderChain == nil || s.senderChain.SenderRatchetPrivate == nil {
		return keys.KeyPair{}, false
	}
	return keys.KeyPair{Public: s.senderChain.SenderRatchetKey, Private: *s.senderChain.SenderRatchetPrivate}, true
}

// SenderChainKey returns a copy of the sender chain key.
func (s *State) SenderChainKey() (ChainKey, bool) {
	if s.senderChain == nil {
		return ChainKey{}, false
	}
	return cloneChainKey(s.senderChain.ChainKey), true
}

// SetSenderChainKey advances the sender chain. It is a no-op without one.
func (s *State) SetSenderChainKey(ck ChainKey) {
	if s.senderChain == nil {
		return
	}
	s.senderChain.ChainKey = cloneChainKey(ck)
}

func (s *State) receiverChain(pub keys.PublicKey) int {
	return slices.IndexFunc(s.receiverChains, func(c Chain) bool {
		return c.SenderRatchetKey.Equal(pub)
	})
}

// HasReceiverChain reports whether a chain for pub is stored.
func (s *State) HasReceiverChain(pub keys.PublicKey) bool {
	return s.receiverChain(pub) >= 0
}

// ReceiverChains returns the receiver chains oldest first.
func (s *State) ReceiverChains() []Chain {
	out := make([]Chain, len(s.receiverChains))
	for i, c := range s.receiverChains {
		out[i] = cloneChain(c)
	}
	return out
}

// AddReceiverChain appends a chain, evicting the oldest while more than
// MaxReceiverChains remain.
func (s *State) AddReceiverChain(pub keys.PublicKey, ck ChainKey) {
	s.receiverChains = append(s.receiverChains, Chain{
		SenderRatchetKey: pub,
		ChainKey:         cloneChainKey(ck),
	})
	for len(s.receiverChains) > MaxReceiverChains {
		s.receiverChains = slices.Delete(s.receiverChains, 0, 1)
	}
}

// ReceiverChainKey returns a copy of the chain key for pub.
func (s *State) ReceiverChainKey(pub keys.PublicKey) (ChainKey, bool) {
	i := s.receiverChain(pub)
	if i < 0 {
		return ChainKey{}, false
	}
	return cloneChainKey(s.receiverChains[i].ChainKey), true
}

// SetReceiverChainKey advances the chain for pub. It returns ErrNoChain
// when no chain for pub is stored.
func (s *State) SetReceiverChainKey(pub keys.PublicKey, ck ChainKey) error {
	i := s.receiverChain(pub)
	if i < 0 {
		return ErrNoChain
	}
	s.receiverChains[i].ChainKey = cloneChainKey(ck)
	return nil
}

// HasMessageKeys reports whether keys for counter are cached on the chain.
func (s *State) HasMessageKeys(pub keys.PublicKey, counter uint32) bool {
	i := s.receiverChain(pub)
	if i < 0 {
		return false
	}
	return slices.ContainsFunc(s.receiverChains[i].MessageKeys, func(mk MessageKeys) bool {
		return mk.Index == counter
	})
}

// RemoveMessageKeys pops the cached keys for counter. A second call for the
// same counter reports false.
func (s *State) RemoveMessageKeys(pub keys.PublicKey, counter uint32) (MessageKeys, bool) {
	i := s.receiverChain(pub)
	if i < 0 {
		return MessageKeys{}, false
	}
	chain := &s.receiverChains[i]
	j := slices.IndexFunc(chain.MessageKeys, func(mk MessageKeys) bool {
		return mk.Index == counter
	})
	if j < 0 {
		return MessageKeys{}, false
	}
	mk := chain.MessageKeys[j]
	chain.MessageKeys = slices.Delete(chain.MessageKeys, j, j+1)
	return mk, true
}

// SetMessageKeys caches keys for a future out-of-order message. The oldest
// entries are dropped beyond MaxMessageKeys.
func (s *State) SetMessageKeys(pub keys.PublicKey, mk MessageKeys) error {
	i := s.receiverChain(pub)
	if i < 0 {
		return ErrNoChain
	}
	chain := &s.receiverChains[i]
	chain.MessageKeys = append(chain.MessageKeys, cloneMessageKeys(mk))
	if n := len(chain.MessageKeys) - MaxMessageKeys; n > 0 {
		chain.MessageKeys = slices.Delete(chain.MessageKeys, 0, n)
	}
	return nil
}

// SetPendingKeyExchange records a key exchange started by this side.
func (s *State) SetPendingKeyExchange(sequence uint32, base, ratchet, identity keys.KeyPair) {
	s.pendingKeyExchange = &PendingKeyExchange{
		Sequence:         sequence,
		LocalBaseKey:     base,
		LocalRatchetKey:  ratchet,
		LocalIdentityKey: identity,
	}
}

// HasPendingKeyExchange reports whether a key exchange is in flight.
func (s *State) HasPendingKeyExchange() bool { return s.pendingKeyExchange != nil }

// PendingKeyExchange returns the in-flight key exchange.
func (s *State) PendingKeyExchange() (PendingKeyExchange, bool) {
	if s.pendingKeyExchange == nil {
		return PendingKeyExchange{}, false
	}
	return *s.pendingKeyExchange, true
}

// ClearPendingKeyExchange drops the in-flight key exchange.
func (s *State) ClearPendingKeyExchange() { s.pendingKeyExchange = nil }

// SetUnacknowledgedPreKeyMessage records the pre-key message sent to start
// this session. A nil preKeyID means no one-time pre-key was used.
func (s *State) SetUnacknowledgedPreKeyMessage(preKeyID *uint32, signedPreKeyID int32, baseKey keys.PublicKey) {
	p := &PendingPreKey{SignedPreKeyID: signedPreKeyID, BaseKey: baseKey}
	if preKeyID != nil {
		p.PreKeyID, p.HasPreKeyID = *preKeyID, true
	}
	s.pendingPreKey = p
}

// HasUnacknowledgedPreKeyMessage reports whether the peer has not yet
// answered the session's first message.
func (s *State) HasUnacknowledgedPreKeyMessage() bool { return s.pendingPreKey != nil }

// UnacknowledgedPreKeyMessage returns the recorded pre-key message.
func (s *State) UnacknowledgedPreKeyMessage() (PendingPreKey, bool) {
	if s.pendingPreKey == nil {
		return PendingPreKey{}, false
	}
	return *s.pendingPreKey, true
}

// ClearUnacknowledgedPreKeyMessage marks the session as acknowledged.
func (s *State) ClearUnacknowledgedPreKeyMessage() { s.pendingPreKey = nil }

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c, err := decodeState(encodeState(s))
	if err != nil {
		// encodeState output always decodes.
		panic("session: clone: " + err.Error())
	}
	return c
}

// Equal reports whether two states serialize identically.
func (s *State) Equal(o *State) bool {
	if s == nil || o == nil {
		return s == o
	}
	return bytes.Equal(encodeState(s), encodeState(o))
}

func cloneChainKey(ck ChainKey) ChainKey {
	return ChainKey{Index: ck.Index, Key: slices.Clone(ck.Key)}
}

func cloneMessageKeys(mk MessageKeys) MessageKeys {
	return MessageKeys{
		Index:     mk.Index,
		CipherKey: slices.Clone(mk.CipherKey),
		MacKey:    slices.Clone(mk.MacKey),
		IV:        slices.Clone(mk.IV),
	}
}

func cloneChain(c Chain) Chain {
	out := Chain{SenderRatchetKey: c.SenderRatchetKey, ChainKey: cloneChainKey(c.ChainKey)}
	if c.SenderRatchetPrivate != nil {
		p := *c.SenderRatchetPrivate
		out.SenderRatchetPrivate = &p
	}
	for _, mk := range c.MessageKeys {
		out.MessageKeys = append(out.MessageKeys, cloneMessageKeys(mk))
	}
	return out
}
