package session

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-state/internal/keys"
	"github.com/gwillem/signal-state/internal/pbwire"
)

// Field numbers follow libsignal's SessionStructure and RecordStructure.
const (
	fSessionVersion       = 1
	fLocalIdentityPublic  = 2
	fRemoteIdentityPublic = 3
	fRootKey              = 4
	fPreviousCounter      = 5
	fSenderChain          = 6
	fReceiverChains       = 7
	fPendingKeyExchange   = 8
	fPendingPreKey        = 9
	fRemoteRegistrationID = 10
	fLocalRegistrationID  = 11
	fNeedsRefresh         = 12
	fAliceBaseKey         = 13

	fChainSenderRatchetKey        = 1
	fChainSenderRatchetKeyPrivate = 2
	fChainChainKey                = 3
	fChainMessageKeys             = 4

	fChainKeyIndex = 1
	fChainKeyKey   = 2

	fMessageKeyIndex     = 1
	fMessageKeyCipherKey = 2
	fMessageKeyMacKey    = 3
	fMessageKeyIV        = 4

	fPKESequence                = 1
	fPKELocalBaseKey            = 2
	fPKELocalBaseKeyPrivate     = 3
	fPKELocalRatchetKey         = 4
	fPKELocalRatchetKeyPrivate  = 5
	fPKELocalIdentityKey        = 7
	fPKELocalIdentityKeyPrivate = 8

	fPPKPreKeyID       = 1
	fPPKBaseKey        = 2
	fPPKSignedPreKeyID = 3

	fRecordCurrentSession   = 1
	fRecordPreviousSessions = 2
)

func encodeState(s *State) []byte {
	var b []byte
	b = pbwire.AppendVarint(b, fSessionVersion, uint64(s.sessionVersion))
	if s.localIdentityKey != nil {
		b = pbwire.AppendBytes(b, fLocalIdentityPublic, s.localIdentityKey.Serialize())
	}
	if s.remoteIdentityKey != nil {
		b = pbwire.AppendBytes(b, fRemoteIdentityPublic, s.remoteIdentityKey.Serialize())
	}
	b = pbwire.AppendBytes(b, fRootKey, s.rootKey)
	b = pbwire.AppendVarint(b, fPreviousCounter, uint64(s.previousCounter))
	if s.senderChain != nil {
		b = pbwire.AppendMessage(b, fSenderChain, encodeChain(s.senderChain))
	}
	for i := range s.receiverChains {
		b = pbwire.AppendMessage(b, fReceiverChains, encodeChain(&s.receiverChains[i]))
	}
	if p := s.pendingKeyExchange; p != nil {
		var m []byte
		m = pbwire.AppendVarint(m, fPKESequence, uint64(p.Sequence))
		m = pbwire.AppendBytes(m, fPKELocalBaseKey, p.LocalBaseKey.Public.Serialize())
		m = pbwire.AppendBytes(m, fPKELocalBaseKeyPrivate, p.LocalBaseKey.Private[:])
		m = pbwire.AppendBytes(m, fPKELocalRatchetKey, p.LocalRatchetKey.Public.Serialize())
		m = pbwire.AppendBytes(m, fPKELocalRatchetKeyPrivate, p.LocalRatchetKey.Private[:])
		m = pbwire.AppendBytes(m, fPKELocalIdentityKey, p.LocalIdentityKey.Public.Serialize())
		m = pbwire.AppendBytes(m, fPKELocalIdentityKeyPrivate, p.LocalIdentityKey.Private[:])
		b = pbwire.AppendMessage(b, fPendingKeyExchange, m)
	}
	if p := s.pendingPreKey; p != nil {
		var m []byte
		if p.HasPreKeyID {
			m = pbwire.AppendVarintAlways(m, fPPKPreKeyID, uint64(p.PreKeyID))
		}
		m = pbwire.AppendBytes(m, fPPKBaseKey, p.BaseKey.Serialize())
		m = pbwire.AppendVarintAlways(m, fPPKSignedPreKeyID, uint64(int64(p.SignedPreKeyID)))
		b = pbwire.AppendMessage(b, fPendingPreKey, m)
	}
	b = pbwire.AppendVarint(b, fRemoteRegistrationID, uint64(s.remoteRegistrationID))
	b = pbwire.AppendVarint(b, fLocalRegistrationID, uint64(s.localRegistrationID))
	b = pbwire.AppendBool(b, fNeedsRefresh, s.needsRefresh)
	b = pbwire.AppendBytes(b, fAliceBaseKey, s.aliceBaseKey)
	return b
}

func encodeChain(c *Chain) []byte {
	var b []byte
	b = pbwire.AppendBytes(b, fChainSenderRatchetKey, c.SenderRatchetKey.Serialize())
	if c.SenderRatchetPrivate != nil {
		b = pbwire.AppendBytes(b, fChainSenderRatchetKeyPrivate, c.SenderRatchetPrivate[:])
	}
	var ck []byte
	ck = pbwire.AppendVarint(ck, fChainKeyIndex, uint64(c.ChainKey.Index))
	ck = pbwire.AppendBytes(ck, fChainKeyKey, c.ChainKey.Key)
	b = pbwire.AppendMessage(b, fChainChainKey, ck)
	for _, mk := range c.MessageKeys {
		var m []byte
		m = pbwire.AppendVarint(m, fMessageKeyIndex, uint64(mk.Index))
		m = pbwire.AppendBytes(m, fMessageKeyCipherKey, mk.CipherKey)
		m = pbwire.AppendBytes(m, fMessageKeyMacKey, mk.MacKey)
		m = pbwire.AppendBytes(m, fMessageKeyIV, mk.IV)
		b = pbwire.AppendMessage(b, fChainMessageKeys, m)
	}
	return b
}

func decodeState(b []byte) (*State, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, err
	}
	s := &State{}
	for _, f := range fields {
		switch f.Num {
		case fSessionVersion, fPreviousCounter, fRemoteRegistrationID, fLocalRegistrationID, fNeedsRefresh:
			if err := f.Expect(protowire.VarintType); err != nil {
				return nil, err
			}
			switch f.Num {
			case fSessionVersion:
				s.sessionVersion = uint32(f.Varint)
			case fPreviousCounter:
				s.previousCounter = uint32(f.Varint)
			case fRemoteRegistrationID:
				s.remoteRegistrationID = uint32(f.Varint)
			case fLocalRegistrationID:
				s.localRegistrationID = uint32(f.Varint)
			case fNeedsRefresh:
				s.needsRefresh = f.Varint != 0
			}
		case fLocalIdentityPublic, fRemoteIdentityPublic:
			if err := f.Expect(protowire.BytesType); err != nil {
				return nil, err
			}
			k, err := keys.DecodePublicKey(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("session: identity key: %w", err)
			}
			if f.Num == fLocalIdentityPublic {
				s.localIdentityKey = &k
			} else {
				s.remoteIdentityKey = &k
			}
		case fRootKey:
			if err := f.Expect(protowire.BytesType); err != nil {
				return nil, err
			}
			s.rootKey = clone(f.Bytes)
		case fAliceBaseKey:
			if err := f.Expect(protowire.BytesType); err != nil {
				return nil, err
			}
			s.aliceBaseKey = clone(f.Bytes)
		case fSenderChain:
			c, err := decodeChain(f)
			if err != nil {
				return nil, err
			}
			s.senderChain = &c
		case fReceiverChains:
			c, err := decodeChain(f)
			if err != nil {
				return nil, err
			}
			s.receiverChains = append(s.receiverChains, c)
		case fPendingKeyExchange:
			p, err := decodePendingKeyExchange(f)
			if err != nil {
				return nil, err
			}
			s.pendingKeyExchange = p
		case fPendingPreKey:
			p, err := decodePendingPreKey(f)
			if err != nil {
				return nil, err
			}
			s.pendingPreKey = p
		}
	}
	return s, nil
}

func decodeChain(f pbwire.Field) (Chain, error) {
	var c Chain
	if err := f.Expect(protowire.BytesType); err != nil {
		return c, err
	}
	fields, err := pbwire.Parse(f.Bytes)
	if err != nil {
		return c, err
	}
	for _, f := range fields {
		if err := f.Expect(protowire.BytesType); err != nil {
			return c, err
		}
		switch f.Num {
		case fChainSenderRatchetKey:
			if c.SenderRatchetKey, err = keys.DecodePublicKey(f.Bytes); err != nil {
				return c, fmt.Errorf("session: ratchet key: %w", err)
			}
		case fChainSenderRatchetKeyPrivate:
			if len(f.Bytes) != 32 {
				return c, fmt.Errorf("session: ratchet private key: %d bytes", len(f.Bytes))
			}
			var p keys.PrivateKey
			copy(p[:], f.Bytes)
			c.SenderRatchetPrivate = &p
		case fChainChainKey:
			sub, err := pbwire.Parse(f.Bytes)
			if err != nil {
				return c, err
			}
			for _, sf := range sub {
				switch sf.Num {
				case fChainKeyIndex:
					c.ChainKey.Index = uint32(sf.Varint)
				case fChainKeyKey:
					c.ChainKey.Key = clone(sf.Bytes)
				}
			}
		case fChainMessageKeys:
			sub, err := pbwire.Parse(f.Bytes)
			if err != nil {
				return c, err
			}
			var mk MessageKeys
			for _, sf := range sub {
				switch sf.Num {
				case fMessageKeyIndex:
					mk.Index = uint32(sf.Varint)
				case fMessageKeyCipherKey:
					mk.CipherKey = clone(sf.Bytes)
				case fMessageKeyMacKey:
					mk.MacKey = clone(sf.Bytes)
				case fMessageKeyIV:
					mk.IV = clone(sf.Bytes)
				}
			}
			c.MessageKeys = append(c.MessageKeys, mk)
		}
	}
	return c, nil
}

func decodePendingKeyExchange(f pbwire.Field) (*PendingKeyExchange, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return nil, err
	}
	fields, err := pbwire.Parse(f.Bytes)
	if err != nil {
		return nil, err
	}
	p := &PendingKeyExchange{}
	for _, f := range fields {
		var dst *[32]byte
		switch f.Num {
		case fPKESequence:
			p.Sequence = uint32(f.Varint)
			continue
		case fPKELocalBaseKey:
			dst = (*[32]byte)(&p.LocalBaseKey.Public)
		case fPKELocalRatchetKey:
			dst = (*[32]byte)(&p.LocalRatchetKey.Public)
		case fPKELocalIdentityKey:
			dst = (*[32]byte)(&p.LocalIdentityKey.Public)
		case fPKELocalBaseKeyPrivate:
			dst = (*[32]byte)(&p.LocalBaseKey.Private)
		case fPKELocalRatchetKeyPrivate:
			dst = (*[32]byte)(&p.LocalRatchetKey.Private)
		case fPKELocalIdentityKeyPrivate:
			dst = (*[32]byte)(&p.LocalIdentityKey.Private)
		default:
			continue
		}
		v := f.Bytes
		if len(v) == 33 {
			pub, err := keys.DecodePublicKey(v)
			if err != nil {
				return nil, fmt.Errorf("session: pending key exchange: %w", err)
			}
			v = pub[:]
		}
		if len(v) != 32 {
			return nil, fmt.Errorf("session: pending key exchange field %d: %d bytes", f.Num, len(v))
		}
		copy(dst[:], v)
	}
	return p, nil
}

func decodePendingPreKey(f pbwire.Field) (*PendingPreKey, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return nil, err
	}
	fields, err := pbwire.Parse(f.Bytes)
	if err != nil {
		return nil, err
	}
	p := &PendingPreKey{}
	for _, f := range fields {
		switch f.Num {
		case fPPKPreKeyID:
			p.PreKeyID, p.HasPreKeyID = uint32(f.Varint), true
		case fPPKSignedPreKeyID:
			p.SignedPreKeyID = int32(f.Varint)
		case fPPKBaseKey:
			if p.BaseKey, err = keys.DecodePublicKey(f.Bytes); err != nil {
				return nil, fmt.Errorf("session: pending pre-key base key: %w", err)
			}
		}
	}
	return p, nil
}

func encodeRecord(r *Record) []byte {
	var b []byte
	b = pbwire.AppendMessage(b, fRecordCurrentSession, encodeState(r.current))
	for _, p := range r.previous {
		b = pbwire.AppendMessage(b, fRecordPreviousSessions, encodeState(p))
	}
	return b
}

func decodeRecord(b []byte) (*Record, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, err
	}
	r := &Record{current: NewState()}
	for _, f := range fields {
		if f.Num != fRecordCurrentSession && f.Num != fRecordPreviousSessions {
			continue
		}
		if err := f.Expect(protowire.BytesType); err != nil {
			return nil, err
		}
		s, err := decodeState(f.Bytes)
		if err != nil {
			return nil, err
		}
		if f.Num == fRecordCurrentSession {
			r.current = s
		} else {
			r.previous = append(r.previous, s)
		}
	}
	return r, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
