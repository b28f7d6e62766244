package session

import (
	"fmt"

	"github.com/gwillem/signal-state/internal/keys"
	"github.com/gwillem/signal-state/internal/record"
)

// The flat v1 layout splits a session over three records: the session
// metadata, the local ratchet key, and the remote ratchet key. Each payload
// is a sequence of record fields.
//
//	session_v1: int32 version, identity(remote), identity(local), root key,
//	            int32 previous counter, int32 remote registration id
//	local_key:  private key, chain key, int32 chain index
//	remote_key: public key, chain key, int32 chain index

type legacySession struct {
	version        int32
	remoteIdentity []byte
	localIdentity  []byte
	rootKey        []byte
	prevCounter    int32
	remoteRegID    int32
}

type legacyKey struct {
	key        []byte
	chainKey   []byte
	chainIndex int32
}

func decodeLegacySession(b []byte) (legacySession, error) {
	var ls legacySession
	r := record.NewReader(b)
	var err error
	if ls.version, err = r.ReadInt32(); err != nil {
		return ls, err
	}
	if ls.remoteIdentity, err = r.ReadField(); err != nil {
		return ls, err
	}
	if ls.localIdentity, err = r.ReadField(); err != nil {
		return ls, err
	}
	if ls.rootKey, err = r.ReadField(); err != nil {
		return ls, err
	}
	if ls.prevCounter, err = r.ReadInt32(); err != nil {
		return ls, err
	}
	if ls.remoteRegID, err = r.ReadInt32(); err != nil {
		return ls, err
	}
	return ls, nil
}

func decodeLegacyKey(b []byte) (legacyKey, error) {
	var lk legacyKey
	r := record.NewReader(b)
	var err error
	if lk.key, err = r.ReadField(); err != nil {
		return lk, err
	}
	if lk.chainKey, err = r.ReadField(); err != nil {
		return lk, err
	}
	if lk.chainIndex, err = r.ReadInt32(); err != nil {
		return lk, err
	}
	return lk, nil
}

// migrateLegacy builds a Record from the three flat records.
func migrateLegacy(ls legacySession, local, remote legacyKey) (*Record, error) {
	st := NewState()
	st.SetSessionVersion(uint32(ls.version))
	if len(ls.remoteIdentity) > 0 {
		k, err := keys.DecodePublicKey(ls.remoteIdentity)
		if err != nil {
			return nil, fmt.Errorf("session: legacy remote identity: %w", err)
		}
		st.SetRemoteIdentityKey(k)
	}
	if len(ls.localIdentity) > 0 {
		k, err := keys.DecodePublicKey(ls.localIdentity)
		if err != nil {
			return nil, fmt.Errorf("session: legacy local identity: %w", err)
		}
		st.SetLocalIdentityKey(k)
	}
	st.SetRootKey(ls.rootKey)
	st.SetPreviousCounter(uint32(ls.prevCounter))
	st.SetRemoteRegistrationID(uint32(ls.remoteRegID))

	kp, err := keys.KeyPairFromPrivate(local.key)
	if err != nil {
		return nil, fmt.Errorf("session: legacy local key: %w", err)
	}
	st.SetSenderChain(kp, ChainKey{Index: uint32(local.chainIndex), Key: local.chainKey})

	pub, err := keys.DecodePublicKey(remote.key)
	if err != nil {
		return nil, fmt.Errorf("session: legacy remote key: %w", err)
	}
	st.AddReceiverChain(pub, ChainKey{Index: uint32(remote.chainIndex), Key: remote.chainKey})

	r := NewRecord()
	r.SetState(st)
	return r, nil
}
