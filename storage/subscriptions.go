package storage

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/db/prefixeddb"
	"github.com/toshiapp/ethservice/types"
)

// subscriptionKey builds the sub/ key:
// address(20) | service | 0x00 | registrationID.
func subscriptionKey(addr common.Address, service, registrationID string) []byte {
	key := make([]byte, 0, 20+len(service)+1+len(registrationID))
	key = append(key, addr.Bytes()...)
	key = append(key, service...)
	key = append(key, 0)
	return append(key, registrationID...)
}

// subscriptionTokenKey builds the subt/ reverse index key:
// tokenID | 0x00 | address(20) | service | 0x00 | registrationID.
func subscriptionTokenKey(tokenID string, addr common.Address, service, registrationID string) []byte {
	key := make([]byte, 0, len(tokenID)+1+20+len(service)+1+len(registrationID))
	key = append(key, tokenID...)
	key = append(key, 0)
	key = append(key, addr.Bytes()...)
	key = append(key, service...)
	key = append(key, 0)
	return append(key, registrationID...)
}

// AddSubscription registers interest of a client in an address. Registering
// the same (address, service, registrationID) again is an upsert.
func (s *Storage) AddSubscription(sub *types.Subscription) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if sub.Created.IsZero() {
		sub.Created = time.Now().UTC()
	}
	data, err := EncodeArtifact(sub)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(join(subscriptionPrefix, subscriptionKey(sub.Address, sub.Service, sub.RegistrationID)), data); err != nil {
		return err
	}
	if err := wTx.Set(join(subTokenIndexPrefix, subscriptionTokenKey(sub.TokenID, sub.Address, sub.Service, sub.RegistrationID)), nil); err != nil {
		return err
	}
	return wTx.Commit()
}

// RemoveSubscription drops one subscription. Missing rows are not an error.
func (s *Storage) RemoveSubscription(tokenID string, addr common.Address, service, registrationID string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(join(subscriptionPrefix, subscriptionKey(addr, service, registrationID))); err != nil {
		return err
	}
	if err := wTx.Delete(join(subTokenIndexPrefix, subscriptionTokenKey(tokenID, addr, service, registrationID))); err != nil {
		return err
	}
	return wTx.Commit()
}

// SubscriptionsForAddress lists every subscription targeting an address,
// across all services.
func (s *Storage) SubscriptionsForAddress(addr common.Address) ([]*types.Subscription, error) {
	var subs []*types.Subscription
	var innerErr error
	rd := prefixeddb.NewPrefixedReader(s.db, subscriptionPrefix)
	err := rd.Iterate(addr.Bytes(), func(_, value []byte) bool {
		sub := &types.Subscription{}
		if err := DecodeArtifact(value, sub); err != nil {
			innerErr = err
			return false
		}
		subs = append(subs, sub)
		return true
	})
	if innerErr != nil {
		return nil, innerErr
	}
	return subs, err
}

// HasSubscribers reports whether any client watches the address. The block
// monitor uses it to decide which external transactions are interesting.
func (s *Storage) HasSubscribers(addr common.Address) (bool, error) {
	found := false
	rd := prefixeddb.NewPrefixedReader(s.db, subscriptionPrefix)
	err := rd.Iterate(addr.Bytes(), func(_, _ []byte) bool {
		found = true
		return false
	})
	return found, err
}

// AddressesForToken lists the distinct addresses a client is subscribed to.
func (s *Storage) AddressesForToken(tokenID string) ([]common.Address, error) {
	prefix := append([]byte(tokenID), 0)
	seen := make(map[common.Address]bool)
	var addrs []common.Address
	rd := prefixeddb.NewPrefixedReader(s.db, subTokenIndexPrefix)
	err := rd.Iterate(prefix, func(key, _ []byte) bool {
		if len(key) < common.AddressLength {
			return true
		}
		addr := common.BytesToAddress(key[:common.AddressLength])
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
		return true
	})
	return addrs, err
}

// RemoveRegistration drops every subscription a client holds through a given
// service registration, across all addresses. Used by push deregistration.
func (s *Storage) RemoveRegistration(tokenID, service, registrationID string) error {
	prefix := append([]byte(tokenID), 0)
	suffix := make([]byte, 0, len(service)+1+len(registrationID))
	suffix = append(suffix, service...)
	suffix = append(suffix, 0)
	suffix = append(suffix, registrationID...)

	var addrs []common.Address
	rd := prefixeddb.NewPrefixedReader(s.db, subTokenIndexPrefix)
	if err := rd.Iterate(prefix, func(key, _ []byte) bool {
		if len(key) < common.AddressLength || !bytes.Equal(key[common.AddressLength:], suffix) {
			return true
		}
		addrs = append(addrs, common.BytesToAddress(key[:common.AddressLength]))
		return true
	}); err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := s.RemoveSubscription(tokenID, addr, service, registrationID); err != nil {
			return err
		}
	}
	return nil
}
