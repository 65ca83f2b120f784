package storage

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/db"
	"github.com/toshiapp/ethservice/db/prefixeddb"
)

// submissionLockKey builds the sl/ key: sender(20) | nonce(8 BE).
func submissionLockKey(addr common.Address, nonce uint64) []byte {
	key := make([]byte, 0, 28)
	key = append(key, addr.Bytes()...)
	return binary.BigEndian.AppendUint64(key, nonce)
}

// tryReserve sets prefix+key to a timestamped reservation if it is absent or
// its holder has exceeded ttl. Returns true when the reservation was taken.
func (s *Storage) tryReserve(prefix, key []byte, ttl time.Duration) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	full := join(prefix, key)
	if data, err := wTx.Get(full); err == nil {
		rec := &reservationRecord{}
		if err := DecodeArtifact(data, rec); err == nil {
			if time.Since(time.Unix(rec.Timestamp, 0)) < ttl {
				return false, nil
			}
		}
	} else if err != db.ErrKeyNotFound {
		return false, err
	}
	data, err := EncodeArtifact(&reservationRecord{Timestamp: time.Now().Unix()})
	if err != nil {
		return false, err
	}
	if err := wTx.Set(full, data); err != nil {
		return false, err
	}
	return true, wTx.Commit()
}

// TryLockSender reserves a sender's queue for one processing pass. A
// reservation abandoned by a crashed worker expires after ProcessingLockTTL.
func (s *Storage) TryLockSender(addr common.Address) (bool, error) {
	return s.tryReserve(processingPrefix, addr.Bytes(), ProcessingLockTTL)
}

// UnlockSender releases a sender's queue reservation.
func (s *Storage) UnlockSender(addr common.Address) error {
	return s.deleteArtifact(processingPrefix, addr.Bytes())
}

// MarkRerun flags a sender's queue for another pass. Set by anyone who
// mutates the queue while a processing pass is running.
func (s *Storage) MarkRerun(addr common.Address) error {
	return s.setArtifact(rerunPrefix, addr.Bytes(), &reservationRecord{Timestamp: time.Now().Unix()})
}

// TakeRerun clears the rerun flag and reports whether it was set. The
// read-and-clear happens in one write transaction so a concurrent MarkRerun
// is never lost silently.
func (s *Storage) TakeRerun(addr common.Address) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	full := join(rerunPrefix, addr.Bytes())
	if _, err := wTx.Get(full); err != nil {
		if err == db.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	if err := wTx.Delete(full); err != nil {
		return false, err
	}
	return true, wTx.Commit()
}

// TryLockSubmission reserves a (sender, nonce) slot for the duration of one
// intake request, so two concurrent submissions at the same nonce serialize.
func (s *Storage) TryLockSubmission(addr common.Address, nonce uint64) (bool, error) {
	return s.tryReserve(submissionPrefix, submissionLockKey(addr, nonce), SubmissionLockTTL)
}

// UnlockSubmission releases a (sender, nonce) intake reservation.
func (s *Storage) UnlockSubmission(addr common.Address, nonce uint64) error {
	return s.deleteArtifact(submissionPrefix, submissionLockKey(addr, nonce))
}

// ReleaseStaleLocks sweeps expired processing and submission reservations.
// Called at startup and periodically by the housekeeper.
func (s *Storage) ReleaseStaleLocks() error {
	for _, sweep := range []struct {
		prefix []byte
		ttl    time.Duration
	}{
		{processingPrefix, ProcessingLockTTL},
		{submissionPrefix, SubmissionLockTTL},
	} {
		var stale [][]byte
		rd := prefixeddb.NewPrefixedReader(s.db, sweep.prefix)
		if err := rd.Iterate(nil, func(key, value []byte) bool {
			rec := &reservationRecord{}
			if err := DecodeArtifact(value, rec); err != nil {
				stale = append(stale, append([]byte(nil), key...))
				return true
			}
			if time.Since(time.Unix(rec.Timestamp, 0)) >= sweep.ttl {
				stale = append(stale, append([]byte(nil), key...))
			}
			return true
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if err := s.deleteArtifact(sweep.prefix, key); err != nil {
				return err
			}
		}
	}
	return nil
}
