package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"chatline/internal/chat"
)

// KVStore keeps messages and unseen counters in BadgerDB.
//
// Keys:
//
//	msg:{id}                          -> JSON message
//	thread:{low}:{high}:{seq20}       -> message id, ordered by the sequence
//	unseen:{recipient}:{sender}       -> decimal counter
type KVStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

const sequenceBandwidth = 100

func NewKVStore(db *badger.DB, log *slog.Logger) (*KVStore, error) {
	seq, err := db.GetSequence([]byte("seq:messages"), sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	return &KVStore{db: db, seq: seq, log: log}, nil
}

// Close releases the leased sequence range. The caller owns the DB.
func (s *KVStore) Close() error {
	return s.seq.Release()
}

func (s *KVStore) StoreMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	msg = withIdentity(msg)
	next, err := s.seq.Next()
	if err != nil {
		return chat.Message{}, err
	}
	bytes, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(msg.ID), bytes); err != nil {
			return err
		}
		return txn.Set([]byte(fmt.Sprintf("%s%020d", threadPrefix(msg.SenderID, msg.RecipientID), next)), []byte(msg.ID))
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (s *KVStore) ListMessages(_ context.Context, a, b string) ([]chat.Message, error) {
	messages := []chat.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(threadPrefix(a, b))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := getMessage(txn, string(id))
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *KVStore) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *KVStore) SetSeen(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		msg, err := getMessage(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if msg.Seen {
			return nil
		}
		msg.Seen = true
		bytes, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(id), bytes)
	})
}

func (s *KVStore) UnseenCounts(_ context.Context, recipient string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("unseen:" + recipient + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			sender := strings.TrimPrefix(string(item.Key()), string(prefix))
			count, err := readCounter(item)
			if err != nil {
				return err
			}
			if count > 0 {
				counts[sender] = count
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *KVStore) IncrementUnseen(_ context.Context, recipient, sender string) (int, error) {
	var count int
	err := s.update(func(txn *badger.Txn) error {
		key := unseenKey(recipient, sender)
		current, err := getCounter(txn, key)
		if err != nil {
			return err
		}
		count = current + 1
		return txn.Set(key, []byte(strconv.Itoa(count)))
	})
	return count, err
}

func (s *KVStore) ResetUnseen(_ context.Context, recipient, sender string) (int, error) {
	var previous int
	err := s.update(func(txn *badger.Txn) error {
		key := unseenKey(recipient, sender)
		var err error
		if previous, err = getCounter(txn, key); err != nil {
			return err
		}
		if previous == 0 {
			return nil
		}
		return txn.Delete(key)
	})
	return previous, err
}

// update retries read-modify-write transactions that lost a conflict.
func (s *KVStore) update(fn func(txn *badger.Txn) error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("Badger transaction conflict, retrying", "attempt", i+1)
	}
	return err
}

func getMessage(txn *badger.Txn, id string) (chat.Message, error) {
	item, err := txn.Get(messageKey(id))
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &msg)
	})
	return msg, err
}

func getCounter(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return readCounter(item)
}

func readCounter(item *badger.Item) (int, error) {
	var count int
	err := item.Value(func(value []byte) error {
		var err error
		count, err = strconv.Atoi(string(value))
		return err
	})
	return count, err
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

func unseenKey(recipient, sender string) []byte {
	return []byte("unseen:" + recipient + ":" + sender)
}

// threadPrefix is symmetric in its arguments.
func threadPrefix(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "thread:" + a + ":" + b + ":"
}
