package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBThread struct {
	ID           string `msgpack:"id"`
	LastActivity int64  `msgpack:"lastActivity"`
}

func (t *DBThread) Key() []byte {
	return []byte(t.ID)
}

func (t *DBThread) MarshalBinary() (data []byte, err error) {
	type alias DBThread
	return msgpack.Marshal((*alias)(t))
}

func (t *DBThread) UnmarshalBinary(data []byte) error {
	type alias DBThread
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	ThreadID    string `msgpack:"threadId"`
	SenderID    string `msgpack:"senderId"`
	Content     string `msgpack:"content"`
	ContentType string `msgpack:"contentType"`
	CreatedAt   int64  `msgpack:"createdAt"` // Unix nanoseconds
}

// Key orders messages by creation time first, with the id as a uniqueness
// suffix so equal timestamps never collide.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, []byte(m.ID)...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
