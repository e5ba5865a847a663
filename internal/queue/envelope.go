package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job classes carried on the queue. The strings are the wire contract shared
// with any other ingest runtime writing to the same broker.
const (
	ClassPersistChat        = "PersistChat"
	ClassPersistMessage     = "PersistMessage"
	ClassRecomputeAppCount  = "RecomputeAppCount"
	ClassRecomputeChatCount = "RecomputeChatCount"
	ClassIndexMessage       = "IndexMessage"
	ClassReindexAll         = "ReindexAll"
	ClassRebuildCounters    = "RebuildCounters"
)

// Envelope is the versioned job wrapper shared between runtimes. Workers
// only depend on Wrapped / Args[0].JobClass and Args[0].Arguments; the rest
// of the fields exist so envelopes written by other producers decode
// unchanged.
type Envelope struct {
	Class     string    `json:"class"`
	Wrapped   string    `json:"wrapped"`
	Queue     string    `json:"queue"`
	Args      []JobArgs `json:"args"`
	Retry     bool      `json:"retry"`
	JID       string    `json:"jid"`
	CreatedAt float64   `json:"created_at"`
}

// JobArgs is the inner job record of an Envelope.
type JobArgs struct {
	JobClass  string `json:"job_class"`
	JobID     string `json:"job_id"`
	QueueName string `json:"queue_name"`
	Arguments []any  `json:"arguments"`
	Locale    string `json:"locale"`
}

// NewEnvelope wraps a job class and its positional arguments in a fresh
// envelope. Queue names are stamped at enqueue time.
func NewEnvelope(class string, arguments ...any) *Envelope {
	if arguments == nil {
		arguments = []any{}
	}
	return &Envelope{
		Class:   "JobWrapper",
		Wrapped: class,
		Args: []JobArgs{{
			JobClass:  class,
			JobID:     uuid.New().String(),
			Arguments: arguments,
			Locale:    "en",
		}},
		Retry:     true,
		JID:       newJID(),
		CreatedAt: float64(time.Now().UnixNano()) / 1e9,
	}
}

// PersistChat carries (app internal ID, allocated chat number).
func PersistChat(appID, number int64) *Envelope {
	return NewEnvelope(ClassPersistChat, appID, number)
}

// PersistMessage carries (chat internal ID, allocated message number, body).
func PersistMessage(chatID, number int64, body string) *Envelope {
	return NewEnvelope(ClassPersistMessage, chatID, number, body)
}

// RecomputeAppCount carries the application internal ID.
func RecomputeAppCount(appID int64) *Envelope {
	return NewEnvelope(ClassRecomputeAppCount, appID)
}

// RecomputeChatCount carries the chat internal ID.
func RecomputeChatCount(chatID int64) *Envelope {
	return NewEnvelope(ClassRecomputeChatCount, chatID)
}

// IndexMessage carries the message internal ID.
func IndexMessage(messageID int64) *Envelope {
	return NewEnvelope(ClassIndexMessage, messageID)
}

// ReindexAll replays the whole durable store into the search index.
func ReindexAll() *Envelope {
	return NewEnvelope(ClassReindexAll)
}

// RebuildCounters re-derives every counter from the durable store.
func RebuildCounters() *Envelope {
	return NewEnvelope(ClassRebuildCounters)
}

// ParseEnvelope decodes a queue entry. It accepts envelopes from any
// producer as long as the job class and arguments are recoverable.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode job envelope: %w", err)
	}
	if env.JobClass() == "" {
		return nil, fmt.Errorf("job envelope has no job class")
	}
	return &env, nil
}

// Encode serializes the envelope for the broker.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// JobClass returns the job class, preferring the wrapper field and falling
// back to the inner record for producers that only set one of them.
func (e *Envelope) JobClass() string {
	if e.Wrapped != "" {
		return e.Wrapped
	}
	if len(e.Args) > 0 {
		return e.Args[0].JobClass
	}
	return ""
}

// Arguments returns the positional job arguments, never nil.
func (e *Envelope) Arguments() []any {
	if len(e.Args) == 0 || e.Args[0].Arguments == nil {
		return []any{}
	}
	return e.Args[0].Arguments
}

// JobID returns the inner job identifier when present, else the jid.
func (e *Envelope) JobID() string {
	if len(e.Args) > 0 && e.Args[0].JobID != "" {
		return e.Args[0].JobID
	}
	return e.JID
}

// Int64Arg extracts arguments[i] as an int64. JSON numbers arrive as
// float64; integral job IDs and numbers survive the round trip exactly up
// to 2^53, far beyond any realistic row count.
func Int64Arg(args []any, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("argument %d missing (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("argument %d is %T, want number", i, args[i])
	}
}

// StringArg extracts arguments[i] as a string.
func StringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("argument %d missing (have %d)", i, len(args))
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d is %T, want string", i, args[i])
	}
	return s, nil
}

// newJID mints a 12-byte hex job identifier for the outer wrapper.
func newJID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is unusable anyway;
		// fall back to a uuid-derived value rather than panic here.
		return uuid.New().String()[:24]
	}
	return hex.EncodeToString(b)
}
