package inference

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

// Topics of the worker channel.
const (
	TopicWorkerInbox  = "worker.inbox"
	TopicWorkerOutbox = "worker.outbox"
)

// MessageType tags a worker message.
type MessageType string

const (
	MsgInit             MessageType = "init"
	MsgInitProgress     MessageType = "init-progress"
	MsgInitComplete     MessageType = "init-complete"
	MsgGenerate         MessageType = "generate"
	MsgResponseChunk    MessageType = "response-chunk"
	MsgResponseComplete MessageType = "response-complete"
	MsgError            MessageType = "error"
	MsgAbort            MessageType = "abort"
)

// WorkerMessage is the envelope exchanged with the worker. ID correlates
// responses with the init or generate request that caused them.
type WorkerMessage struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id,omitempty"`
	Model    string          `json:"model,omitempty"`
	Messages []prompt.Entry  `json:"messages,omitempty"`
	Options  *Options        `json:"options,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ProgressData is the payload of init-progress.
type ProgressData struct {
	Text     string  `json:"text"`
	Progress float64 `json:"progress"`
}

// ChunkData is the payload of response-chunk: one fragment.
type ChunkData struct {
	Text string `json:"text"`
}

// CompleteData is the payload of response-complete: the full text.
type CompleteData struct {
	Message string `json:"message"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Error string `json:"error"`
}

func newWorkerMessage(typ MessageType, id string, data any) (WorkerMessage, error) {
	msg := WorkerMessage{Type: typ, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return msg, errors.Wrapf(err, "encode %s payload", typ)
		}
		msg.Data = raw
	}
	return msg, nil
}

func publish(pub message.Publisher, topic string, msg WorkerMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s message", msg.Type)
	}
	return pub.Publish(topic, message.NewMessage(watermill.NewUUID(), raw))
}

func decodeWorkerMessage(msg *message.Message) (WorkerMessage, error) {
	var out WorkerMessage
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, errors.Wrap(err, "decode worker message")
	}
	return out, nil
}

func (m WorkerMessage) decodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(m.Data, v), "decode %s payload", m.Type)
}
