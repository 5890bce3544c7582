package index

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
)

// Action says what an encoded mutation asks of the backend.
type Action int

const (
	// ActionUpsert writes a document.
	ActionUpsert Action = iota
	// ActionDelete removes a document.
	ActionDelete
	// ActionSkip means the mutation carries nothing to index.
	ActionSkip
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionUpsert:
		return "upsert"
	case ActionDelete:
		return "delete"
	default:
		return "skip"
	}
}

// Encoded is the result of encoding a mutation. Op is zero for ActionSkip.
type Encoded struct {
	Action Action
	Op     backend.Op
}

// Codec turns mutations into backend operations. It validates nothing
// beyond Go types; the payload goes to the backend unmodified.
type Codec struct {
	payloadColumn string
}

// NewCodec creates a codec for cfg.
func NewCodec(cfg Config) Codec {
	return Codec{payloadColumn: cfg.PayloadColumn}
}

// Encode maps ev to an upsert, a delete or a skip. Errors are CodecErrors.
func (c Codec) Encode(ev MutationEvent) (Encoded, error) {
	id, err := DocumentID(ev.PartitionKey)
	if err != nil {
		return Encoded{}, err
	}

	if ev.IsDelete {
		return Encoded{Action: ActionDelete, Op: backend.Delete(id, ev.WriteTimestamp)}, nil
	}

	raw, ok := ev.Columns[c.payloadColumn]
	if !ok || raw == nil {
		return Encoded{Action: ActionSkip}, nil
	}

	var body []byte
	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return Encoded{}, errs.New(errs.ErrCodeUnsupportedType,
			fmt.Sprintf("payload column %q holds %T, want string or []byte", c.payloadColumn, raw), nil)
	}
	if len(body) == 0 {
		return Encoded{Action: ActionSkip}, nil
	}

	return Encoded{Action: ActionUpsert, Op: backend.Upsert(id, body, ev.WriteTimestamp)}, nil
}

// DocumentID returns the canonical string form of a partition key.
func DocumentID(key any) (string, error) {
	var id string
	switch k := key.(type) {
	case string:
		id = k
	case []byte:
		id = hex.EncodeToString(k)
	case int:
		id = strconv.FormatInt(int64(k), 10)
	case int8:
		id = strconv.FormatInt(int64(k), 10)
	case int16:
		id = strconv.FormatInt(int64(k), 10)
	case int32:
		id = strconv.FormatInt(int64(k), 10)
	case int64:
		id = strconv.FormatInt(k, 10)
	case uint:
		id = strconv.FormatUint(uint64(k), 10)
	case uint8:
		id = strconv.FormatUint(uint64(k), 10)
	case uint16:
		id = strconv.FormatUint(uint64(k), 10)
	case uint32:
		id = strconv.FormatUint(uint64(k), 10)
	case uint64:
		id = strconv.FormatUint(k, 10)
	case uuid.UUID:
		id = k.String()
	case fmt.Stringer:
		id = k.String()
	case nil:
		return "", errs.CodecError("partition key is nil", nil)
	default:
		return "", errs.New(errs.ErrCodeUnsupportedType,
			fmt.Sprintf("partition key of type %T has no canonical form", key), nil)
	}
	if id == "" {
		return "", errs.CodecError("partition key is empty", nil)
	}
	return id, nil
}
