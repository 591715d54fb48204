package wire

import (
	"encoding/json"
	"fmt"
)

// JSONSerializer implements Serializer using a table-driven positional-array
// JSON encoding: every message serializes to a JSON array whose first
// element is the numeric type code and whose remaining elements are a
// canonical, per-type ordering of fields. Batch messages nest recursively.
type JSONSerializer struct{}

// NewJSONSerializer returns the JSON packet serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (JSONSerializer) Serialize(msg Message) ([]byte, error) {
	arr, err := toArray(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(arr)
}

func (JSONSerializer) Deserialize(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wire: malformed packet: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("wire: empty packet")
	}
	var code int
	if err := json.Unmarshal(raw[0], &code); err != nil {
		return nil, fmt.Errorf("wire: malformed type code: %w", err)
	}
	return fromArrayJSON(Type(code), raw)
}

func toArray(msg Message) ([]interface{}, error) {
	switch m := msg.(type) {
	case GetMsg:
		return []interface{}{int(TypeGet), m.ID, m.ResourceID, pathOrEmpty(m.Path)}, nil
	case SetMsg:
		return []interface{}{int(TypeSet), m.ID, m.ResourceID, pathOrEmpty(m.Path), m.Value}, nil
	case ApplyMsg:
		return []interface{}{int(TypeApply), m.ID, m.ResourceID, pathOrEmpty(m.Path), argsOrEmpty(m.Args)}, nil
	case ResMsg:
		return []interface{}{int(TypeRes), m.ID, m.Result}, nil
	case ErrMsg:
		return []interface{}{int(TypeErr), m.ID, m.Error}, nil
	case ReleaseMsg:
		return []interface{}{int(TypeRelease), nil, m.ResourceID}, nil
	case BatchMsg:
		calls := make([]interface{}, len(m.Calls))
		for i, c := range m.Calls {
			ca, err := toArray(c)
			if err != nil {
				return nil, err
			}
			calls[i] = ca
		}
		return []interface{}{int(TypeBatch), m.ID, calls}, nil
	case BatchResMsg:
		results := make([]interface{}, len(m.Results))
		for i, r := range m.Results {
			if r.OK {
				results[i] = []interface{}{0, r.Value}
			} else {
				results[i] = []interface{}{1, r.Error}
			}
		}
		return []interface{}{int(TypeBatchRes), m.ID, results}, nil
	case HandshakeReqMsg:
		return []interface{}{int(TypeHandshakeReq), m.ID, m.Metadata, m.Assigns}, nil
	case HandshakeAckMsg:
		return []interface{}{int(TypeHandshakeAck), m.ID, m.Metadata}, nil
	case HandshakeRejectMsg:
		return []interface{}{int(TypeHandshakeReject), m.ID, m.Error}, nil
	case IdentityUpdateMsg:
		return []interface{}{int(TypeIdentityUpdate), nil, m.Updates}, nil
	case ChunkStartMsg:
		return []interface{}{int(TypeChunkStart), m.SessionID, m.TotalChunks, m.OriginalMessageID, int(m.OriginalMessageType)}, nil
	case ChunkDataMsg:
		return []interface{}{int(TypeChunkData), m.SessionID, m.ChunkIndex, m.ChunkData}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

func pathOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

func argsOrEmpty(a []interface{}) []interface{} {
	if a == nil {
		return []interface{}{}
	}
	return a
}

func fromArrayJSON(t Type, raw []json.RawMessage) (Message, error) {
	field := func(i int, v interface{}) error {
		if i >= len(raw) {
			return fmt.Errorf("wire: %s: missing field %d", t, i)
		}
		return json.Unmarshal(raw[i], v)
	}

	switch t {
	case TypeGet:
		var m GetMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.ResourceID); err != nil {
			return nil, err
		}
		if err := field(3, &m.Path); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSet:
		var m SetMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.ResourceID); err != nil {
			return nil, err
		}
		if err := field(3, &m.Path); err != nil {
			return nil, err
		}
		if err := field(4, &m.Value); err != nil {
			return nil, err
		}
		return m, nil
	case TypeApply:
		var m ApplyMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.ResourceID); err != nil {
			return nil, err
		}
		if err := field(3, &m.Path); err != nil {
			return nil, err
		}
		if err := field(4, &m.Args); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRes:
		var m ResMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.Result); err != nil {
			return nil, err
		}
		return m, nil
	case TypeErr:
		var m ErrMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.Error); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRelease:
		var m ReleaseMsg
		if err := field(2, &m.ResourceID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBatch:
		var m BatchMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		var callsRaw []json.RawMessage
		if err := field(2, &callsRaw); err != nil {
			return nil, err
		}
		m.Calls = make([]Message, len(callsRaw))
		for i, cr := range callsRaw {
			var inner []json.RawMessage
			if err := json.Unmarshal(cr, &inner); err != nil {
				return nil, fmt.Errorf("wire: BATCH: malformed call %d: %w", i, err)
			}
			if len(inner) == 0 {
				return nil, fmt.Errorf("wire: BATCH: empty call %d", i)
			}
			var code int
			if err := json.Unmarshal(inner[0], &code); err != nil {
				return nil, err
			}
			call, err := fromArrayJSON(Type(code), inner)
			if err != nil {
				return nil, err
			}
			m.Calls[i] = call
		}
		return m, nil
	case TypeBatchRes:
		var m BatchResMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		var resultsRaw []json.RawMessage
		if err := field(2, &resultsRaw); err != nil {
			return nil, err
		}
		m.Results = make([]BatchResult, len(resultsRaw))
		for i, rr := range resultsRaw {
			var pair []json.RawMessage
			if err := json.Unmarshal(rr, &pair); err != nil || len(pair) != 2 {
				return nil, fmt.Errorf("wire: BATCH_RES: malformed result %d", i)
			}
			var tag int
			if err := json.Unmarshal(pair[0], &tag); err != nil {
				return nil, err
			}
			if tag == 0 {
				m.Results[i].OK = true
				if err := json.Unmarshal(pair[1], &m.Results[i].Value); err != nil {
					return nil, err
				}
			} else {
				if err := json.Unmarshal(pair[1], &m.Results[i].Error); err != nil {
					return nil, err
				}
			}
		}
		return m, nil
	case TypeHandshakeReq:
		var m HandshakeReqMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.Metadata); err != nil {
			return nil, err
		}
		if len(raw) > 3 {
			if err := field(3, &m.Assigns); err != nil {
				return nil, err
			}
		}
		return m, nil
	case TypeHandshakeAck:
		var m HandshakeAckMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.Metadata); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHandshakeReject:
		var m HandshakeRejectMsg
		if err := field(1, &m.ID); err != nil {
			return nil, err
		}
		if err := field(2, &m.Error); err != nil {
			return nil, err
		}
		return m, nil
	case TypeIdentityUpdate:
		var m IdentityUpdateMsg
		if err := field(2, &m.Updates); err != nil {
			return nil, err
		}
		return m, nil
	case TypeChunkStart:
		var m ChunkStartMsg
		if err := field(1, &m.SessionID); err != nil {
			return nil, err
		}
		if err := field(2, &m.TotalChunks); err != nil {
			return nil, err
		}
		if err := field(3, &m.OriginalMessageID); err != nil {
			return nil, err
		}
		var code int
		if err := field(4, &code); err != nil {
			return nil, err
		}
		m.OriginalMessageType = Type(code)
		return m, nil
	case TypeChunkData:
		var m ChunkDataMsg
		if err := field(1, &m.SessionID); err != nil {
			return nil, err
		}
		if err := field(2, &m.ChunkIndex); err != nil {
			return nil, err
		}
		if err := field(3, &m.ChunkData); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type code %d", int(t))
	}
}
