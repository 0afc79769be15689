package store

import "encoding/json"

// opType identifies the kind of store operation carried by a frame.
type opType string

const (
	opPut       opType = "put"
	opGet       opType = "get"
	opUpdate    opType = "update"
	opDelete    opType = "delete"
	opAppend    opType = "append"
	opSubColl   opType = "sub-collection"
	opSubDoc    opType = "sub-document"
	opUnsub     opType = "unsubscribe"
	kindRequest        = "req"
	kindReply          = "res"
	kindEvent          = "evt"
)

// frame is the JSON structure exchanged over the WebSocket in both
// directions. Kind selects which fields are meaningful:
//
//	req — ID, Op, Key, and one of Doc/Fields depending on Op; unsubscribe
//	      carries Sub instead and is one-way (no reply)
//	res — ID, OK/Err, plus Doc/Exists (get), RecordID (append), Sub (sub-*)
//	evt — Sub, plus Record (collection add) or Doc/Exists (document change)
type frame struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id,omitempty"`
	Op   opType `json:"op,omitempty"`
	Key  string `json:"key,omitempty"`

	Doc    json.RawMessage            `json:"doc,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Exists bool                       `json:"exists,omitempty"`

	RecordID string  `json:"recordId,omitempty"`
	Record   *Record `json:"record,omitempty"`
	Sub      uint64  `json:"sub,omitempty"`

	OK  bool   `json:"ok,omitempty"`
	Err string `json:"err,omitempty"`
}
