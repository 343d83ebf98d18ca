package griddisco

import "encoding/json"

// JSONMarshaller is the default Marshaller, grounded on the teacher's own
// JSON round-trip of its Record type (connection.go's NewRecordFromBytes /
// participant.go's json.MarshalIndent). Any self-describing codec works as
// long as every member of the cluster lineage agrees on it.
type JSONMarshaller struct{}

// Marshal implements Marshaller.
func (JSONMarshaller) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Marshaller.
func (JSONMarshaller) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
