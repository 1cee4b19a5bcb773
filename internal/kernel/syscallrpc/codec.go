package syscallrpc

import "encoding/json"

// jsonCodec is a grpc/encoding.Codec that marshals with encoding/json
// instead of protobuf wire format. The syscall ABI's Request/Result
// types are plain maps and interfaces (args are untyped, results vary
// per syscall) that don't map cleanly onto a fixed .proto schema, so the
// gRPC transport here carries JSON payloads rather than generated
// protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
