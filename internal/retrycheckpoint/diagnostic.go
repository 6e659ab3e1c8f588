package retrycheckpoint

import (
	"github.com/golang/protobuf/jsonpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fortyweight/forge/forgeerr"
)

// Echo renders a Checkpoint as a human-readable, textproto-ish
// diagnostic dump: a protobuf Struct built from the checkpoint's fields
// and printed through jsonpb, the same structured-echo approach distri
// uses for its build-event wire format, retargeted here at operators
// inspecting why a resume did or didn't carry a target over rather than
// at a wire protocol.
func Echo(cp Checkpoint) (string, error) {
	nodes := make([]interface{}, len(cp.Nodes))
	for i, n := range cp.Nodes {
		nodes[i] = map[string]interface{}{
			"target_id":          string(n.TargetID),
			"status":             n.Status.String(),
			"output_fingerprint": n.OutputFingerprint.ShortString(),
		}
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"graph_digest": cp.GraphDigest.ShortString(),
		"timestamp":    cp.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		"nodes":        nodes,
	})
	if err != nil {
		return "", forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/EncodeFailed", err).WithOp("retrycheckpoint.Echo")
	}

	m := jsonpb.Marshaler{Indent: "  "}
	out, err := m.MarshalToString(st)
	if err != nil {
		return "", forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/EncodeFailed", err).WithOp("retrycheckpoint.Echo")
	}
	return out, nil
}
