package ledger

import (
	"encoding/json"
	"fmt"
)

// Metadata is the typed context attached to a transaction. Each operation
// family has its own variant; the envelope keeps the wire and column format
// self-describing.
type Metadata interface {
	MetaKind() string
}

// TransferMeta links the two halves of a peer transfer.
type TransferMeta struct {
	CounterpartyID string `json:"counterpartyId"`
}

func (*TransferMeta) MetaKind() string { return "transfer" }

// EscrowMeta ties a ledger movement back to its escrow.
type EscrowMeta struct {
	EscrowID string `json:"escrowId"`
}

func (*EscrowMeta) MetaKind() string { return "escrow" }

// GatewayMeta records the external settlement leg of a deposit or withdrawal.
type GatewayMeta struct {
	Provider    string `json:"provider"`
	ProviderRef string `json:"providerRef,omitempty"`
	Destination string `json:"destination,omitempty"`
}

func (*GatewayMeta) MetaKind() string { return "gateway" }

type metaEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalMetadata encodes a Metadata variant as a tagged JSON envelope.
// A nil value encodes as JSON null.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metaEnvelope{Kind: m.MetaKind(), Data: data})
}

// UnmarshalMetadata decodes a tagged envelope back into its variant.
func UnmarshalMetadata(b []byte) (Metadata, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env metaEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var m Metadata
	switch env.Kind {
	case "transfer":
		m = &TransferMeta{}
	case "escrow":
		m = &EscrowMeta{}
	case "gateway":
		m = &GatewayMeta{}
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, err
	}
	return m, nil
}
