package jobs

import (
	"encoding/json"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
)

// payloadVersion tags every envelope; decoders reject versions they do not
// know so a rolling deploy never misinterprets an old payload.
const payloadVersion = 1

// EncodePayload wraps v in a version-tagged envelope.
func EncodePayload(opType string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Internal("failed to encode job payload", err)
	}
	env := domain.PayloadEnvelope{V: payloadVersion, Type: opType, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, apperr.Internal("failed to encode payload envelope", err)
	}
	return raw, nil
}

// DecodePayload unwraps the envelope into v, checking version and type.
func DecodePayload(raw []byte, opType string, v any) error {
	var env domain.PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Internal("failed to decode payload envelope", err)
	}
	if env.V != payloadVersion {
		return apperr.Newf(apperr.KindInvalid, "payload_version",
			"unsupported payload version %d", env.V)
	}
	if env.Type != opType {
		return apperr.Newf(apperr.KindInvalid, "payload_type",
			"payload type %q does not match handler %q", env.Type, opType)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperr.Internal("failed to decode job payload", err)
	}
	return nil
}
