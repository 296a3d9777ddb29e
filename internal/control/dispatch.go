package control

import "encoding/json"

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func errResponse(err error) Response {
	return Response{Error: err.Error()}
}

func toResponse(result any, err error) Response {
	if err != nil {
		return errResponse(err)
	}
	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errResponse(marshalErr)
	}
	return Response{Result: raw}
}
