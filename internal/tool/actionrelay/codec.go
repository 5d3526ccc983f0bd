package actionrelay

import "encoding/json"

type wireAction struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Cancel  bool   `json:"cancel,omitempty"`
}

func encodeAction(a Action) []byte {
	b, _ := json.Marshal(wireAction{ID: a.ID, Payload: a.Payload, Cancel: a.Cancel})
	return b
}

func decodeAction(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return Action{}, err
	}
	return Action{ID: w.ID, Payload: w.Payload, Cancel: w.Cancel}, nil
}
