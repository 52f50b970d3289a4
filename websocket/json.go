package websocket

import "encoding/json"

// SendJSON sends the JSON encoding of v as a text message.
func (s *Sender) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.sendMessage(TextMessage, data)
}

// ReceiveJSON reads the next data message and stores its JSON-decoded value
// in the value pointed to by v. Pongs are swallowed along the way.
func (r *Receiver) ReceiveJSON(v any) error {
	_, data, err := r.ReceiveData(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
