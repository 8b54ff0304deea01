package consensus

// MessageFactory stamps outgoing consensus messages with the local id.
type MessageFactory struct {
	from int32
}

func NewMessageFactory(from int32) *MessageFactory {
	return &MessageFactory{from: from}
}

func (f *MessageFactory) CreatePropose(cid, round int32, value []byte) *Message {
	return &Message{Sender: f.from, Number: cid, Epoch: round, Type: PROPOSE, Value: value}
}

func (f *MessageFactory) CreateWrite(cid, round int32, hash []byte) *Message {
	return &Message{Sender: f.from, Number: cid, Epoch: round, Type: WRITE, Value: hash}
}

func (f *MessageFactory) CreateAccept(cid, round int32, hash []byte) *Message {
	return &Message{Sender: f.from, Number: cid, Epoch: round, Type: ACCEPT, Value: hash}
}
