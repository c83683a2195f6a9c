package state

// Command is an instruction from the orchestration layer. Commands are
// serialized onto the node loop alongside packets; each is processed to
// completion before the next item.
type Command interface{ isCommand() }

type AddEdge struct {
	A, B NodeId
}

type RemoveEdge struct {
	A, B NodeId
}

// RemoveNode reports a node crashed: every edge touching it is dropped.
type RemoveNode struct {
	Node NodeId
}

type SendMessage struct {
	Destination NodeId
	Data        []byte
}

type Shutdown struct{}

func (AddEdge) isCommand()     {}
func (RemoveEdge) isCommand()  {}
func (RemoveNode) isCommand()  {}
func (SendMessage) isCommand() {}
func (Shutdown) isCommand()    {}

// Event is what the engine reports back to the orchestration layer.
type Event interface{ isEvent() }

// MessageAssembled is emitted once all fragments of an inbound session have
// been received and concatenated.
type MessageAssembled struct {
	Session uint64
	From    NodeId
	Data    []byte
}

// MessageDelivered is emitted when every fragment of an outbound session has
// been acknowledged.
type MessageDelivered struct {
	Session     uint64
	Destination NodeId
}

// DeliveryFailed is emitted when the retry bound for a fragment is exhausted
// and its session is abandoned.
type DeliveryFailed struct {
	Session     uint64
	Destination NodeId
	Reason      string
}

// PacketReceived summarizes every packet accepted by the node, mirroring what
// the orchestrator sees on the wire.
type PacketReceived struct {
	Session uint64
	Kind    string
	From    NodeId
}

func (MessageAssembled) isEvent() {}
func (MessageDelivered) isEvent() {}
func (DeliveryFailed) isEvent()   {}
func (PacketReceived) isEvent()   {}
