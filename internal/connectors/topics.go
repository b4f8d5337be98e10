package connectors

const (
	TopicRadioStatus     = "radio.status"
	TopicRadioRx         = "radio.rx"
	TopicRadioTx         = "radio.tx"
	TopicClientStatus    = "bridge.client"
	TopicHandshake       = "bridge.handshake"
	TopicMeshMessage     = "mesh.message"
	TopicDisplayActivity = "display.activity"
)
