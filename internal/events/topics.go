package events

import "fmt"

// ClientTopic is the topic carrying every frame bound for one CDP client.
func ClientTopic(clientID string) string {
	return fmt.Sprintf("cdp.client.%s", clientID)
}
