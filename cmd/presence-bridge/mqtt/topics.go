package mqtt

import (
	"strings"

	"github.com/open-presence/presence-bridge/cmd/presence-bridge/state"
)

// eventSegment is the reserved last topic segment for transition messages; it
// can never collide with an identity because identities are normalized MACs
// or non-empty trimmed strings checked against it on ingest.
const eventSegment = "event"

// StateTopic is the retained per-client topic <base>/<key>/<identity>.
// MQTT topic separators in the key or identity are replaced so one client
// cannot fan out across topic levels.
func StateTopic(base, key string, id state.Identity) string {
	return base + "/" + sanitizeSegment(key) + "/" + sanitizeSegment(string(id))
}

// EventTopic is the per-key transition topic <base>/<key>/event.
func EventTopic(base, key string) string {
	return base + "/" + sanitizeSegment(key) + "/" + eventSegment
}

// ParseStateTopic inverts StateTopic for retained messages read back from the
// broker. It returns ok=false for foreign topics and for event topics.
func ParseStateTopic(base, topic string) (key, identity string, ok bool) {
	if !strings.HasPrefix(topic, base+"/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(topic, base+"/")
	segments := strings.Split(rest, "/")
	if len(segments) != 2 {
		return "", "", false
	}
	if segments[1] == eventSegment {
		return "", "", false
	}
	return segments[0], segments[1], true
}

var segmentSanitizer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func sanitizeSegment(segment string) string {
	return segmentSanitizer.Replace(segment)
}
