package common

import (
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// LabelWithSession derive a new set of log tags scoped to one client session
func LabelWithSession(base log.Fields, sessionID string) log.Fields {
	tags := log.Fields{}
	for k, v := range base {
		tags[k] = v
	}
	tags["session"] = sessionID
	return tags
}
