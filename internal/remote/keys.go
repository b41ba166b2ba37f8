package remote

import (
	"net/url"

	"github.com/roach88/stepsync/internal/progress"
)

// DefaultPrefix namespaces every key the gateway touches.
const DefaultPrefix = "stepsync"

func sessionKey(prefix string, key progress.SessionKey) string {
	return prefix + ":session:" + escape(key)
}

func changesChannel(prefix string, key progress.SessionKey) string {
	return prefix + ":changes:" + escape(key)
}

func escape(key progress.SessionKey) string {
	return url.QueryEscape(key.UserID) + ":" + url.QueryEscape(key.ProjectID)
}
