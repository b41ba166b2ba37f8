package engine

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/stepsync/internal/progress"
)

const (
	attrUserID    = attribute.Key("stepsync.user_id")
	attrProjectID = attribute.Key("stepsync.project_id")
	attrAttempt   = attribute.Key("stepsync.attempt")
	attrTrigger   = attribute.Key("stepsync.trigger")
	attrItems     = attribute.Key("stepsync.items")
	attrFound     = attribute.Key("stepsync.found")
)

func keyAttrs(key progress.SessionKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrUserID.String(key.UserID),
		attrProjectID.String(key.ProjectID),
	}
}

func saveAttrs(key progress.SessionKey, trigger string, attempt, items int) []attribute.KeyValue {
	return append(keyAttrs(key),
		attrTrigger.String(trigger),
		attrAttempt.Int(attempt),
		attrItems.Int(items),
	)
}

func foundAttr(found bool) attribute.KeyValue {
	return attrFound.Bool(found)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
