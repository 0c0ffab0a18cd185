package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the stream spans.
const (
	PlayerIDKey     = "jpstream.player_id"
	ItemIDKey       = "jpstream.item_id"
	TargetKindKey   = "jpstream.target"
	DecisionPathKey = "jpstream.decision.path"
	DecisionReason  = "jpstream.decision.reason"
	TargetFormatKey = "jpstream.target_format"
	BitRateKey      = "jpstream.bitrate_kbps"
	RangeStartKey   = "jpstream.range.start"
	RangeEndKey     = "jpstream.range.end"
	StepsKey        = "jpstream.pipeline.steps"
	HLSKey          = "jpstream.hls"
	BytesKey        = "jpstream.bytes"
	OutcomeKey      = "jpstream.outcome"
)

// DecisionAttributes describes a resolved delivery decision.
func DecisionAttributes(path, reason, targetFormat string, bitRate int, hls bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DecisionPathKey, path),
		attribute.String(DecisionReason, reason),
		attribute.String(TargetFormatKey, targetFormat),
		attribute.Int(BitRateKey, bitRate),
		attribute.Bool(HLSKey, hls),
	}
}

// RangeAttributes describes the served byte range.
func RangeAttributes(start, end int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(RangeStartKey, start),
		attribute.Int64(RangeEndKey, end),
	}
}

// TransferAttributes describes how a transfer ended.
func TransferAttributes(outcome string, bytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(OutcomeKey, outcome),
		attribute.Int64(BytesKey, bytes),
	}
}
