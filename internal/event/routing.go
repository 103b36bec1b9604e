package event

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Routing-key stage prefixes used along the pipeline.
const (
	StageRaw        = "raw"
	StageParsed     = "parsed"
	StageAggregated = "aggregated"
	StageEnriched   = "enriched"
)

// RawRoutingKey builds the collector output key:
// raw.<label>.<channel>[.<format_version>].
func RawRoutingKey(source, formatVersion string) string {
	if formatVersion != "" {
		return StageRaw + "." + source + "." + formatVersion
	}
	return StageRaw + "." + source
}

// StageRoutingKey builds event.<stage>.<source>.
func StageRoutingKey(stage, source string) string {
	return "event." + stage + "." + source
}

// ReplaceStage substitutes the stage segment of an event.<stage>.<source>
// key, e.g. event.parsed.a.b -> event.aggregated.a.b.
func ReplaceStage(routingKey, newStage string) (string, error) {
	parts := strings.SplitN(routingKey, ".", 3)
	if len(parts) != 3 || parts[0] != "event" {
		return "", fmt.Errorf("routing key %q has no stage segment", routingKey)
	}
	return "event." + newStage + "." + parts[2], nil
}

// MessageID derives the AMQP message id for a raw message: the MD5 hex
// digest of "<source>|<created unix ts>|<body>".
func MessageID(source string, createdTS int64, body []byte) string {
	h := md5.New()
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(createdTS, 10)))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// HashID derives an event id: the MD5 hex digest of the canonical
// attribute serialization. Parsers call this once per produced event.
func HashID(parts ...string) string {
	h := md5.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{','})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
