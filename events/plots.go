package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/golang/snappy"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
)

// Plot documents are stored as JSON. Validation only asserts the document
// is a JSON object; chart internals are the caller's business.
var plotSchema = gojsonschema.NewStringLoader(`{"type": "object"}`)

// PreparePlot builds the stored form of a plot payload: validated when
// requested (an invalid document is flagged, not rejected) and
// snappy-compressed once it crosses the size threshold.
func PreparePlot(raw []byte, compressThreshold int, validate bool) docstore.Event {
	valid := true
	if validate {
		result, err := gojsonschema.Validate(plotSchema, gojsonschema.NewBytesLoader(raw))
		valid = err == nil && result.Valid()
	}

	ev := docstore.Event{Type: docstore.TypePlot, PlotValid: valid}
	if compressThreshold > 0 && len(raw) > compressThreshold {
		ev.PlotData = snappy.Encode(nil, raw)
		ev.Compressed = true
	} else {
		ev.PlotData = append([]byte(nil), raw...)
	}
	return ev
}

// DecodePlot returns the raw plot JSON, decompressing transparently.
func DecodePlot(doc docstore.PlotDoc) ([]byte, error) {
	if !doc.Compressed {
		return doc.Data, nil
	}
	raw, err := snappy.Decode(nil, doc.Data)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("corrupt compressed plot: %w", err), "events", "DecodePlot", "decompress")
	}
	return raw, nil
}

// plotCacheKey derives a cache key from the stored bytes, so identical
// documents share one decompressed copy regardless of which query pulled
// them.
func plotCacheKey(doc docstore.PlotDoc) string {
	sum := sha256.Sum256(doc.Data)
	return hex.EncodeToString(sum[:16])
}
