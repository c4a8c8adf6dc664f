package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

// SpanAttributes collects the campaign fields attached to fuzzing spans.
type SpanAttributes struct {
	campaignID   optional[string]  // fuzz.campaign.id
	target       optional[string]  // fuzz.target
	round        optional[int]     // fuzz.round
	workers      optional[int]     // fuzz.workers
	coverage     optional[int]     // fuzz.coverage.count
	totalBlocks  optional[int]     // fuzz.coverage.total
	crashes      optional[int]     // fuzz.crashes
	hangs        optional[int]     // fuzz.hangs
	corpusSize   optional[int]     // fuzz.corpus.size
	execsPerSec  optional[float64] // fuzz.execs_per_sec
	iterations   optional[int]     // fuzz.iterations

	extraAttributes map[string]any
}

func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies the fields set in other. Later values win, so a span can be
// updated with fresh round statistics.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	mergeOptional(&o.campaignID, &other.campaignID)
	mergeOptional(&o.target, &other.target)
	mergeOptional(&o.round, &other.round)
	mergeOptional(&o.workers, &other.workers)
	mergeOptional(&o.coverage, &other.coverage)
	mergeOptional(&o.totalBlocks, &other.totalBlocks)
	mergeOptional(&o.crashes, &other.crashes)
	mergeOptional(&o.hangs, &other.hangs)
	mergeOptional(&o.corpusSize, &other.corpusSize)
	mergeOptional(&o.execsPerSec, &other.execsPerSec)
	mergeOptional(&o.iterations, &other.iterations)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, other.extraAttributes)
}

func (o *SpanAttributes) WithCampaignID(val string) *SpanAttributes {
	o.campaignID.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(val string) *SpanAttributes {
	o.target.Set(val)
	return o
}

func (o *SpanAttributes) WithRound(val int) *SpanAttributes {
	o.round.Set(val)
	return o
}

func (o *SpanAttributes) WithWorkers(val int) *SpanAttributes {
	o.workers.Set(val)
	return o
}

func (o *SpanAttributes) WithCoverage(count, total int) *SpanAttributes {
	o.coverage.Set(count)
	o.totalBlocks.Set(total)
	return o
}

func (o *SpanAttributes) WithCrashes(crashes, hangs int) *SpanAttributes {
	o.crashes.Set(crashes)
	o.hangs.Set(hangs)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.corpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithThroughput(iterations int, execsPerSec float64) *SpanAttributes {
	o.iterations.Set(iterations)
	o.execsPerSec.Set(execsPerSec)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.campaignID.set {
		attrs = append(attrs, attribute.String("fuzz.campaign.id", o.campaignID.val))
	}
	if o.target.set {
		attrs = append(attrs, attribute.String("fuzz.target", o.target.val))
	}
	if o.round.set {
		attrs = append(attrs, attribute.Int("fuzz.round", o.round.val))
	}
	if o.workers.set {
		attrs = append(attrs, attribute.Int("fuzz.workers", o.workers.val))
	}
	if o.coverage.set {
		attrs = append(attrs, attribute.Int("fuzz.coverage.count", o.coverage.val))
	}
	if o.totalBlocks.set {
		attrs = append(attrs, attribute.Int("fuzz.coverage.total", o.totalBlocks.val))
	}
	if o.crashes.set {
		attrs = append(attrs, attribute.Int("fuzz.crashes", o.crashes.val))
	}
	if o.hangs.set {
		attrs = append(attrs, attribute.Int("fuzz.hangs", o.hangs.val))
	}
	if o.corpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.corpusSize.val))
	}
	if o.iterations.set {
		attrs = append(attrs, attribute.Int("fuzz.iterations", o.iterations.val))
	}
	if o.execsPerSec.set {
		attrs = append(attrs, attribute.Float64("fuzz.execs_per_sec", o.execsPerSec.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if source.set {
		target.val = source.val
		target.set = true
	}
}
