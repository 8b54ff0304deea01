package paxos

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/imdea-software/bftsmr/paxos")

var (
	attrBFT = attribute.String("mode", "bft")
	attrCFT = attribute.String("mode", "cft")
)

var metrics = struct {
	decisions      metric.Int64Counter
	macProofs      metric.Int64Counter
	signatureProof metric.Int64Counter
	authDropped    metric.Int64Counter
}{
	decisions: must(meter.Int64Counter("bftsmr.decisions",
		metric.WithDescription("Consensus instances decided by the local acceptor"))),
	macProofs: must(meter.Int64Counter("bftsmr.proofs.mac",
		metric.WithDescription("ACCEPT proofs built as MAC vectors"))),
	signatureProof: must(meter.Int64Counter("bftsmr.proofs.signature",
		metric.WithDescription("ACCEPT proofs built as signatures"))),
	authDropped: must(meter.Int64Counter("bftsmr.auth.dropped",
		metric.WithDescription("Consensus messages dropped before reaching the acceptor"))),
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func modeAttr(bft bool) metric.AddOption {
	if bft {
		return metric.WithAttributes(attrBFT)
	}
	return metric.WithAttributes(attrCFT)
}
