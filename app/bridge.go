package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"

	"snaprgb/models"
)

// Remote procedures exposed by the RGB node script.
const (
	FuncGetRGB = "get_rgb"
	FuncSetRGB = "set_rgb"
)

// ErrNoReply means the node did not answer before the transport gave up.
const ErrNoReply = errors.ConstError("no reply")

// Call outcomes, as recorded in the journal and metrics.
const (
	OutcomeOK        = "ok"
	OutcomeNoReply   = "no_reply"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

type Transport interface {
	CallDmcast(ctx context.Context, targets []models.Address, fn string, args ...int64) (map[models.Address]models.Reply, error)
}

// Reporter receives every state a node reports.
type Reporter interface {
	Report(addr models.Address, state models.RGB) error
}

type CallObserver interface {
	ObserveCall(fn, outcome string, duration time.Duration)
}

type Option func(*Bridge)

func WithReporter(r Reporter) Option {
	return func(b *Bridge) { b.reporter = r }
}

func WithJournal(j Journal) Option {
	return func(b *Bridge) { b.journal = j }
}

func WithObserver(o CallObserver) Option {
	return func(b *Bridge) { b.observer = o }
}

// Bridge reads and writes the RGB state of mesh nodes. Each operation is one
// RPC round trip; it never retries and keeps no node state.
type Bridge struct {
	resolver  *Resolver
	transport Transport

	reporter Reporter
	journal  Journal
	observer CallObserver
}

func NewBridge(resolver *Resolver, transport Transport, opts ...Option) *Bridge {
	b := &Bridge{
		resolver:  resolver,
		transport: transport,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Read returns the state reported by the target's get_rgb.
func (b *Bridge) Read(ctx context.Context, target string) (models.RGB, error) {
	addr, err := b.resolver.Resolve(target)
	if err != nil {
		return models.RGB{}, errors.Trace(err)
	}
	return b.call(ctx, addr, FuncGetRGB)
}

// Write sets the target's LEDs and returns the state the node reports back,
// which is not necessarily the one requested.
func (b *Bridge) Write(ctx context.Context, target string, state models.RGB) (models.RGB, error) {
	addr, err := b.resolver.Resolve(target)
	if err != nil {
		return models.RGB{}, errors.Trace(err)
	}
	return b.call(ctx, addr, FuncSetRGB, int64(models.EncodeRGB(state)))
}

func (b *Bridge) call(ctx context.Context, addr models.Address, fn string, args ...int64) (models.RGB, error) {
	logger := log.With().Stringer("addr", addr).Str("func", fn).Logger()
	logger.Debug().Ints64("args", args).Msg("calling node")

	rec := CallRecord{
		UUID:      uuid.New(),
		Addr:      addr.String(),
		Func:      fn,
		Args:      args,
		CreatedAt: time.Now(),
	}

	start := time.Now()
	replies, err := b.transport.CallDmcast(ctx, []models.Address{addr}, fn, args...)
	rec.Latency = time.Since(start)

	reply, ok := replies[addr]
	switch {
	case err != nil:
		rec.Outcome = OutcomeError
		logger.Warn().Err(err).Msg("rpc failed")
	case !ok:
		rec.Outcome = OutcomeNoReply
		logger.Info().Dur("latency", rec.Latency).Msg("no reply")
	case len(reply.Args) == 0:
		rec.Outcome = OutcomeMalformed
		logger.Warn().Msg("reply without return value")
	default:
		rec.Outcome = OutcomeOK
		rec.Result = &reply.Args[0]
	}
	b.finish(ctx, rec)

	if rec.Outcome != OutcomeOK {
		return models.RGB{}, errors.Annotatef(ErrNoReply, "%s on %s", fn, addr)
	}

	state := models.DecodeRGB(*rec.Result)
	logger.Debug().Int64("result", *rec.Result).Dur("latency", rec.Latency).Msg("node replied")
	if b.reporter != nil {
		if err := b.reporter.Report(addr, state); err != nil {
			logger.Error().Err(err).Msg("failed to report state")
		}
	}
	return state, nil
}

func (b *Bridge) finish(ctx context.Context, rec CallRecord) {
	if b.observer != nil {
		b.observer.ObserveCall(rec.Func, rec.Outcome, rec.Latency)
	}
	if b.journal == nil {
		return
	}
	// The journal entry is written even when the request was cancelled.
	if err := b.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Str("call_id", rec.UUID.String()).Msg("failed to journal call")
	}
}
