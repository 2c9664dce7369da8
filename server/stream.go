package server

import (
	"context"
	"io"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// streamDelivery opens the function-URL response stream immediately and
// writes chunks as the handler produces them. A pipe connects the producer to
// the runtime, so at most one chunk is in flight. Chunks already written are
// never retracted; a failure or timeout closes the stream with an error.
type streamDelivery struct {
	chunkSize int
	log       zerolog.Logger
}

func NewStreamDelivery(chunkSize int, log zerolog.Logger) Delivery {
	return &streamDelivery{chunkSize: chunkSize, log: log}
}

func (d *streamDelivery) Mode() DeliveryMode { return DeliveryStream }

func (d *streamDelivery) Deliver(ctx context.Context, inv *Invocation, resp *Response) any {
	inv.advance(StateDelivering)

	chunks := resp.Stream
	if chunks == nil {
		chunks = SplitChunks(resp.Body, d.chunkSize)
	}

	status := statusOrOK(resp.StatusCode)
	inv.setStatus(status)

	pr, pw := io.Pipe()
	go d.pump(ctx, inv, chunks, pw)

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    resp.Headers,
		Body:       pr,
	}
}

func (d *streamDelivery) pump(ctx context.Context, inv *Invocation, chunks ChunkReader, pw *io.PipeWriter) {
	ctx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	// unblocks a pending pw.Write once the budget is spent
	stop := context.AfterFunc(ctx, func() {
		pw.CloseWithError(budgetErr(ctx, ctx.Err()))
	})
	defer stop()

	written := 0
	fail := func(err error) {
		err = budgetErr(ctx, err)
		_ = pw.CloseWithError(err)
		d.log.Warn().Err(err).Str("request_id", inv.Request.ID).Int("bytes_written", written).Msg("[stream] closed early")
		inv.finish(true, err)
	}

	for {
		chunk, err := chunks.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			_ = pw.Close()
			inv.finish(false, nil)
			return
		}
		if err != nil {
			fail(err)
			return
		}
		if len(chunk) == 0 {
			continue
		}

		n, err := pw.Write(chunk)
		written += n
		if err != nil {
			fail(err)
			return
		}
	}
}
