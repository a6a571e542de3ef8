package device

import (
	"context"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/errors"
)

// StreamDevice reads newline-delimited line frames from a persistent byte
// stream such as an RFCOMM socket. Reads arrive in arbitrary chunks and are
// reassembled before decoding.
type StreamDevice struct {
	*machine
}

func (d *StreamDevice) serve(ctx context.Context, s *session) error {
	return d.runLinked(ctx, s, d.pump)
}

func (d *StreamDevice) pump(ctx context.Context, link Link) (string, error) {
	asm := codec.NewLineAssembler(d.cfg.MaxLineLength)
	sink := d.newLineSink()

	for {
		select {
		case <-ctx.Done():
			return "cancelled", ctx.Err()
		case chunk, ok := <-link.Chunks():
			if !ok {
				return "closed", linkError(link)
			}
			lines, ferr := asm.Feed(chunk)
			for _, line := range lines {
				if err := sink.handle(ctx, line); err != nil {
					if errors.IsProtocol(err) {
						return "malformed", err
					}
					return "cancelled", err
				}
			}
			if ferr != nil {
				if err := sink.bad(ferr); err != nil {
					return "malformed", err
				}
			}
		}
	}
}
