package device

import (
	"context"
	"strings"

	"github.com/c360/sensorlink/errors"
)

// NotificationDevice receives line frames as GATT characteristic
// notifications. Each notification value carries one complete frame. The
// link's chunk channel closing means the notification channel was
// invalidated.
type NotificationDevice struct {
	*machine
}

func (d *NotificationDevice) serve(ctx context.Context, s *session) error {
	return d.runLinked(ctx, s, d.pump)
}

func (d *NotificationDevice) pump(ctx context.Context, link Link) (string, error) {
	sink := d.newLineSink()

	for {
		select {
		case <-ctx.Done():
			return "cancelled", ctx.Err()
		case value, ok := <-link.Chunks():
			if !ok {
				return "invalidated", linkError(link)
			}
			frame := strings.TrimRight(string(value), "\r\n\x00")
			if frame == "" {
				continue
			}
			if err := sink.handle(ctx, frame); err != nil {
				if errors.IsProtocol(err) {
					return "malformed", err
				}
				return "cancelled", err
			}
		}
	}
}
