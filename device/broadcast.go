package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
)

// BroadcastDevice never opens a link. Every advertisement discovery returns
// carries a manufacturer-data frame that is decoded in place. The device is
// CONNECTED while valid frames keep arriving; consecutive malformed frames
// count as a loss, as does ForceReconnect.
type BroadcastDevice struct {
	*machine
}

func (d *BroadcastDevice) serve(ctx context.Context, s *session) error {
	var (
		malformed  int
		recovering bool
		lastSeq    uint16
		haveSeq    bool
	)

	for {
		adv, forced, err := d.next(ctx, s)
		if err != nil {
			return err
		}
		if forced {
			d.metrics.loss(string(d.kind), "forced")
			d.logger.Warn("device link lost", "reason", "forced")
			d.setState(StateReconnecting)
			recovering = true
			malformed = 0
			continue
		}

		reading, err := decodeAdvertisement(adv.ManufacturerData)
		if err != nil {
			malformed++
			d.metrics.malformedFrame(string(d.kind))
			d.logger.Debug("malformed broadcast frame", "consecutive", malformed, "error", err)
			if malformed >= d.cfg.MalformedFrameLimit && d.State() == StateConnected {
				d.metrics.loss(string(d.kind), "malformed")
				d.logger.Warn("device link lost", "reason", "malformed", "error", err)
				d.setState(StateReconnecting)
				recovering = true
				malformed = 0
			}
			continue
		}
		malformed = 0

		if recovering {
			d.setState(StateConnecting)
			recovering = false
		}
		if d.State() != StateConnected {
			d.setState(StateConnected)
			d.logger.Info("device connected", "rssi", adv.RSSI)
		}

		// Sensors repeat the same frame across several advertisements.
		if reading.MAC != "" {
			if haveSeq && reading.Sequence == lastSeq {
				continue
			}
			lastSeq, haveSeq = reading.Sequence, true
		}

		raw := adv.ManufacturerData[codec.RuuviCompanyID]
		for _, sample := range reading.Samples() {
			err := d.emit(ctx, message.Measurement{
				Kind:      sample.Kind,
				Value:     message.Float(sample.Value),
				Timestamp: adv.Seen,
				Raw:       append([]byte(nil), raw...),
			})
			if err != nil {
				return err
			}
		}
	}
}

// next locates the device's next advertisement. A force signal on the
// session abandons the search and reports forced.
func (d *BroadcastDevice) next(ctx context.Context, s *session) (discovery.Advertisement, bool, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var forced atomic.Bool
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-s.force:
			forced.Store(true)
			cancel()
		case <-stop:
		}
	}()

	adv, err := d.locate(lctx)
	close(stop)
	<-exited

	if ctx.Err() != nil {
		return discovery.Advertisement{}, false, ctx.Err()
	}
	if forced.Load() {
		return discovery.Advertisement{}, true, nil
	}
	return adv, false, err
}

func decodeAdvertisement(data map[uint16][]byte) (codec.BroadcastReading, error) {
	payload, ok := data[codec.RuuviCompanyID]
	if !ok {
		return codec.BroadcastReading{}, fmt.Errorf("%w: no manufacturer data for company 0x%04X",
			errors.ErrInvalidFrame, codec.RuuviCompanyID)
	}
	return codec.DecodeBroadcast(payload)
}
