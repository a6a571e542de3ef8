//go:build !linux

package rfcomm

import (
	"context"
	"fmt"
	"io"

	"github.com/c360/sensorlink/errors"
)

func dial(context.Context, [6]byte, uint8) (io.ReadCloser, error) {
	return nil, errors.WrapFatal(errors.Join(errors.ErrAdapterAbsent, fmt.Errorf("rfcomm requires linux")),
		"rfcomm", "dial", "platform check")
}
