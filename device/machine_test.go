package device

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/inventory"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/pkg/retry"
	"github.com/c360/sensorlink/testutil"
)

const testAddr = "AA:BB:CC:DD:EE:01"

// fakeLink closes its chunk channel on Close or drop, like a socket reader
// goroutine exiting.
type fakeLink struct {
	mu     sync.Mutex
	chunks chan []byte
	closed bool
	err    error
	closes atomic.Int32
}

func newFakeLink() *fakeLink {
	return &fakeLink{chunks: make(chan []byte, 32)}
}

func (l *fakeLink) Chunks() <-chan []byte { return l.chunks }

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) Close() error {
	l.closes.Add(1)
	l.shut(nil)
	return nil
}

func (l *fakeLink) drop(err error) { l.shut(err) }

func (l *fakeLink) shut(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.err = err
	close(l.chunks)
}

func (l *fakeLink) send(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.chunks <- []byte(s)
	return true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeTransport hands every opened link to the test
type fakeTransport struct {
	links   chan *fakeLink
	opens   atomic.Int32
	failFor atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{links: make(chan *fakeLink, 8)}
}

func (t *fakeTransport) Open(ctx context.Context, _ discovery.Advertisement) (Link, error) {
	t.opens.Add(1)
	if t.failFor.Load() > 0 {
		t.failFor.Add(-1)
		return nil, errors.ErrTransport
	}
	l := newFakeLink()
	select {
	case t.links <- l:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l, nil
}

func (t *fakeTransport) next(tb testing.TB) *fakeLink {
	tb.Helper()
	select {
	case l := <-t.links:
		return l
	case <-time.After(2 * time.Second):
		tb.Fatal("no link opened")
		return nil
	}
}

// fakeLocator answers every Discover immediately, or from advs when set
type fakeLocator struct {
	calls atomic.Int32
	advs  chan discovery.Advertisement
}

func (f *fakeLocator) Discover(ctx context.Context, addr string, retryAllowed bool) (discovery.Advertisement, error) {
	f.calls.Add(1)
	if f.advs == nil {
		return discovery.Advertisement{Address: addr, Seen: time.Now()}, nil
	}
	select {
	case adv := <-f.advs:
		return adv, nil
	case <-ctx.Done():
		return discovery.Advertisement{}, ctx.Err()
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = retry.Backoff{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	cfg.ForceReconnectInterval = time.Hour
	return cfg
}

func waitState(t *testing.T, c Connection, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, time.Millisecond,
		"state %s, want %s", c.State(), want)
}

func recvMeasurement(t *testing.T, c Connection) message.Measurement {
	t.Helper()
	select {
	case m := <-c.Measurements():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no measurement")
		return message.Measurement{}
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	loc := &fakeLocator{}
	tr := newFakeTransport()

	c, err := New(inventory.KindStream, testAddr, loc, tr, Config{})
	require.NoError(t, err)
	assert.IsType(t, &StreamDevice{}, c)

	c, err = New(inventory.KindNotification, testAddr, loc, tr, Config{})
	require.NoError(t, err)
	assert.IsType(t, &NotificationDevice{}, c)

	c, err = New(inventory.KindBroadcast, testAddr, loc, nil, Config{})
	require.NoError(t, err)
	assert.IsType(t, &BroadcastDevice{}, c)
	assert.Equal(t, StateNone, c.State(), "never connected")

	_, err = New(inventory.KindStream, testAddr, loc, nil, Config{})
	assert.True(t, errors.IsInvalid(err))
	_, err = New(inventory.Kind("serial"), testAddr, loc, tr, Config{})
	assert.True(t, errors.IsInvalid(err))
	_, err = New(inventory.KindStream, " ", loc, tr, Config{})
	assert.True(t, errors.IsInvalid(err))
}

func TestStreamDevice_EmitsSequencedMeasurements(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindStream, "aa:bb:cc:dd:ee:01", &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	// Chunk boundaries fall mid-line.
	stream := testutil.LineTemperatureF + "\n" + testutil.LineHumidity + "\r\n" + testutil.LinePM25 + "\n"
	require.True(t, link.send(stream[:20]))
	require.True(t, link.send(stream[20:90]))
	require.True(t, link.send(stream[90:]))

	var last uint64
	kinds := []message.SensorKind{message.KindTemperature, message.KindHumidity, message.KindPM25}
	for i, kind := range kinds {
		m := recvMeasurement(t, c)
		assert.Equal(t, kind, m.Kind)
		assert.Equal(t, testAddr, m.DeviceAddress)
		assert.Equal(t, last+1, m.Sequence)
		last = m.Sequence
		if i == 0 {
			require.NotNil(t, m.Value)
			assert.InDelta(t, codec.FahrenheitToCelsius(72), *m.Value, 1e-9)
		}
	}
}

func TestStreamDevice_LossPathSkipsDisconnected(t *testing.T) {
	tr := newFakeTransport()
	loc := &fakeLocator{}
	c, err := New(inventory.KindStream, testAddr, loc, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	states, cancel := c.Subscribe(16)
	defer cancel()

	link.drop(errors.ErrTransport)
	second := tr.next(t)
	waitState(t, c, StateConnected)

	var seen []ConnectionState
	for len(seen) < 3 {
		select {
		case st := <-states:
			seen = append(seen, st)
		case <-time.After(2 * time.Second):
			t.Fatalf("transitions so far: %v", seen)
		}
	}
	assert.Equal(t, []ConnectionState{StateReconnecting, StateConnecting, StateConnected}, seen)
	assert.NotContains(t, seen, StateDisconnected)
	assert.GreaterOrEqual(t, loc.calls.Load(), int32(2), "loss must relocate through discovery")

	// Sequence continues across the reconnect.
	require.True(t, second.send(testutil.LinePM1+"\n"))
	assert.Equal(t, uint64(1), recvMeasurement(t, c).Sequence)
	require.True(t, second.send(testutil.LinePM10+"\n"))
	assert.Equal(t, uint64(2), recvMeasurement(t, c).Sequence)
}

func TestStreamDevice_MalformedFrameCountsAsLoss(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	require.True(t, link.send(testutil.LineShort+"\n"))
	tr.next(t)
	assert.True(t, link.isClosed())
	waitState(t, c, StateConnected)
}

func TestStreamDevice_MalformedLimitTolerates(t *testing.T) {
	cfg := fastConfig()
	cfg.MalformedFrameLimit = 3
	tr := newFakeTransport()
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	require.True(t, link.send(testutil.LineShort+"\n"+testutil.LineBadTag+"\n"+testutil.LineHumidity+"\n"))
	m := recvMeasurement(t, c)
	assert.Equal(t, message.KindHumidity, m.Kind)
	assert.False(t, link.isClosed())
	assert.Equal(t, int32(1), tr.opens.Load())
}

func TestStreamDevice_UnknownLabelDroppedPermissive(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	require.True(t, link.send(testutil.LineUnknownLabel+"\n"+testutil.LinePM1+"\n"))
	m := recvMeasurement(t, c)
	assert.Equal(t, message.KindPM1, m.Kind)
	assert.Equal(t, uint64(1), m.Sequence)
	assert.False(t, link.isClosed())
}

func TestDisconnect_ClosesLink(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	c.Disconnect()
	assert.True(t, link.isClosed(), "link must be closed when Disconnect returns")
	assert.Equal(t, StateDisconnected, c.State())
	assert.NoError(t, c.Err())

	// Idempotent.
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_ReplacesPriorSession(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindNotification, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	first := tr.next(t)
	waitState(t, c, StateConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, first.isClosed())
	second := tr.next(t)
	waitState(t, c, StateConnected)
	assert.False(t, second.isClosed())
}

func TestConnect_RetriesTransportErrors(t *testing.T) {
	tr := newFakeTransport()
	tr.failFor.Store(3)
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	tr.next(t)
	waitState(t, c, StateConnected)
	assert.Equal(t, int32(4), tr.opens.Load())
}

func TestConnect_FatalTransportEndsSession(t *testing.T) {
	tr := TransportFunc(func(context.Context, discovery.Advertisement) (Link, error) {
		return nil, errors.ErrAdapterAbsent
	})
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.Err() != nil }, 2*time.Second, time.Millisecond)
	waitState(t, c, StateDisconnected)
	assert.ErrorIs(t, c.Err(), errors.ErrAdapterAbsent)
}

func TestConnect_CancelledContext(t *testing.T) {
	c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, newFakeTransport(), fastConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.Canceled)
	assert.Equal(t, StateNone, c.State())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNotificationDevice_InvalidationIsLoss(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(inventory.KindNotification, testAddr, &fakeLocator{}, tr, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	link := tr.next(t)
	waitState(t, c, StateConnected)

	require.True(t, link.send(testutil.LinePM25))
	m := recvMeasurement(t, c)
	assert.Equal(t, message.KindPM25, m.Kind)
	require.NotNil(t, m.Value)
	assert.InDelta(t, 7.5, *m.Value, 1e-9)

	link.drop(nil)
	tr.next(t)
	waitState(t, c, StateConnected)
}

func TestForceReconnect(t *testing.T) {
	t.Run("stream", func(t *testing.T) {
		tr := newFakeTransport()
		c, err := New(inventory.KindStream, testAddr, &fakeLocator{}, tr, fastConfig())
		require.NoError(t, err)
		t.Cleanup(c.Disconnect)

		err = c.ForceReconnect()
		assert.ErrorIs(t, err, errors.ErrNotConnected)

		require.NoError(t, c.Connect(context.Background()))
		first := tr.next(t)
		waitState(t, c, StateConnected)

		require.NoError(t, c.ForceReconnect())
		assert.True(t, first.isClosed())
		tr.next(t)
		waitState(t, c, StateConnected)

		err = c.ForceReconnect()
		assert.ErrorIs(t, err, errors.ErrRateLimited)
	})

	t.Run("broadcast", func(t *testing.T) {
		loc := &fakeLocator{advs: make(chan discovery.Advertisement, 4)}
		c, err := New(inventory.KindBroadcast, testAddr, loc, nil, fastConfig())
		require.NoError(t, err)
		t.Cleanup(c.Disconnect)

		err = c.ForceReconnect()
		assert.ErrorIs(t, err, errors.ErrNotConnected)

		good := testutil.MustHex(testutil.BroadcastVectors[0].Hex)
		loc.advs <- discovery.Advertisement{Address: testAddr, ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: good}}
		require.NoError(t, c.Connect(context.Background()))
		waitState(t, c, StateConnected)

		states, cancel := c.Subscribe(8)
		defer cancel()

		// Wait until the loop is parked on the next advertisement.
		require.Eventually(t, func() bool { return loc.calls.Load() >= 2 }, 2*time.Second, time.Millisecond)
		callsBefore := loc.calls.Load()
		require.NoError(t, c.ForceReconnect())
		waitState(t, c, StateReconnecting)
		require.Eventually(t, func() bool { return loc.calls.Load() > callsBefore }, 2*time.Second, time.Millisecond,
			"forced loss must relocate through discovery")

		next := testutil.MustHex(testutil.BroadcastVectors[1].Hex)
		loc.advs <- discovery.Advertisement{Address: testAddr, ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: next}}
		waitState(t, c, StateConnected)

		assert.Equal(t, StateReconnecting, <-states)
		assert.Equal(t, StateConnecting, <-states)
		assert.Equal(t, StateConnected, <-states)

		err = c.ForceReconnect()
		assert.ErrorIs(t, err, errors.ErrRateLimited)
	})
}

func TestBroadcastDevice_DecodesAdvertisements(t *testing.T) {
	loc := &fakeLocator{advs: make(chan discovery.Advertisement, 4)}
	c, err := New(inventory.KindBroadcast, testAddr, loc, nil, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	payload := testutil.MustHex(testutil.BroadcastVectors[0].Hex)
	adv := discovery.Advertisement{
		Address:          testAddr,
		ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: payload},
		Seen:             time.Now(),
	}
	loc.advs <- adv
	loc.advs <- adv // repeated frame, same measurement sequence

	require.NoError(t, c.Connect(context.Background()))

	got := []message.SensorKind{}
	for i := 0; i < 3; i++ {
		m := recvMeasurement(t, c)
		assert.Equal(t, uint64(i+1), m.Sequence)
		got = append(got, m.Kind)
	}
	assert.Equal(t, []message.SensorKind{message.KindTemperature, message.KindHumidity, message.KindPressure}, got)
	waitState(t, c, StateConnected)

	select {
	case m := <-c.Measurements():
		t.Fatalf("duplicate frame emitted %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastDevice_MalformedFramesReconnect(t *testing.T) {
	loc := &fakeLocator{advs: make(chan discovery.Advertisement, 4)}
	c, err := New(inventory.KindBroadcast, testAddr, loc, nil, fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	good := testutil.MustHex(testutil.BroadcastVectors[0].Hex)
	loc.advs <- discovery.Advertisement{Address: testAddr, ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: good}}
	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)

	states, cancel := c.Subscribe(8)
	defer cancel()

	loc.advs <- discovery.Advertisement{Address: testAddr, ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: good[:5]}}
	waitState(t, c, StateReconnecting)

	next := testutil.MustHex(testutil.BroadcastVectors[1].Hex)
	loc.advs <- discovery.Advertisement{Address: testAddr, ManufacturerData: map[uint16][]byte{codec.RuuviCompanyID: next}}
	waitState(t, c, StateConnected)

	assert.Equal(t, StateReconnecting, <-states)
	assert.Equal(t, StateConnecting, <-states)
	assert.Equal(t, StateConnected, <-states)
}
