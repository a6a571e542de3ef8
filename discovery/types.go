package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/c360/sensorlink/pkg/async"
	"github.com/c360/sensorlink/pkg/retry"
)

// ScanState is the scheduler's view of the physical radio
type ScanState int

const (
	// NotScanning means no jobs are pending
	NotScanning ScanState = iota
	// Pending means a cycle is armed and waiting for its backoff delay
	Pending
	// Scanning means the physical scan is running
	Scanning
)

// String returns the state name
func (s ScanState) String() string {
	switch s {
	case NotScanning:
		return "NOT_SCANNING"
	case Pending:
		return "PENDING"
	case Scanning:
		return "SCANNING"
	default:
		return "UNKNOWN"
	}
}

// Advertisement is one observed radio advertisement
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int16
	ManufacturerData map[uint16][]byte
	Seen             time.Time
}

// Scanner drives the physical radio. Scan blocks until ctx is done or the
// scan fails, reporting every advertisement to found. found may be called
// from any goroutine but never after Scan returns.
type Scanner interface {
	Scan(ctx context.Context, found func(Advertisement)) error
}

// ScannerFunc adapts a function to Scanner
type ScannerFunc func(ctx context.Context, found func(Advertisement)) error

// Scan calls f
func (f ScannerFunc) Scan(ctx context.Context, found func(Advertisement)) error {
	return f(ctx, found)
}

// Job is a pending request to locate one address
type Job struct {
	Address      string
	RetryAllowed bool
	Created      time.Time

	id     uint64
	result *async.Completion[Advertisement]
}

// Wait blocks until the job resolves or ctx is done. Cancelling ctx does not
// remove the job; use Scheduler.Discover for that.
func (j *Job) Wait(ctx context.Context) (Advertisement, error) {
	return j.result.Wait(ctx)
}

// Done is closed once the job resolves
func (j *Job) Done() <-chan struct{} {
	return j.result.Done()
}

func (j *Job) resolve(adv Advertisement) bool { return j.result.Resolve(adv) }

func (j *Job) fail(err error) bool { return j.result.Fail(err) }

// Config holds scheduler tuning
type Config struct {
	Backoff            retry.Backoff `json:"backoff"`
	ScanTimeout        time.Duration `json:"scan_timeout"`
	RetryCeiling       int           `json:"retry_ceiling"`
	DiagnosticInterval time.Duration `json:"diagnostic_interval"`
}

// DefaultConfig returns 20s scans with the shared backoff and a retry
// ceiling of 10000 cycles
func DefaultConfig() Config {
	return Config{
		Backoff:            retry.DefaultBackoff(),
		ScanTimeout:        20 * time.Second,
		RetryCeiling:       10000,
		DiagnosticInterval: time.Minute,
	}
}

// NormalizeAddress canonicalizes a Bluetooth address for matching
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
