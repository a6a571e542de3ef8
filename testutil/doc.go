// Package testutil provides shared sensor test data for SensorLink tests.
//
// It holds AirBeam line frames (valid, malformed and unsupported) and the
// format 5 broadcast reference vectors with their expected decoded values.
// The package has no dependencies on other SensorLink packages so any test
// can import it.
//
//	payload := testutil.MustHex(testutil.BroadcastVectors[0].Hex)
package testutil
