package vaulterr

import (
	raven "github.com/getsentry/raven-go"
)

// ReportFatal sends a DatabaseConsistency-class error to Sentry, mirroring
// store/file_store.go's raven.CaptureError(err, nil) usage in the teacher.
// It is a no-op if raven has not been configured with a DSN (raven.SetDSN),
// exactly as in the teacher: an unconfigured client silently drops events.
func ReportFatal(err error) {
	if err == nil {
		return
	}
	if !Fatal(err) {
		return
	}
	raven.CaptureError(err, map[string]string{"kind": KindOf(err).String()})
}
